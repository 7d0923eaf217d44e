package storage

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestObjectKey(t *testing.T) {
	cases := []struct {
		prefix, id, filename string
		want                 string
	}{
		{"documents", "doc_1", "Q3 report.pdf", "documents/doc_1/Q3_report.pdf"},
		{"documents", "doc_2", "../../etc/passwd", "documents/doc_2/passwd"},
		{"invoices", "inv_1", `C:\tmp\scan.png`, "invoices/inv_1/scan.png"},
		{"exports", "inv_2", "ünïcødé", "exports/inv_2/ncd"},
		{"exports", "inv_3", "...", "exports/inv_3/file"},
	}
	for _, tc := range cases {
		t.Run(tc.filename, func(t *testing.T) {
			if got := ObjectKey(tc.prefix, tc.id, tc.filename); got != tc.want {
				t.Fatalf("ObjectKey() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewRequiresEndpointAndBucket(t *testing.T) {
	if _, err := New(Config{Bucket: "crm"}); err == nil {
		t.Fatal("expected error without endpoint")
	}
	if _, err := New(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestPresignGet(t *testing.T) {
	svc, err := New(Config{
		Endpoint:  "localhost:9000",
		Region:    "us-east-1",
		Bucket:    "crm",
		AccessKey: "minio",
		SecretKey: "minio-secret",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	raw, err := svc.PresignGet(context.Background(), "documents/doc_1/report.pdf", "report.pdf", 15*time.Minute)
	if err != nil {
		t.Fatalf("PresignGet() error = %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse presigned url: %v", err)
	}
	if u.Host != "localhost:9000" || !strings.HasSuffix(u.Path, "/crm/documents/doc_1/report.pdf") {
		t.Fatalf("unexpected presigned url %s", raw)
	}
	q := u.Query()
	if q.Get("X-Amz-Expires") != "900" {
		t.Fatalf("expected 900s expiry, got %q", q.Get("X-Amz-Expires"))
	}
	if !strings.Contains(q.Get("response-content-disposition"), "report.pdf") {
		t.Fatalf("missing content disposition in %s", raw)
	}
}
