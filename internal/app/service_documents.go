package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"nextcrm/api/internal/archive"
	"nextcrm/api/internal/effects"
	"nextcrm/api/internal/export"
	"nextcrm/api/internal/notify"
	"nextcrm/api/internal/search"
	"nextcrm/api/internal/storage"
	"nextcrm/api/internal/store"
	"nextcrm/api/internal/util"

	"go.uber.org/zap"
)

const downloadURLTTL = 15 * time.Minute

var invoiceStatuses = []string{"NEW", "IN_PROGRESS", "READY", "PAID", "CANCELLED"}

func normalizeDocument(in *store.DocumentInput) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return fieldRequired("name")
	}
	in.MimeType = defaultString(in.MimeType, "application/octet-stream")
	if in.SizeBytes < 0 {
		return validationError("sizeBytes is invalid", FieldError{Field: "sizeBytes", Message: "must be >= 0"})
	}
	return nil
}

func (s *Service) ListDocuments(ctx context.Context, opts store.ListOptions) ([]store.Document, error) {
	return s.store.ListDocuments(ctx, opts)
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	value, err := s.store.GetDocument(ctx, documentID)
	return value, missing("Document", err)
}

// CreateDocument records metadata for a file that already lives elsewhere,
// usually an external URL.
func (s *Service) CreateDocument(ctx context.Context, session Session, in store.DocumentInput) (store.Document, error) {
	in.StorageKey = ""
	if err := normalizeDocument(&in); err != nil {
		return store.Document{}, err
	}
	return s.createDocument(ctx, session, util.NewID("doc"), in)
}

func (s *Service) createDocument(ctx context.Context, session Session, id string, in store.DocumentInput) (store.Document, error) {
	doc, err := s.store.CreateDocument(ctx, session.UserID, id, in)
	if err != nil {
		return store.Document{}, err
	}
	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleDocuments, search.DocumentDocument(doc))
	s.queueNotify(q, "notify.document_assigned", session.UserID,
		notify.RecordAssignedMessage("documents", doc.ID, "the document "+strconv.Quote(doc.Name), session.UserName), doc.AssignedTo)
	s.afterCommit(ctx, q)
	return doc, nil
}

// DocumentUpload is a file body plus the metadata stored with it.
type DocumentUpload struct {
	store.DocumentInput
	Body io.Reader
}

// UploadDocument streams the body to object storage and then records the
// document. The object is removed again when the database write fails.
func (s *Service) UploadDocument(ctx context.Context, session Session, upload DocumentUpload) (store.Document, error) {
	if s.objects == nil {
		return store.Document{}, unavailableError("STORAGE_UNAVAILABLE", "Object storage is not configured")
	}
	in := upload.DocumentInput
	if err := normalizeDocument(&in); err != nil {
		return store.Document{}, err
	}
	id := util.NewID("doc")
	key := storage.ObjectKey("documents", id, in.Name)
	if err := s.objects.Put(ctx, key, upload.Body, in.SizeBytes, in.MimeType); err != nil {
		return store.Document{}, err
	}
	in.StorageKey = key
	in.URL = ""

	doc, err := s.createDocument(ctx, session, id, in)
	if err != nil {
		if rmErr := s.objects.Remove(context.WithoutCancel(ctx), key); rmErr != nil {
			s.logger.Warn("remove orphaned upload failed", zap.String("key", key), zap.Error(rmErr))
		}
		return store.Document{}, err
	}
	return doc, nil
}

func (s *Service) UpdateDocument(ctx context.Context, session Session, documentID string, patch json.RawMessage) (store.Document, error) {
	existing, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, missing("Document", err)
	}
	in := store.DocumentInputFrom(existing)
	if err := applyPatch(patch, &in); err != nil {
		return store.Document{}, err
	}
	// The stored object cannot be swapped through a metadata update.
	in.StorageKey = existing.StorageKey
	in.SizeBytes = existing.SizeBytes
	if err := normalizeDocument(&in); err != nil {
		return store.Document{}, err
	}
	doc, err := s.store.UpdateDocument(ctx, session.UserID, documentID, in)
	if err != nil {
		return store.Document{}, err
	}

	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleDocuments, search.DocumentDocument(doc))
	if doc.AssignedTo != existing.AssignedTo {
		s.queueNotify(q, "notify.document_assigned", session.UserID,
			notify.RecordAssignedMessage("documents", doc.ID, "the document "+strconv.Quote(doc.Name), session.UserName), doc.AssignedTo)
	}
	s.afterCommit(ctx, q)
	return doc, nil
}

func (s *Service) DeleteDocument(ctx context.Context, session Session, documentID string) error {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return missing("Document", err)
	}
	removed, err := s.store.DeleteDocument(ctx, session.UserID, documentID)
	if err != nil {
		return err
	}
	q := &effects.Queue{}
	s.queueStorageCleanup(q, removed.StorageKeys...)
	s.queueUnindex(q, search.ModuleDocuments, documentID)
	s.afterCommit(ctx, q)
	return nil
}

// DocumentURL returns a short-lived download link, or the external URL for
// documents that were never uploaded.
func (s *Service) DocumentURL(ctx context.Context, documentID string) (string, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return "", missing("Document", err)
	}
	if doc.StorageKey == "" {
		if doc.URL == "" {
			return "", notFoundError("Document file")
		}
		return doc.URL, nil
	}
	if s.objects == nil {
		return "", unavailableError("STORAGE_UNAVAILABLE", "Object storage is not configured")
	}
	return s.objects.PresignGet(ctx, doc.StorageKey, doc.Name, downloadURLTTL)
}

// Invoices

func normalizeInvoice(in *store.InvoiceInput) error {
	in.Number = strings.TrimSpace(in.Number)
	in.AccountID = strings.TrimSpace(in.AccountID)
	in.AssignedTo = strings.TrimSpace(in.AssignedTo)
	var fields []FieldError
	if in.AccountID == "" {
		fields = append(fields, FieldError{Field: "accountId", Message: "required"})
	}
	if in.AssignedTo == "" {
		fields = append(fields, FieldError{Field: "assignedTo", Message: "required"})
	}
	if len(fields) > 0 {
		return validationError("invoice is missing required fields", fields...)
	}
	in.Status = strings.ToUpper(defaultString(in.Status, "NEW"))
	in.Currency = strings.ToUpper(defaultString(in.Currency, "USD"))
	if !oneOf(in.Status, invoiceStatuses...) {
		return validationError("status is invalid", FieldError{Field: "status", Message: "must be one of " + strings.Join(invoiceStatuses, ", ")})
	}
	if in.Amount < 0 {
		return validationError("amount is invalid", FieldError{Field: "amount", Message: "must be >= 0"})
	}
	return nil
}

func invoiceLabel(i store.Invoice) string {
	if i.Number == "" {
		return "an invoice"
	}
	return "the invoice " + strconv.Quote(i.Number)
}

func (s *Service) ListInvoices(ctx context.Context, opts store.ListOptions) ([]store.Invoice, error) {
	return s.store.ListInvoices(ctx, opts)
}

func (s *Service) GetInvoice(ctx context.Context, invoiceID string) (store.Invoice, error) {
	value, err := s.store.GetInvoice(ctx, invoiceID)
	return value, missing("Invoice", err)
}

func (s *Service) CreateInvoice(ctx context.Context, session Session, in store.InvoiceInput) (store.Invoice, error) {
	in.StorageKey = ""
	if strings.TrimSpace(in.AssignedTo) == "" {
		in.AssignedTo = session.UserID
	}
	if err := normalizeInvoice(&in); err != nil {
		return store.Invoice{}, err
	}
	invoice, err := s.store.CreateInvoice(ctx, session.UserID, util.NewID("inv"), in)
	if err != nil {
		return store.Invoice{}, err
	}

	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleInvoices, search.InvoiceDocument(invoice))
	s.queueNotify(q, "notify.invoice_assigned", session.UserID,
		notify.RecordAssignedMessage("invoices", invoice.ID, invoiceLabel(invoice), session.UserName), invoice.AssignedTo)
	s.afterCommit(ctx, q)
	return invoice, nil
}

func (s *Service) UpdateInvoice(ctx context.Context, session Session, invoiceID string, patch json.RawMessage) (store.Invoice, error) {
	existing, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return store.Invoice{}, missing("Invoice", err)
	}
	in := store.InvoiceInputFrom(existing)
	if err := applyPatch(patch, &in); err != nil {
		return store.Invoice{}, err
	}
	in.StorageKey = existing.StorageKey
	if err := normalizeInvoice(&in); err != nil {
		return store.Invoice{}, err
	}
	invoice, err := s.store.UpdateInvoice(ctx, session.UserID, invoiceID, in)
	if err != nil {
		return store.Invoice{}, err
	}

	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleInvoices, search.InvoiceDocument(invoice))
	if invoice.AssignedTo != existing.AssignedTo {
		s.queueNotify(q, "notify.invoice_assigned", session.UserID,
			notify.RecordAssignedMessage("invoices", invoice.ID, invoiceLabel(invoice), session.UserName), invoice.AssignedTo)
	}
	s.afterCommit(ctx, q)
	return invoice, nil
}

func (s *Service) DeleteInvoice(ctx context.Context, session Session, invoiceID string) error {
	if _, err := s.store.GetInvoice(ctx, invoiceID); err != nil {
		return missing("Invoice", err)
	}
	removed, err := s.store.DeleteInvoice(ctx, session.UserID, invoiceID)
	if err != nil {
		return err
	}
	q := &effects.Queue{}
	s.queueStorageCleanup(q, removed.StorageKeys...)
	s.queueUnindex(q, search.ModuleInvoices, invoiceID)
	s.afterCommit(ctx, q)
	return nil
}

func (s *Service) invoiceData(ctx context.Context, invoiceID string) (export.InvoiceData, error) {
	invoice, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return export.InvoiceData{}, missing("Invoice", err)
	}
	data := export.InvoiceData{Invoice: invoice}
	if data.Account, err = s.store.GetAccount(ctx, invoice.AccountID); err != nil {
		return export.InvoiceData{}, missing("Account", err)
	}
	for _, documentID := range invoice.DocumentIDs {
		doc, err := s.store.GetDocument(ctx, documentID)
		if err != nil {
			return export.InvoiceData{}, err
		}
		data.Documents = append(data.Documents, doc)
	}
	if invoice.AssignedTo != "" {
		assignee, err := s.store.GetUserByID(ctx, invoice.AssignedTo)
		switch {
		case err == nil:
			data.Assignee = assignee.Name
		case !errors.Is(err, sql.ErrNoRows):
			return export.InvoiceData{}, err
		}
	}
	return data, nil
}

// ExportInvoiceXML renders the accounting XML, stores it next to the invoice
// and records the export key. Archiving the file is best effort.
func (s *Service) ExportInvoiceXML(ctx context.Context, session Session, invoiceID string) (*export.Result, error) {
	if s.exporter == nil {
		return nil, unavailableError("EXPORT_UNAVAILABLE", "Invoice export is not configured")
	}
	data, err := s.invoiceData(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	result, err := s.exporter.InvoiceXML(ctx, data)
	if err != nil {
		return nil, err
	}

	q := &effects.Queue{}
	if s.objects != nil {
		key := storage.ObjectKey("invoices", invoiceID, result.Filename)
		if err := s.objects.Put(ctx, key, bytes.NewReader(result.Data), int64(len(result.Data)), result.MimeType); err != nil {
			return nil, err
		}
		previous, err := s.store.SetInvoiceExportKey(ctx, session.UserID, invoiceID, key)
		if err != nil {
			return nil, missing("Invoice", err)
		}
		if previous != key {
			s.queueStorageCleanup(q, previous)
		}
	}
	if s.archive != nil {
		payload := result.Data
		author := defaultString(session.UserName, session.UserID)
		message := "Export " + result.Filename
		q.Add("archive.commit", func(context.Context) error {
			_, err := s.archive.CommitExport(invoiceID, payload, author, message)
			return err
		})
	}
	s.afterCommit(ctx, q)
	return result, nil
}

func (s *Service) ExportInvoicePDF(ctx context.Context, invoiceID string) (*export.Result, error) {
	if s.exporter == nil {
		return nil, unavailableError("EXPORT_UNAVAILABLE", "Invoice export is not configured")
	}
	data, err := s.invoiceData(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	return s.exporter.InvoicePDF(ctx, data)
}

func (s *Service) InvoiceExportHistory(ctx context.Context, invoiceID string, limit int) ([]archive.Commit, error) {
	if _, err := s.store.GetInvoice(ctx, invoiceID); err != nil {
		return nil, missing("Invoice", err)
	}
	if s.archive == nil {
		return []archive.Commit{}, nil
	}
	return s.archive.History(invoiceID, limit)
}

// ArchivedInvoiceExport returns the XML recorded by one archived export.
func (s *Service) ArchivedInvoiceExport(ctx context.Context, invoiceID, hash string) ([]byte, error) {
	if _, err := s.store.GetInvoice(ctx, invoiceID); err != nil {
		return nil, missing("Invoice", err)
	}
	if s.archive == nil {
		return nil, notFoundError("Export")
	}
	data, err := s.archive.ReadExport(invoiceID, hash)
	if errors.Is(err, archive.ErrNotFound) {
		return nil, notFoundError("Export")
	}
	return data, err
}
