package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nextcrm/api/internal/store"

	"golang.org/x/crypto/bcrypt"
)

func doRequest(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func accessToken(t *testing.T, svc *Service, user store.User) string {
	t.Helper()
	session, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issueSession() error = %v", err)
	}
	return session.Token
}

func hashedUser(t *testing.T, id, status, password string) store.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := testUser(id, status, false)
	user.PasswordHash = string(hash)
	return user
}

func TestSignUpFirstUserGetsAdminSession(t *testing.T) {
	fs := newFakeStore()
	server := NewHTTPServer(newTestService(fs), "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/auth/signup", "",
		`{"email":"Ada@Example.com","password":"correct-horse","name":"Ada"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	data, _ := payload["data"].(map[string]any)
	if token, _ := data["accessToken"].(string); token == "" {
		t.Fatalf("expected access token for the first user, got %v", data)
	}
	user, _ := data["user"].(map[string]any)
	if user["isAdmin"] != true || user["status"] != store.UserStatusActive {
		t.Fatalf("expected active admin, got %v", user)
	}
	if user["email"] != "ada@example.com" {
		t.Fatalf("expected normalized email, got %v", user["email"])
	}

	rr = doRequest(t, server.Handler(), http.MethodPost, "/api/auth/signup", "",
		`{"email":"grace@example.com","password":"correct-horse","name":"Grace"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	data, _ = decodeResponse(t, rr)["data"].(map[string]any)
	if _, ok := data["accessToken"]; ok {
		t.Fatalf("expected no session for a pending user, got %v", data)
	}
	user, _ = data["user"].(map[string]any)
	if user["status"] != store.UserStatusPending || user["isAdmin"] != false {
		t.Fatalf("expected pending member, got %v", user)
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	fs := newFakeStore(testUser("usr_ada", store.UserStatusActive, true))
	server := NewHTTPServer(newTestService(fs), "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/auth/signup", "",
		`{"email":"usr_ada@example.com","password":"correct-horse","name":"Ada"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	if code := decodeResponse(t, rr)["code"]; code != "EMAIL_EXISTS" {
		t.Fatalf("expected EMAIL_EXISTS, got %v", code)
	}
}

func TestSignInStatuses(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		password string
		wantCode int
		wantErr  string
	}{
		{name: "active user", status: store.UserStatusActive, password: "correct-horse", wantCode: http.StatusOK},
		{name: "wrong password", status: store.UserStatusActive, password: "wrong-horse", wantCode: http.StatusUnauthorized, wantErr: "INVALID_CREDENTIALS"},
		{name: "pending user", status: store.UserStatusPending, password: "correct-horse", wantCode: http.StatusForbidden, wantErr: "ACCOUNT_PENDING"},
		{name: "inactive user", status: store.UserStatusInactive, password: "correct-horse", wantCode: http.StatusForbidden, wantErr: "ACCOUNT_INACTIVE"},
		{name: "inactive user wrong password", status: store.UserStatusInactive, password: "nope-nope", wantCode: http.StatusUnauthorized, wantErr: "INVALID_CREDENTIALS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore(hashedUser(t, "usr_ada", tt.status, "correct-horse"))
			server := NewHTTPServer(newTestService(fs), "*")

			rr := doRequest(t, server.Handler(), http.MethodPost, "/api/auth/signin", "",
				`{"email":"usr_ada@example.com","password":"`+tt.password+`"}`)
			if rr.Code != tt.wantCode {
				t.Fatalf("expected status %d, got %d body=%s", tt.wantCode, rr.Code, rr.Body.String())
			}
			payload := decodeResponse(t, rr)
			if tt.wantErr != "" {
				if payload["code"] != tt.wantErr {
					t.Fatalf("expected %s, got %v", tt.wantErr, payload["code"])
				}
				return
			}
			data, _ := payload["data"].(map[string]any)
			if token, _ := data["refreshToken"].(string); token == "" {
				t.Fatalf("expected refresh token, got %v", data)
			}
		})
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	user := testUser("usr_ada", store.UserStatusActive, false)
	fs := newFakeStore(user)
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")

	session, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issueSession() error = %v", err)
	}

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/auth/refresh", "", `{"refreshToken":"`+session.RefreshToken+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server.Handler(), http.MethodPost, "/api/auth/refresh", "", `{"refreshToken":"`+session.RefreshToken+`"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected reused refresh token to fail with 401, got %d", rr.Code)
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	user := testUser("usr_ada", store.UserStatusActive, false)
	svc := newTestService(newFakeStore(user))
	server := NewHTTPServer(svc, "*")
	token := accessToken(t, svc, user)

	if rr := doRequest(t, server.Handler(), http.MethodGet, "/api/user/profile", token, ""); rr.Code != http.StatusOK {
		t.Fatalf("expected profile before logout, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := doRequest(t, server.Handler(), http.MethodPost, "/api/auth/logout", token, ""); rr.Code != http.StatusOK {
		t.Fatalf("expected logout 200, got %d", rr.Code)
	}
	if rr := doRequest(t, server.Handler(), http.MethodGet, "/api/user/profile", token, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rr.Code)
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), "*")

	for _, path := range []string{"/api/crm/accounts", "/api/projects/boards", "/api/search?q=a", "/api/admin/users"} {
		rr := doRequest(t, server.Handler(), http.MethodGet, path, "", "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rr.Code)
		}
		if code := decodeResponse(t, rr)["code"]; code != "UNAUTHORIZED" {
			t.Fatalf("%s: expected UNAUTHORIZED, got %v", path, code)
		}
	}

	rr := doRequest(t, server.Handler(), http.MethodGet, "/api/crm/accounts", "not-a-jwt", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a malformed token, got %d", rr.Code)
	}
}

func TestInactiveUserTokenIsRejected(t *testing.T) {
	user := testUser("usr_ada", store.UserStatusActive, false)
	fs := newFakeStore(user)
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")
	token := accessToken(t, svc, user)

	user.Status = store.UserStatusInactive
	fs.users[user.ID] = user

	if rr := doRequest(t, server.Handler(), http.MethodGet, "/api/user/profile", token, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a deactivated user, got %d", rr.Code)
	}
}

func TestPasswordResetRequestUnknownEmailIsGeneric(t *testing.T) {
	fs := newFakeStore(testUser("usr_known", store.UserStatusActive, false))
	notifier := &fakeNotifier{}
	svc := newTestService(fs)
	svc.notifier = notifier
	svc.mailEnabled = true
	server := NewHTTPServer(svc, "*")

	unknown := doRequest(t, server.Handler(), http.MethodPost, "/api/auth/reset-password/request", "", `{"email":"ghost@example.com"}`)
	known := doRequest(t, server.Handler(), http.MethodPost, "/api/auth/reset-password/request", "", `{"email":"usr_known@example.com"}`)
	svc.Wait()

	for name, rr := range map[string]*httptest.ResponseRecorder{"unknown": unknown, "known": known} {
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d body=%s", name, rr.Code, rr.Body.String())
		}
		payload := decodeResponse(t, rr)
		if payload["message"] != ResetRequestedMessage {
			t.Fatalf("%s: expected generic message, got %v", name, payload["message"])
		}
		if _, ok := payload["data"]; ok {
			t.Fatalf("%s: expected no data, got %v", name, payload["data"])
		}
	}
	if got := notifier.resetCount(); got != 1 {
		t.Fatalf("expected exactly one reset email for the known address, got %d", got)
	}
}

func TestPasswordResetRequestRateLimited(t *testing.T) {
	svc := newTestService(newFakeStore())
	svc.resetLimiter = denyLimiter{retryAfter: 1500 * time.Millisecond}
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/auth/reset-password/request", "", `{"email":"a@example.com"}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
	if code := decodeResponse(t, rr)["code"]; code != "RATE_LIMITED" {
		t.Fatalf("expected RATE_LIMITED, got %v", code)
	}
}

func TestResetPasswordRejectsUnknownToken(t *testing.T) {
	fs := newFakeStore()
	server := NewHTTPServer(newTestService(fs), "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/auth/reset-password", "", `{"token":"bogus","newPassword":"correct-horse"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	if code := decodeResponse(t, rr)["code"]; code != "INVALID_RESET_TOKEN" {
		t.Fatalf("expected INVALID_RESET_TOKEN, got %v", code)
	}
	if got := fs.recorded(); len(got) != 0 {
		t.Fatalf("expected no writes, got %v", got)
	}
}

func TestWebhookToken(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		sent       string
		wantCode   int
		wantErr    string
	}{
		{name: "disabled", sent: "anything", wantCode: http.StatusServiceUnavailable, wantErr: "WEBHOOK_DISABLED"},
		{name: "wrong token", configured: "s3cret", sent: "guess", wantCode: http.StatusUnauthorized, wantErr: "UNAUTHORIZED"},
		{name: "missing token", configured: "s3cret", wantCode: http.StatusUnauthorized, wantErr: "UNAUTHORIZED"},
		{name: "accepted", configured: "s3cret", sent: "s3cret", wantCode: http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore()
			svc := newTestService(fs)
			svc.cfg.WebhookToken = tt.configured
			server := NewHTTPServer(svc, "*")

			req := httptest.NewRequest(http.MethodPost, "/api/crm/leads/create-lead-from-web", bytes.NewBufferString(`{"lastName":"Lovelace","company":"Analytical"}`))
			if tt.sent != "" {
				req.Header.Set("X-Webhook-Token", tt.sent)
			}
			rr := httptest.NewRecorder()
			server.Handler().ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Fatalf("expected status %d, got %d body=%s", tt.wantCode, rr.Code, rr.Body.String())
			}
			payload := decodeResponse(t, rr)
			if tt.wantErr != "" {
				if payload["code"] != tt.wantErr {
					t.Fatalf("expected %s, got %v", tt.wantErr, payload["code"])
				}
				if got := fs.recorded(); len(got) != 0 {
					t.Fatalf("expected no writes, got %v", got)
				}
				return
			}
			data, _ := payload["data"].(map[string]any)
			if data["leadSource"] != "Web" {
				t.Fatalf("expected lead source Web, got %v", data["leadSource"])
			}
			if data["createdBy"] != "" {
				t.Fatalf("expected no creator for web form leads, got %v", data["createdBy"])
			}
		})
	}
}
