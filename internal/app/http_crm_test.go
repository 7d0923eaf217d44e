package app

import (
	"context"
	"database/sql"
	"net/http"
	"reflect"
	"testing"

	"nextcrm/api/internal/store"
)

// watchedAccountStore keeps a single account in memory so watcher changes
// persist across requests.
func watchedAccountStore(users ...store.User) *fakeStore {
	fs := newFakeStore(users...)
	current := store.Account{ID: "acc_1", Name: "Acme", Status: "Active", Type: "Customer", Watchers: []string{}}
	fs.getAccountFn = func(_ context.Context, id string) (store.Account, error) {
		if id != current.ID {
			return store.Account{}, sql.ErrNoRows
		}
		return current, nil
	}
	fs.updateAccountFn = func(_ context.Context, _, id string, in store.AccountInput) (store.Account, error) {
		current.Name = in.Name
		current.Status = in.Status
		current.Type = in.Type
		if in.Watchers != nil {
			current.Watchers = append([]string{}, (*in.Watchers)...)
		}
		current.Version++
		return current, nil
	}
	return fs
}

func TestAccountWatchersAreNotifiedOfOtherUsersEdits(t *testing.T) {
	alice := testUser("usr_alice", store.UserStatusActive, false)
	bob := testUser("usr_bob", store.UserStatusActive, false)
	fs := watchedAccountStore(alice, bob)
	notifier := &fakeNotifier{}
	svc := newTestService(fs)
	svc.notifier = notifier
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodPatch, "/api/crm/accounts/acc_1", accessToken(t, svc, alice), `{"watchers":["usr_alice","usr_bob"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	svc.Wait()

	rr = doRequest(t, server.Handler(), http.MethodPatch, "/api/crm/accounts/acc_1", accessToken(t, svc, bob), `{"name":"Acme Corp"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	svc.Wait()

	data, _ := decodeResponse(t, rr)["data"].(map[string]any)
	if data["name"] != "Acme Corp" {
		t.Fatalf("expected renamed account, got %v", data["name"])
	}
	watchers, _ := data["watchers"].([]any)
	if len(watchers) != 2 {
		t.Fatalf("expected watchers to survive a name-only patch, got %v", data["watchers"])
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	// The first patch was made by alice, so only bob hears about it.
	want := [][]string{{"usr_bob"}, {"usr_alice"}}
	if !reflect.DeepEqual(notifier.recipients, want) {
		t.Fatalf("expected recipients %v, got %v", want, notifier.recipients)
	}
}

func TestAccountWatchersCanBeCleared(t *testing.T) {
	alice := testUser("usr_alice", store.UserStatusActive, false)
	fs := watchedAccountStore(alice)
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")
	token := accessToken(t, svc, alice)

	doRequest(t, server.Handler(), http.MethodPatch, "/api/crm/accounts/acc_1", token, `{"watchers":["usr_alice"]}`)
	rr := doRequest(t, server.Handler(), http.MethodPatch, "/api/crm/accounts/acc_1", token, `{"watchers":[]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	data, _ := decodeResponse(t, rr)["data"].(map[string]any)
	if watchers, _ := data["watchers"].([]any); len(watchers) != 0 {
		t.Fatalf("expected no watchers, got %v", data["watchers"])
	}
}

func TestAccountPatchValidation(t *testing.T) {
	alice := testUser("usr_alice", store.UserStatusActive, false)
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantErr  string
	}{
		{name: "missing account", path: "/api/crm/accounts/acc_missing", body: `{"name":"x"}`, wantCode: http.StatusNotFound, wantErr: "NOT_FOUND"},
		{name: "blank name", path: "/api/crm/accounts/acc_1", body: `{"name":"  "}`, wantCode: http.StatusBadRequest, wantErr: "VALIDATION_ERROR"},
		{name: "unknown status", path: "/api/crm/accounts/acc_1", body: `{"status":"Dormant"}`, wantCode: http.StatusBadRequest, wantErr: "VALIDATION_ERROR"},
		{name: "malformed body", path: "/api/crm/accounts/acc_1", body: `{"name":`, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := watchedAccountStore(alice)
			svc := newTestService(fs)
			server := NewHTTPServer(svc, "*")

			rr := doRequest(t, server.Handler(), http.MethodPatch, tt.path, accessToken(t, svc, alice), tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("expected status %d, got %d body=%s", tt.wantCode, rr.Code, rr.Body.String())
			}
			if tt.wantErr != "" {
				if code := decodeResponse(t, rr)["code"]; code != tt.wantErr {
					t.Fatalf("expected %s, got %v", tt.wantErr, code)
				}
			}
			if got := fs.recorded(); len(got) != 0 {
				t.Fatalf("expected no writes, got %v", got)
			}
		})
	}
}
