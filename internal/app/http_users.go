package app

import (
	"net/http"
	"strconv"
	"strings"

	"nextcrm/api/internal/store"
)

func (s *HTTPServer) handleUser(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()
	path := strings.Join(parts[2:], "/")

	switch {
	case path == "profile" && r.Method == http.MethodGet:
		user, err := s.service.CurrentUser(ctx, session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, user)
	case path == "profile" && (r.Method == http.MethodPut || r.Method == http.MethodPatch):
		var body store.ProfileInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.UpdateProfile(ctx, session, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, user, "Profile updated")
	case path == "password" && (r.Method == http.MethodPost || r.Method == http.MethodPut):
		var body struct {
			CurrentPassword string `json:"currentPassword"`
			NewPassword     string `json:"newPassword"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ChangePassword(ctx, session, body.CurrentPassword, body.NewPassword); err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, nil, "Password changed")
	case path == "openai-key" && r.Method == http.MethodPut:
		var body struct {
			APIKey string `json:"apiKey"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SetOpenAIKey(ctx, session, body.APIKey); err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, nil, "OpenAI key saved")
	default:
		notFound(w)
	}
}

// handleAdmin serves /api/admin/...; the service rejects non-admins.
func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()
	if len(parts) < 3 {
		notFound(w)
		return
	}

	switch parts[2] {
	case "users":
		s.handleAdminUsers(w, r, session, parts)
	case "openai-key":
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		var body struct {
			APIKey string `json:"apiKey"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SetSystemOpenAIKey(ctx, session, body.APIKey); err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, nil, "System OpenAI key saved")
	case "audit":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		query := r.URL.Query()
		events, err := s.service.ListAuditEvents(ctx, session, store.AuditFilter{
			EntityType:  query.Get("entityType"),
			EntityID:    query.Get("entityId"),
			ActorID:     query.Get("actorId"),
			ListOptions: listOptions(r),
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, events)
	default:
		notFound(w)
	}
}

func (s *HTTPServer) handleAdminUsers(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	if len(parts) == 3 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		users, err := s.service.ListUsers(ctx, session, listOptions(r))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, users)
		return
	}

	userID := parts[3]
	switch {
	case len(parts) == 4 && r.Method == http.MethodDelete:
		if err := s.service.DeleteUser(ctx, session, userID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, nil, "User deleted")
	case len(parts) == 5 && parts[4] == "status" && r.Method == http.MethodPut:
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.SetUserStatus(ctx, session, userID, body.Status)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, user, "User status updated")
	case len(parts) == 5 && parts[4] == "admin" && r.Method == http.MethodPut:
		var body AdminFlags
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.SetUserAdmin(ctx, session, userID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, user, "User roles updated")
	default:
		notFound(w)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 2 {
		notFound(w)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	req := SearchRequest{Text: query.Get("q")}
	if raw := strings.TrimSpace(query.Get("modules")); raw != "" {
		for _, module := range strings.Split(raw, ",") {
			if module = strings.TrimSpace(module); module != "" {
				req.Modules = append(req.Modules, module)
			}
		}
	}
	req.Limit, _ = strconv.Atoi(query.Get("limit"))
	req.Offset, _ = strconv.Atoi(query.Get("offset"))
	req.TopN, _ = strconv.Atoi(query.Get("top"))
	req.IncludeInactive, _ = strconv.ParseBool(query.Get("includeInactive"))

	result, err := s.service.Search(r.Context(), session, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (s *HTTPServer) handleAI(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 3 || parts[2] != "completion" {
		notFound(w)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Complete(r.Context(), session, body.Prompt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result)
}
