package app

import (
	"net/http"
	"strings"

	"nextcrm/api/internal/authpw"
	"nextcrm/api/internal/store"
)

func sessionPayload(session Session, user store.User) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"expiresAt":    session.ExpiresAt.Unix(),
		"user":         user,
	}
}

func (s *HTTPServer) handleAuth(w http.ResponseWriter, r *http.Request, parts []string) {
	path := strings.Join(parts[2:], "/")

	switch {
	case r.Method == http.MethodPost && path == "signup":
		s.handleAuthSignUp(w, r)
	case r.Method == http.MethodPost && path == "signin":
		s.handleAuthSignIn(w, r)
	case r.Method == http.MethodPost && path == "refresh":
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		user, err := s.service.CurrentUser(r.Context(), session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, sessionPayload(session, user))
	case r.Method == http.MethodPost && path == "logout":
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeMessage(w, http.StatusOK, nil, "Signed out")
	case r.Method == http.MethodGet && path == "session":
		token := bearerToken(r)
		if token == "" {
			writeData(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeData(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeData(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
			"email":         session.Email,
			"isAdmin":       session.IsAdmin,
			"expiresAt":     session.ExpiresAt.Unix(),
		})
	case r.Method == http.MethodPost && path == "reset-password/request":
		s.handleAuthRequestReset(w, r)
	case r.Method == http.MethodPost && path == "reset-password":
		s.handleAuthResetPassword(w, r)
	default:
		notFound(w)
	}
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
		Language string `json:"language"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	result, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:    body.Email,
		Password: body.Password,
		Name:     body.Name,
		Language: body.Language,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if result.Session != nil {
		writeMessage(w, http.StatusCreated, sessionPayload(*result.Session, result.User), "Account created with admin rights")
		return
	}
	writeMessage(w, http.StatusCreated, map[string]any{"user": result.User}, "Account created; an admin must activate it before you can sign in")
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, user, err := s.service.SignIn(r.Context(), authpw.SignInRequest{
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sessionPayload(session, user))
}

func (s *HTTPServer) handleAuthRequestReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	token, err := s.service.RequestPasswordReset(r.Context(), body.Email, clientIP(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var payload any
	// Dev bypass: the token is only returned when mail is disabled in development.
	if token != "" {
		payload = map[string]any{"devResetToken": token}
	}
	writeMessage(w, http.StatusOK, payload, ResetRequestedMessage)
}

func (s *HTTPServer) handleAuthResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if err := s.service.ResetPassword(r.Context(), authpw.ResetPasswordRequest{
		Token:       body.Token,
		NewPassword: body.NewPassword,
	}); err != nil {
		s.fail(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, nil, "Password reset successfully")
}
