package app

import (
	"net/http"

	"nextcrm/api/internal/store"
)

func (s *HTTPServer) handleCRM(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) < 3 {
		notFound(w)
		return
	}
	switch parts[2] {
	case "accounts":
		s.handleAccounts(w, r, session, parts)
	case "contacts":
		s.handleContacts(w, r, session, parts)
	case "leads":
		s.handleLeads(w, r, session, parts)
	case "opportunities":
		s.handleOpportunities(w, r, session, parts)
	default:
		notFound(w)
	}
}

func (s *HTTPServer) handleAccounts(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListAccounts(ctx, listOptions(r))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, items)
		case http.MethodPost:
			var body store.AccountInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			account, err := s.service.CreateAccount(ctx, session, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusCreated, account, "Account created")
		default:
			methodNotAllowed(w)
		}
		return
	}

	accountID := parts[3]
	if len(parts) == 4 {
		switch r.Method {
		case http.MethodGet:
			account, err := s.service.GetAccount(ctx, accountID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, account)
		case http.MethodPut, http.MethodPatch:
			patch, err := readPatch(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			account, err := s.service.UpdateAccount(ctx, session, accountID, patch)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusOK, account, "Account updated")
		case http.MethodDelete:
			if err := s.service.DeleteAccount(ctx, session, accountID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusOK, nil, "Account deleted")
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) != 5 {
		notFound(w)
		return
	}
	switch {
	case parts[4] == "watch" && r.Method == http.MethodPost:
		if err := s.service.WatchAccount(ctx, session, accountID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, nil, "Watching account")
	case parts[4] == "watch" && r.Method == http.MethodDelete,
		parts[4] == "unwatch" && r.Method == http.MethodPost:
		if err := s.service.UnwatchAccount(ctx, session, accountID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, nil, "Stopped watching account")
	case parts[4] == "watchers" && r.Method == http.MethodGet:
		users, err := s.service.ListAccountWatchers(ctx, accountID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, users)
	case parts[4] == "tasks" && r.Method == http.MethodGet:
		tasks, err := s.service.ListAccountTasks(ctx, accountID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, tasks)
	case parts[4] == "tasks" && r.Method == http.MethodPost:
		var body store.TaskInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		task, err := s.service.CreateAccountTask(ctx, session, accountID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusCreated, task, "Task created")
	default:
		notFound(w)
	}
}

func (s *HTTPServer) handleContacts(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListContacts(ctx, listOptions(r))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, items)
		case http.MethodPost:
			var body store.ContactInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			contact, err := s.service.CreateContact(ctx, session, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusCreated, contact, "Contact created")
		default:
			methodNotAllowed(w)
		}
		return
	}
	if len(parts) != 4 {
		notFound(w)
		return
	}

	contactID := parts[3]
	switch r.Method {
	case http.MethodGet:
		contact, err := s.service.GetContact(ctx, contactID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, contact)
	case http.MethodPut, http.MethodPatch:
		patch, err := readPatch(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		contact, err := s.service.UpdateContact(ctx, session, contactID, patch)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, contact, "Contact updated")
	case http.MethodDelete:
		if err := s.service.DeleteContact(ctx, session, contactID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, nil, "Contact deleted")
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleLeads(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListLeads(ctx, listOptions(r))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, items)
		case http.MethodPost:
			var body store.LeadInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			lead, err := s.service.CreateLead(ctx, session, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusCreated, lead, "Lead created")
		default:
			methodNotAllowed(w)
		}
		return
	}
	if len(parts) != 4 {
		notFound(w)
		return
	}

	leadID := parts[3]
	switch r.Method {
	case http.MethodGet:
		lead, err := s.service.GetLead(ctx, leadID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, lead)
	case http.MethodPut, http.MethodPatch:
		patch, err := readPatch(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		lead, err := s.service.UpdateLead(ctx, session, leadID, patch)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, lead, "Lead updated")
	case http.MethodDelete:
		if err := s.service.DeleteLead(ctx, session, leadID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, nil, "Lead deleted")
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleOpportunities(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListOpportunities(ctx, listOptions(r))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, items)
		case http.MethodPost:
			var body store.OpportunityInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			opportunity, err := s.service.CreateOpportunity(ctx, session, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusCreated, opportunity, "Opportunity created")
		default:
			methodNotAllowed(w)
		}
		return
	}
	if len(parts) != 4 {
		notFound(w)
		return
	}

	opportunityID := parts[3]
	switch r.Method {
	case http.MethodGet:
		opportunity, err := s.service.GetOpportunity(ctx, opportunityID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, opportunity)
	case http.MethodPut, http.MethodPatch:
		patch, err := readPatch(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		opportunity, err := s.service.UpdateOpportunity(ctx, session, opportunityID, patch)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, opportunity, "Opportunity updated")
	case http.MethodDelete:
		if err := s.service.DeleteOpportunity(ctx, session, opportunityID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, nil, "Opportunity deleted")
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleContactWebhook(w http.ResponseWriter, r *http.Request) {
	var body store.ContactInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	contact, err := s.service.CreateContactFromWebhook(r.Context(), r.Header.Get("X-Webhook-Token"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeMessage(w, http.StatusCreated, contact, "Contact created")
}

func (s *HTTPServer) handleLeadWebhook(w http.ResponseWriter, r *http.Request) {
	var body store.LeadInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	lead, err := s.service.CreateLeadFromWebhook(r.Context(), r.Header.Get("X-Webhook-Token"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeMessage(w, http.StatusCreated, lead, "Lead created")
}
