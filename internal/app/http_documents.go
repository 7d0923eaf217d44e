package app

import (
	"net/http"
	"strconv"
	"strings"

	"nextcrm/api/internal/store"
)

const maxUploadSize = 64 << 20

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			docs, err := s.service.ListDocuments(ctx, listOptions(r))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, docs)
		case http.MethodPost:
			var body store.DocumentInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			doc, err := s.service.CreateDocument(ctx, session, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusCreated, doc, "Document created")
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) == 3 && parts[2] == "upload" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleDocumentUpload(w, r, session)
		return
	}

	documentID := parts[2]
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			doc, err := s.service.GetDocument(ctx, documentID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, doc)
		case http.MethodPut, http.MethodPatch:
			patch, err := readPatch(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			doc, err := s.service.UpdateDocument(ctx, session, documentID, patch)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusOK, doc, "Document updated")
		case http.MethodDelete:
			if err := s.service.DeleteDocument(ctx, session, documentID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusOK, nil, "Document deleted")
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) == 4 && parts[3] == "download" && r.Method == http.MethodGet {
		url, err := s.service.DocumentURL(ctx, documentID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, map[string]string{"url": url})
		return
	}

	notFound(w)
}

// handleDocumentUpload accepts multipart/form-data with a "file" part and
// optional name, description and relation id fields.
func (s *HTTPServer) handleDocumentUpload(w http.ResponseWriter, r *http.Request, session Session) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected a multipart upload", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(w, r, fieldRequired("file"))
		return
	}
	defer file.Close()

	in := store.DocumentInput{
		Name:        defaultString(r.FormValue("name"), header.Filename),
		Description: r.FormValue("description"),
		MimeType:    header.Header.Get("Content-Type"),
		SizeBytes:   header.Size,
		AssignedTo:  r.FormValue("assignedTo"),
	}
	in.AccountIDs = formIDs(r, "accountIds")
	in.ContactIDs = formIDs(r, "contactIds")
	in.LeadIDs = formIDs(r, "leadIds")
	in.OpportunityIDs = formIDs(r, "opportunityIds")
	in.TaskIDs = formIDs(r, "taskIds")
	in.InvoiceIDs = formIDs(r, "invoiceIds")

	doc, err := s.service.UploadDocument(r.Context(), session, DocumentUpload{DocumentInput: in, Body: file})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeMessage(w, http.StatusCreated, doc, "Document uploaded")
}

// formIDs reads a comma separated id list. An absent field leaves the
// relation untouched.
func formIDs(r *http.Request, field string) *[]string {
	values, ok := r.MultipartForm.Value[field]
	if !ok {
		return nil
	}
	ids := []string{}
	for _, value := range values {
		for _, id := range strings.Split(value, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return &ids
}

func (s *HTTPServer) handleInvoices(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			invoices, err := s.service.ListInvoices(ctx, listOptions(r))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, invoices)
		case http.MethodPost:
			var body store.InvoiceInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			invoice, err := s.service.CreateInvoice(ctx, session, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusCreated, invoice, "Invoice created")
		default:
			methodNotAllowed(w)
		}
		return
	}

	invoiceID := parts[2]
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			invoice, err := s.service.GetInvoice(ctx, invoiceID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, invoice)
		case http.MethodPut, http.MethodPatch:
			patch, err := readPatch(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			invoice, err := s.service.UpdateInvoice(ctx, session, invoiceID, patch)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusOK, invoice, "Invoice updated")
		case http.MethodDelete:
			if err := s.service.DeleteInvoice(ctx, session, invoiceID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusOK, nil, "Invoice deleted")
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch {
	case len(parts) == 5 && parts[3] == "export" && parts[4] == "xml" && r.Method == http.MethodPost:
		result, err := s.service.ExportInvoiceXML(ctx, session, invoiceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeFile(w, result.Filename, result.MimeType, result.Data)
	case len(parts) == 5 && parts[3] == "export" && parts[4] == "pdf" && (r.Method == http.MethodPost || r.Method == http.MethodGet):
		result, err := s.service.ExportInvoicePDF(ctx, invoiceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeFile(w, result.Filename, result.MimeType, result.Data)
	case len(parts) == 4 && parts[3] == "exports" && r.Method == http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		history, err := s.service.InvoiceExportHistory(ctx, invoiceID, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, history)
	case len(parts) == 5 && parts[3] == "exports" && r.Method == http.MethodGet:
		data, err := s.service.ArchivedInvoiceExport(ctx, invoiceID, parts[4])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeFile(w, invoiceID+"-"+parts[4]+".xml", "application/xml", data)
	default:
		notFound(w)
	}
}
