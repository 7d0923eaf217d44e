// Package export renders invoices as XML for accounting import and as PDF.
package export

import (
	"errors"

	"nextcrm/api/internal/store"
)

// Format represents the export output format
type Format string

const (
	FormatXML Format = "xml"
	FormatPDF Format = "pdf"
)

// InvoiceData is everything an export needs about one invoice.
type InvoiceData struct {
	Invoice   store.Invoice
	Account   store.Account
	Documents []store.Document
	Assignee  string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrIncompleteInvoice is returned when required export fields are blank.
	ErrIncompleteInvoice = errors.New("invoice is missing fields required for export")
)
