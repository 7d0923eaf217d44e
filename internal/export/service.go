package export

import (
	"context"
	"fmt"
	"time"
)

type pdfRenderer func(ctx context.Context, html string) ([]byte, error)

// Service provides invoice export functionality
type Service struct {
	renderPDF pdfRenderer
	now       func() time.Time
}

// NewService creates an export service that prints PDFs with headless Chrome.
func NewService() *Service {
	return &Service{renderPDF: chromePDF, now: time.Now}
}

func (s *Service) InvoiceXML(_ context.Context, data InvoiceData) (*Result, error) {
	return InvoiceXML(data, s.now())
}

func (s *Service) InvoicePDF(ctx context.Context, data InvoiceData) (*Result, error) {
	html, err := RenderInvoiceHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	pdf, err := s.renderPDF(ctx, html)
	if err != nil {
		return nil, err
	}
	return &Result{
		Data:     pdf,
		Filename: "invoice-" + sanitizeFilename(data.Invoice.Number) + ".pdf",
		MimeType: "application/pdf",
	}, nil
}
