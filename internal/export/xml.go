package export

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

type xmlInvoice struct {
	XMLName     xml.Name      `xml:"Invoice"`
	ID          string        `xml:"id,attr"`
	Number      string        `xml:"Number"`
	Status      string        `xml:"Status"`
	Description string        `xml:"Description,omitempty"`
	Currency    string        `xml:"Currency"`
	Amount      string        `xml:"Amount"`
	IssuedAt    string        `xml:"IssuedAt,omitempty"`
	DueAt       string        `xml:"DueAt,omitempty"`
	Partner     xmlPartner    `xml:"Partner"`
	Account     xmlAccount    `xml:"Account"`
	AssignedTo  string        `xml:"AssignedTo,omitempty"`
	Documents   []xmlDocument `xml:"Documents>Document,omitempty"`
	ExportedAt  string        `xml:"ExportedAt"`
}

type xmlPartner struct {
	Name string `xml:"Name"`
}

type xmlAccount struct {
	ID         string `xml:"id,attr"`
	Name       string `xml:"Name"`
	Email      string `xml:"Email,omitempty"`
	Street     string `xml:"Address>Street,omitempty"`
	City       string `xml:"Address>City,omitempty"`
	PostalCode string `xml:"Address>PostalCode,omitempty"`
	Country    string `xml:"Address>Country,omitempty"`
}

type xmlDocument struct {
	ID       string `xml:"id,attr"`
	Name     string `xml:"name,attr"`
	MimeType string `xml:"mimeType,attr"`
}

// InvoiceXML renders the accounting import document.
func InvoiceXML(data InvoiceData, now time.Time) (*Result, error) {
	inv := data.Invoice
	if strings.TrimSpace(inv.Number) == "" || strings.TrimSpace(inv.Currency) == "" {
		return nil, ErrIncompleteInvoice
	}

	doc := xmlInvoice{
		ID:          inv.ID,
		Number:      inv.Number,
		Status:      inv.Status,
		Description: inv.Description,
		Currency:    inv.Currency,
		Amount:      fmt.Sprintf("%.2f", inv.Amount),
		IssuedAt:    formatDate(inv.IssuedAt),
		DueAt:       formatDate(inv.DueAt),
		Partner:     xmlPartner{Name: firstNonBlank(inv.PartnerName, data.Account.Name)},
		Account: xmlAccount{
			ID:         data.Account.ID,
			Name:       data.Account.Name,
			Email:      data.Account.Email,
			Street:     data.Account.BillingStreet,
			City:       data.Account.BillingCity,
			PostalCode: data.Account.BillingPostalCode,
			Country:    data.Account.BillingCountry,
		},
		AssignedTo: data.Assignee,
		ExportedAt: now.UTC().Format(time.RFC3339),
	}
	for _, d := range data.Documents {
		doc.Documents = append(doc.Documents, xmlDocument{ID: d.ID, Name: d.Name, MimeType: d.MimeType})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode invoice xml: %w", err)
	}
	buf.WriteByte('\n')

	return &Result{
		Data:     buf.Bytes(),
		Filename: "invoice-" + sanitizeFilename(inv.Number) + ".xml",
		MimeType: "application/xml",
	}, nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
