package export

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"
)

var invoiceTemplate = template.Must(template.New("invoice").Funcs(template.FuncMap{
	"upper": strings.ToUpper,
	"date": func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.Format("Jan 2, 2006")
	},
	"money": func(amount float64, currency string) string {
		return fmt.Sprintf("%.2f %s", amount, currency)
	},
}).Parse(invoiceHTML))

// RenderInvoiceHTML renders the printable invoice page.
func RenderInvoiceHTML(data InvoiceData) (string, error) {
	var buf bytes.Buffer
	if err := invoiceTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const invoiceHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Invoice {{.Invoice.Number}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    table { width: 100%; border-collapse: collapse; }
    td, th { text-align: left; padding: 0.4rem; border-bottom: 1px solid #ddd; }
    .total { font-size: 1.3em; font-weight: bold; text-align: right; margin-top: 1.5rem; }
  </style>
</head>
<body>
  <h1>Invoice {{.Invoice.Number}}</h1>
  <div class="meta">{{upper .Invoice.Status}} | issued {{date .Invoice.IssuedAt}} | due {{date .Invoice.DueAt}}</div>
  <table>
    <tr><th>Bill to</th><td>{{.Account.Name}}{{if .Account.BillingCity}}, {{.Account.BillingCity}}{{end}}{{if .Account.BillingCountry}}, {{.Account.BillingCountry}}{{end}}</td></tr>
    {{if .Invoice.PartnerName}}<tr><th>Partner</th><td>{{.Invoice.PartnerName}}</td></tr>{{end}}
    {{if .Assignee}}<tr><th>Contact</th><td>{{.Assignee}}</td></tr>{{end}}
    {{if .Invoice.Description}}<tr><th>Description</th><td>{{.Invoice.Description}}</td></tr>{{end}}
  </table>
  {{if .Documents}}
  <h2>Attachments</h2>
  <ul>{{range .Documents}}<li>{{.Name}}</li>{{end}}</ul>
  {{end}}
  <div class="total">{{money .Invoice.Amount .Invoice.Currency}}</div>
</body>
</html>`
