package search

import (
	"nextcrm/api/internal/store"
)

func AccountDocument(a store.Account) Document {
	return Document{ID: a.ID, Status: a.Status, Fields: map[string]string{
		"name": a.Name, "email": a.Email, "phone": a.Phone, "website": a.Website,
		"industry": a.Industry, "billing_city": a.BillingCity,
	}}
}

func ContactDocument(c store.Contact) Document {
	return Document{ID: c.ID, Status: c.Status, Fields: map[string]string{
		"first_name": c.FirstName, "last_name": c.LastName, "email": c.Email,
		"phone": c.Phone, "position": c.Position,
	}}
}

func LeadDocument(l store.Lead) Document {
	return Document{ID: l.ID, Status: l.Status, Fields: map[string]string{
		"first_name": l.FirstName, "last_name": l.LastName, "company": l.Company,
		"email": l.Email, "phone": l.Phone, "job_title": l.JobTitle,
	}}
}

func OpportunityDocument(o store.Opportunity) Document {
	return Document{ID: o.ID, Status: o.Status, Fields: map[string]string{
		"name": o.Name, "description": o.Description, "next_step": o.NextStep, "stage": o.Stage,
	}}
}

func DocumentDocument(d store.Document) Document {
	return Document{ID: d.ID, Fields: map[string]string{
		"name": d.Name, "description": d.Description, "mime_type": d.MimeType,
	}}
}

func InvoiceDocument(i store.Invoice) Document {
	return Document{ID: i.ID, Status: i.Status, Fields: map[string]string{
		"number": i.Number, "description": i.Description, "partner_name": i.PartnerName,
	}}
}

func BoardDocument(b store.Board) Document {
	return Document{ID: b.ID, Status: b.Visibility, BoardID: b.ID, Fields: map[string]string{
		"title": b.Title, "description": b.Description,
	}}
}

// TaskDocument needs the board id for project tasks; pass "" for CRM tasks.
func TaskDocument(t store.Task, boardID string) Document {
	return Document{ID: t.ID, Status: t.Status, BoardID: boardID, Fields: map[string]string{
		"title": t.Title, "content": t.Content,
	}}
}

func UserDocument(u store.User) Document {
	return Document{ID: u.ID, Status: u.Status, Fields: map[string]string{
		"name": u.Name, "email": u.Email,
	}}
}
