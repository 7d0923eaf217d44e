package search

import (
	"strings"
)

// Module names one searchable entity collection.
type Module string

const (
	ModuleAccounts      Module = "accounts"
	ModuleContacts      Module = "contacts"
	ModuleLeads         Module = "leads"
	ModuleOpportunities Module = "opportunities"
	ModuleDocuments     Module = "documents"
	ModuleInvoices      Module = "invoices"
	ModuleProjects      Module = "projects"
	ModuleTasks         Module = "tasks"
	ModuleUsers         Module = "users"
)

// AllModules is also the merge order for the top list.
var AllModules = []Module{
	ModuleAccounts,
	ModuleContacts,
	ModuleLeads,
	ModuleOpportunities,
	ModuleDocuments,
	ModuleInvoices,
	ModuleProjects,
	ModuleTasks,
	ModuleUsers,
}

func ParseModule(raw string) (Module, bool) {
	m := Module(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := modules[m]
	return m, ok
}

// Hit is a single search result.
type Hit struct {
	Module   Module `json:"module"`
	ID       string `json:"id"`
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
	Status   string `json:"status,omitempty"`
	Score    int    `json:"score"`

	boardID string
	fields  []string
}

// Query describes a search request.
type Query struct {
	Text            string
	Modules         []Module // empty = all permitted modules
	Limit           int
	Offset          int
	IncludeInactive bool
	UserID          string
	IsAdmin         bool
	TopN            int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Query   string           `json:"query"`
	Results map[Module][]Hit `json:"results"`
	Top     []Hit            `json:"top"`
}

// Document is the flat record pushed into the index for one entity.
type Document struct {
	ID      string
	Status  string
	BoardID string
	Fields  map[string]string
}

func (d Document) toMap(def moduleDef) map[string]any {
	out := map[string]any{
		"id":      d.ID,
		"status":  d.Status,
		"active":  def.isActive(d.Status),
		"boardId": d.BoardID,
	}
	for _, f := range def.fields {
		out[f] = d.Fields[f]
	}
	return out
}

// Score rates how well text matches the given field values: per field an
// exact match scores 10, a prefix 5 and any other substring 1.
func Score(text string, values []string) int {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return 0
	}
	score := 0
	for _, value := range values {
		v := strings.ToLower(strings.TrimSpace(value))
		switch {
		case v == "":
		case v == needle:
			score += 10
		case strings.HasPrefix(v, needle):
			score += 5
		case strings.Contains(v, needle):
			score++
		}
	}
	return score
}

// moduleDef maps a module onto its table and fixed search fields.
type moduleDef struct {
	module   Module
	from     string
	idExpr   string
	status   string
	boardID  string
	fields   []string
	columns  map[string]string
	title    []string
	subtitle string
	active   string
	isActive func(status string) bool
}

func (d moduleDef) column(field string) string {
	if c, ok := d.columns[field]; ok {
		return c
	}
	return field
}

func (d moduleDef) hit(id, status, boardID string, values map[string]string) Hit {
	parts := make([]string, 0, len(d.title))
	for _, f := range d.title {
		if v := strings.TrimSpace(values[f]); v != "" {
			parts = append(parts, v)
		}
	}
	fieldValues := make([]string, 0, len(d.fields))
	for _, f := range d.fields {
		fieldValues = append(fieldValues, values[f])
	}
	return Hit{
		Module:   d.module,
		ID:       id,
		Title:    strings.Join(parts, " "),
		Subtitle: values[d.subtitle],
		Status:   status,
		boardID:  boardID,
		fields:   fieldValues,
	}
}

func always(string) bool { return true }

func statusIs(want string) func(string) bool {
	return func(s string) bool { return s == want }
}

func statusNotIn(excluded ...string) func(string) bool {
	return func(s string) bool {
		for _, e := range excluded {
			if s == e {
				return false
			}
		}
		return true
	}
}

var modules = map[Module]moduleDef{
	ModuleAccounts: {
		module:   ModuleAccounts,
		from:     "crm_accounts a",
		idExpr:   "a.id",
		status:   "a.status",
		fields:   []string{"name", "email", "phone", "website", "industry", "billing_city"},
		columns:  map[string]string{"name": "a.name", "email": "a.email", "phone": "a.phone", "website": "a.website", "industry": "a.industry", "billing_city": "a.billing_city"},
		title:    []string{"name"},
		subtitle: "email",
		active:   "a.status = 'Active'",
		isActive: statusIs("Active"),
	},
	ModuleContacts: {
		module:   ModuleContacts,
		from:     "crm_contacts c",
		idExpr:   "c.id",
		status:   "c.status",
		fields:   []string{"first_name", "last_name", "email", "phone", "position"},
		columns:  map[string]string{"first_name": "c.first_name", "last_name": "c.last_name", "email": "c.email", "phone": "c.phone", "position": "c.position"},
		title:    []string{"first_name", "last_name"},
		subtitle: "email",
		active:   "c.status = 'ACTIVE'",
		isActive: statusIs("ACTIVE"),
	},
	ModuleLeads: {
		module:   ModuleLeads,
		from:     "crm_leads l",
		idExpr:   "l.id",
		status:   "l.status",
		fields:   []string{"first_name", "last_name", "company", "email", "phone", "job_title"},
		columns:  map[string]string{"first_name": "l.first_name", "last_name": "l.last_name", "company": "l.company", "email": "l.email", "phone": "l.phone", "job_title": "l.job_title"},
		title:    []string{"first_name", "last_name"},
		subtitle: "company",
		active:   "l.status <> 'LOST'",
		isActive: statusNotIn("LOST"),
	},
	ModuleOpportunities: {
		module:   ModuleOpportunities,
		from:     "crm_opportunities o",
		idExpr:   "o.id",
		status:   "o.status",
		fields:   []string{"name", "description", "next_step", "stage"},
		columns:  map[string]string{"name": "o.name", "description": "o.description", "next_step": "o.next_step", "stage": "o.stage"},
		title:    []string{"name"},
		subtitle: "stage",
		active:   "o.status = 'ACTIVE'",
		isActive: statusIs("ACTIVE"),
	},
	ModuleDocuments: {
		module:   ModuleDocuments,
		from:     "documents d",
		idExpr:   "d.id",
		status:   "''",
		fields:   []string{"name", "description", "mime_type"},
		columns:  map[string]string{"name": "d.name", "description": "d.description", "mime_type": "d.mime_type"},
		title:    []string{"name"},
		subtitle: "description",
		active:   "TRUE",
		isActive: always,
	},
	ModuleInvoices: {
		module:   ModuleInvoices,
		from:     "invoices i",
		idExpr:   "i.id",
		status:   "i.status",
		fields:   []string{"number", "description", "partner_name"},
		columns:  map[string]string{"number": "i.number", "description": "i.description", "partner_name": "i.partner_name"},
		title:    []string{"number"},
		subtitle: "partner_name",
		active:   "i.status NOT IN ('PAID', 'CANCELLED')",
		isActive: statusNotIn("PAID", "CANCELLED"),
	},
	ModuleProjects: {
		module:   ModuleProjects,
		from:     "boards b",
		idExpr:   "b.id",
		status:   "b.visibility",
		boardID:  "b.id",
		fields:   []string{"title", "description"},
		columns:  map[string]string{"title": "b.title", "description": "b.description"},
		title:    []string{"title"},
		subtitle: "description",
		active:   "TRUE",
		isActive: always,
	},
	ModuleTasks: {
		module:   ModuleTasks,
		from:     "tasks t LEFT JOIN sections s ON s.id = t.section_id",
		idExpr:   "t.id",
		status:   "t.status",
		boardID:  "COALESCE(s.board_id, '')",
		fields:   []string{"title", "content"},
		columns:  map[string]string{"title": "t.title", "content": "t.content"},
		title:    []string{"title"},
		subtitle: "content",
		active:   "t.status <> 'COMPLETE'",
		isActive: statusNotIn("COMPLETE"),
	},
	ModuleUsers: {
		module:   ModuleUsers,
		from:     "users u",
		idExpr:   "u.id",
		status:   "u.status",
		fields:   []string{"name", "email"},
		columns:  map[string]string{"name": "u.name", "email": "u.email"},
		title:    []string{"name"},
		subtitle: "email",
		active:   "u.status = 'ACTIVE'",
		isActive: statusIs("ACTIVE"),
	},
}
