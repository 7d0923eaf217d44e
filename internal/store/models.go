package store

import (
	"encoding/json"
	"time"
)

const (
	UserStatusActive   = "ACTIVE"
	UserStatusInactive = "INACTIVE"
	UserStatusPending  = "PENDING"
)

const (
	TaskKindProject = "PROJECT"
	TaskKindCRM     = "CRM"
)

const (
	TaskStatusActive   = "ACTIVE"
	TaskStatusPending  = "PENDING"
	TaskStatusComplete = "COMPLETE"
)

const (
	BoardPublic  = "PUBLIC"
	BoardPrivate = "PRIVATE"
	BoardShared  = "SHARED"
)

type User struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	PasswordHash   string    `json:"-"`
	Status         string    `json:"status"`
	IsAdmin        bool      `json:"isAdmin"`
	IsAccountAdmin bool      `json:"isAccountAdmin"`
	Language       string    `json:"language"`
	Version        int       `json:"v"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Account struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Status             string    `json:"status"`
	Type               string    `json:"type"`
	Email              string    `json:"email"`
	Phone              string    `json:"phone"`
	Website            string    `json:"website"`
	Industry           string    `json:"industry"`
	BillingStreet      string    `json:"billingStreet"`
	BillingCity        string    `json:"billingCity"`
	BillingPostalCode  string    `json:"billingPostalCode"`
	BillingCountry     string    `json:"billingCountry"`
	ShippingStreet     string    `json:"shippingStreet"`
	ShippingCity       string    `json:"shippingCity"`
	ShippingPostalCode string    `json:"shippingPostalCode"`
	ShippingCountry    string    `json:"shippingCountry"`
	AssignedTo         string    `json:"assignedTo"`
	CreatedBy          string    `json:"createdBy"`
	Version            int       `json:"v"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	Watchers           []string  `json:"watchers,omitempty"`
	DocumentIDs        []string  `json:"documentIds,omitempty"`
}

type Contact struct {
	ID             string    `json:"id"`
	FirstName      string    `json:"firstName"`
	LastName       string    `json:"lastName"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone"`
	Position       string    `json:"position"`
	Status         string    `json:"status"`
	AccountID      string    `json:"accountId"`
	AssignedTo     string    `json:"assignedTo"`
	CreatedBy      string    `json:"createdBy"`
	Version        int       `json:"v"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	OpportunityIDs []string  `json:"opportunityIds,omitempty"`
	DocumentIDs    []string  `json:"documentIds,omitempty"`
}

type Lead struct {
	ID          string    `json:"id"`
	FirstName   string    `json:"firstName"`
	LastName    string    `json:"lastName"`
	Company     string    `json:"company"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone"`
	JobTitle    string    `json:"jobTitle"`
	Description string    `json:"description"`
	LeadSource  string    `json:"leadSource"`
	Status      string    `json:"status"`
	AccountID   string    `json:"accountId"`
	AssignedTo  string    `json:"assignedTo"`
	CreatedBy   string    `json:"createdBy"`
	Version     int       `json:"v"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	DocumentIDs []string  `json:"documentIds,omitempty"`
}

type Opportunity struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	Stage           string     `json:"stage"`
	Status          string     `json:"status"`
	Budget          float64    `json:"budget"`
	ExpectedRevenue float64    `json:"expectedRevenue"`
	Currency        string     `json:"currency"`
	CloseDate       *time.Time `json:"closeDate,omitempty"`
	NextStep        string     `json:"nextStep"`
	AccountID       string     `json:"accountId"`
	AssignedTo      string     `json:"assignedTo"`
	CreatedBy       string     `json:"createdBy"`
	Version         int        `json:"v"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ContactIDs      []string   `json:"contactIds,omitempty"`
	DocumentIDs     []string   `json:"documentIds,omitempty"`
}

type Document struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	MimeType       string    `json:"mimeType"`
	SizeBytes      int64     `json:"sizeBytes"`
	StorageKey     string    `json:"storageKey"`
	URL            string    `json:"url"`
	AssignedTo     string    `json:"assignedTo"`
	CreatedBy      string    `json:"createdBy"`
	Version        int       `json:"v"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	AccountIDs     []string  `json:"accountIds,omitempty"`
	ContactIDs     []string  `json:"contactIds,omitempty"`
	LeadIDs        []string  `json:"leadIds,omitempty"`
	OpportunityIDs []string  `json:"opportunityIds,omitempty"`
	TaskIDs        []string  `json:"taskIds,omitempty"`
	InvoiceIDs     []string  `json:"invoiceIds,omitempty"`
}

type Invoice struct {
	ID                      string     `json:"id"`
	Number                  string     `json:"number"`
	Description             string     `json:"description"`
	Status                  string     `json:"status"`
	Amount                  float64    `json:"amount"`
	Currency                string     `json:"currency"`
	IssuedAt                *time.Time `json:"issuedAt,omitempty"`
	DueAt                   *time.Time `json:"dueAt,omitempty"`
	PartnerName             string     `json:"partnerName"`
	RossumAnnotationURL     string     `json:"rossumAnnotationUrl"`
	RossumAnnotationJSONURL string     `json:"rossumAnnotationJsonUrl"`
	ExportXMLKey            string     `json:"exportXmlKey"`
	StorageKey              string     `json:"storageKey"`
	AccountID               string     `json:"accountId"`
	AssignedTo              string     `json:"assignedTo"`
	CreatedBy               string     `json:"createdBy"`
	Version                 int        `json:"v"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
	DocumentIDs             []string   `json:"documentIds,omitempty"`
}

type Board struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Icon        string    `json:"icon"`
	Visibility  string    `json:"visibility"`
	OwnerID     string    `json:"ownerId"`
	Version     int       `json:"v"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	// SharedWith is read from board_watchers; it is never stored separately.
	SharedWith []string  `json:"sharedWith"`
	Sections   []Section `json:"sections,omitempty"`
}

type Section struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"boardId"`
	Title     string    `json:"title"`
	Position  int       `json:"position"`
	Version   int       `json:"v"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Tasks     []Task    `json:"tasks,omitempty"`
}

type Task struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	SectionID   string     `json:"sectionId,omitempty"`
	Position    *int       `json:"position,omitempty"`
	AccountID   string     `json:"accountId,omitempty"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	DueAt       *time.Time `json:"dueAt,omitempty"`
	AssignedTo  string     `json:"assignedTo"`
	CreatedBy   string     `json:"createdBy"`
	Version     int        `json:"v"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	DocumentIDs []string   `json:"documentIds,omitempty"`
}

// TaskParent identifies the board a project task lives on, for access checks.
type TaskParent struct {
	Task    Task
	BoardID string
}

type TaskComment struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"taskId"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

type AuditEvent struct {
	ID         int64           `json:"id"`
	ActorID    string          `json:"actorId"`
	Action     string          `json:"action"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// ListOptions bounds list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

func (o ListOptions) normalized() ListOptions {
	if o.Limit <= 0 || o.Limit > 500 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
