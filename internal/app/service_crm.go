package app

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"nextcrm/api/internal/effects"
	"nextcrm/api/internal/notify"
	"nextcrm/api/internal/rbac"
	"nextcrm/api/internal/search"
	"nextcrm/api/internal/store"
	"nextcrm/api/internal/util"
)

var (
	accountStatuses     = []string{"Active", "Inactive"}
	accountTypes        = []string{"Customer", "Partner", "Vendor", "Prospect"}
	contactStatuses     = []string{"ACTIVE", "INACTIVE"}
	leadStatuses        = []string{"NEW", "CONTACTED", "QUALIFIED", "LOST"}
	opportunityStages   = []string{"PROSPECTING", "QUALIFICATION", "PROPOSAL", "NEGOTIATION", "CLOSED_WON", "CLOSED_LOST"}
	opportunityStatuses = []string{"ACTIVE", "INACTIVE", "PENDING", "CLOSED"}
)

type AccountDetail struct {
	store.Account
	WatcherUsers []store.User    `json:"watcherUsers"`
	Contacts     []store.Contact `json:"contacts"`
	Tasks        []store.Task    `json:"tasks"`
}

func normalizeAccount(in *store.AccountInput) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return fieldRequired("name")
	}
	in.Status = defaultString(in.Status, "Active")
	in.Type = defaultString(in.Type, "Customer")
	if !oneOf(in.Status, accountStatuses...) {
		return validationError("status is invalid", FieldError{Field: "status", Message: "must be one of " + strings.Join(accountStatuses, ", ")})
	}
	if !oneOf(in.Type, accountTypes...) {
		return validationError("type is invalid", FieldError{Field: "type", Message: "must be one of " + strings.Join(accountTypes, ", ")})
	}
	return nil
}

func (s *Service) ListAccounts(ctx context.Context, opts store.ListOptions) ([]store.Account, error) {
	return s.store.ListAccounts(ctx, opts)
}

func (s *Service) GetAccount(ctx context.Context, accountID string) (AccountDetail, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return AccountDetail{}, missing("Account", err)
	}
	watchers, err := s.store.ListAccountWatchers(ctx, accountID)
	if err != nil {
		return AccountDetail{}, err
	}
	contacts, err := s.store.ListAccountContacts(ctx, accountID)
	if err != nil {
		return AccountDetail{}, err
	}
	tasks, err := s.store.ListAccountTasks(ctx, accountID)
	if err != nil {
		return AccountDetail{}, err
	}
	return AccountDetail{Account: account, WatcherUsers: watchers, Contacts: contacts, Tasks: tasks}, nil
}

func (s *Service) CreateAccount(ctx context.Context, session Session, in store.AccountInput) (store.Account, error) {
	if err := normalizeAccount(&in); err != nil {
		return store.Account{}, err
	}
	account, err := s.store.CreateAccount(ctx, session.UserID, util.NewID("acc"), in)
	if err != nil {
		return store.Account{}, err
	}

	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleAccounts, search.AccountDocument(account))
	s.queueNotify(q, "notify.account_assigned", session.UserID,
		notify.RecordAssignedMessage("accounts", account.ID, "the account "+strconv.Quote(account.Name), session.UserName),
		account.AssignedTo)
	s.afterCommit(ctx, q)
	return account, nil
}

func (s *Service) UpdateAccount(ctx context.Context, session Session, accountID string, patch json.RawMessage) (store.Account, error) {
	existing, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return store.Account{}, missing("Account", err)
	}
	in := store.AccountInputFrom(existing)
	if err := applyPatch(patch, &in); err != nil {
		return store.Account{}, err
	}
	if err := normalizeAccount(&in); err != nil {
		return store.Account{}, err
	}
	account, err := s.store.UpdateAccount(ctx, session.UserID, accountID, in)
	if err != nil {
		return store.Account{}, err
	}

	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleAccounts, search.AccountDocument(account))
	s.queueNotify(q, "notify.account_updated", session.UserID,
		notify.AccountUpdatedMessage(account, session.UserName), account.Watchers...)
	if account.AssignedTo != existing.AssignedTo {
		s.queueNotify(q, "notify.account_assigned", session.UserID,
			notify.RecordAssignedMessage("accounts", account.ID, "the account "+strconv.Quote(account.Name), session.UserName),
			account.AssignedTo)
	}
	s.afterCommit(ctx, q)
	return account, nil
}

func (s *Service) DeleteAccount(ctx context.Context, session Session, accountID string) error {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return missing("Account", err)
	}
	removed, err := s.store.DeleteAccount(ctx, session.UserID, accountID)
	if err != nil {
		return err
	}

	q := &effects.Queue{}
	s.queueStorageCleanup(q, removed.StorageKeys...)
	s.queueUnindex(q, search.ModuleAccounts, accountID)
	s.queueUnindex(q, search.ModuleInvoices, removed.InvoiceIDs...)
	s.queueUnindex(q, search.ModuleTasks, removed.TaskIDs...)
	s.afterCommit(ctx, q)
	return nil
}

func (s *Service) WatchAccount(ctx context.Context, session Session, accountID string) error {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return missing("Account", err)
	}
	if !rbac.CanWatchAccount(session.Actor()) {
		return forbiddenError()
	}
	return s.store.WatchAccount(ctx, accountID, session.UserID)
}

func (s *Service) UnwatchAccount(ctx context.Context, session Session, accountID string) error {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return missing("Account", err)
	}
	if !rbac.CanWatchAccount(session.Actor()) {
		return forbiddenError()
	}
	return s.store.UnwatchAccount(ctx, accountID, session.UserID)
}

func (s *Service) ListAccountWatchers(ctx context.Context, accountID string) ([]store.User, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, missing("Account", err)
	}
	return s.store.ListAccountWatchers(ctx, accountID)
}

func (s *Service) ListAccountTasks(ctx context.Context, accountID string) ([]store.Task, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, missing("Account", err)
	}
	return s.store.ListAccountTasks(ctx, accountID)
}

func (s *Service) CreateAccountTask(ctx context.Context, session Session, accountID string, in store.TaskInput) (store.Task, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return store.Task{}, missing("Account", err)
	}
	if err := normalizeTask(&in); err != nil {
		return store.Task{}, err
	}
	task, err := s.store.CreateAccountTask(ctx, session.UserID, accountID, util.NewID("tsk"), in)
	if err != nil {
		return store.Task{}, err
	}

	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleTasks, search.TaskDocument(task, ""))
	s.queueNotify(q, "notify.task_assigned", session.UserID, notify.TaskAssignedMessage(task, session.UserName), task.AssignedTo)
	s.afterCommit(ctx, q)
	return task, nil
}

// Contacts

func normalizeContact(in *store.ContactInput) error {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	if in.LastName == "" {
		return fieldRequired("lastName")
	}
	in.Status = defaultString(in.Status, "ACTIVE")
	if !oneOf(in.Status, contactStatuses...) {
		return validationError("status is invalid", FieldError{Field: "status", Message: "must be one of " + strings.Join(contactStatuses, ", ")})
	}
	return nil
}

func contactLabel(c store.Contact) string {
	return "the contact " + strconv.Quote(strings.TrimSpace(c.FirstName+" "+c.LastName))
}

func (s *Service) ListContacts(ctx context.Context, opts store.ListOptions) ([]store.Contact, error) {
	return s.store.ListContacts(ctx, opts)
}

func (s *Service) GetContact(ctx context.Context, contactID string) (store.Contact, error) {
	value, err := s.store.GetContact(ctx, contactID)
	return value, missing("Contact", err)
}

func (s *Service) CreateContact(ctx context.Context, session Session, in store.ContactInput) (store.Contact, error) {
	if err := normalizeContact(&in); err != nil {
		return store.Contact{}, err
	}
	contact, err := s.store.CreateContact(ctx, session.UserID, util.NewID("con"), in)
	if err != nil {
		return store.Contact{}, err
	}

	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleContacts, search.ContactDocument(contact))
	s.queueNotify(q, "notify.contact_assigned", session.UserID,
		notify.RecordAssignedMessage("contacts", contact.ID, contactLabel(contact), session.UserName), contact.AssignedTo)
	s.afterCommit(ctx, q)
	return contact, nil
}

func (s *Service) UpdateContact(ctx context.Context, session Session, contactID string, patch json.RawMessage) (store.Contact, error) {
	existing, err := s.store.GetContact(ctx, contactID)
	if err != nil {
		return store.Contact{}, missing("Contact", err)
	}
	in := store.ContactInputFrom(existing)
	if err := applyPatch(patch, &in); err != nil {
		return store.Contact{}, err
	}
	if err := normalizeContact(&in); err != nil {
		return store.Contact{}, err
	}
	contact, err := s.store.UpdateContact(ctx, session.UserID, contactID, in)
	if err != nil {
		return store.Contact{}, err
	}

	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleContacts, search.ContactDocument(contact))
	if contact.AssignedTo != existing.AssignedTo {
		s.queueNotify(q, "notify.contact_assigned", session.UserID,
			notify.RecordAssignedMessage("contacts", contact.ID, contactLabel(contact), session.UserName), contact.AssignedTo)
	}
	s.afterCommit(ctx, q)
	return contact, nil
}

func (s *Service) DeleteContact(ctx context.Context, session Session, contactID string) error {
	if _, err := s.store.GetContact(ctx, contactID); err != nil {
		return missing("Contact", err)
	}
	if err := s.store.DeleteContact(ctx, session.UserID, contactID); err != nil {
		return err
	}
	q := &effects.Queue{}
	s.queueUnindex(q, search.ModuleContacts, contactID)
	s.afterCommit(ctx, q)
	return nil
}

// Leads

func normalizeLead(in *store.LeadInput) error {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Company = strings.TrimSpace(in.Company)
	if in.LastName == "" {
		return fieldRequired("lastName")
	}
	in.Status = defaultString(in.Status, "NEW")
	if !oneOf(in.Status, leadStatuses...) {
		return validationError("status is invalid", FieldError{Field: "status", Message: "must be one of " + strings.Join(leadStatuses, ", ")})
	}
	return nil
}

func leadLabel(l store.Lead) string {
	return "the lead " + strconv.Quote(strings.TrimSpace(l.FirstName+" "+l.LastName))
}

func (s *Service) ListLeads(ctx context.Context, opts store.ListOptions) ([]store.Lead, error) {
	return s.store.ListLeads(ctx, opts)
}

func (s *Service) GetLead(ctx context.Context, leadID string) (store.Lead, error) {
	value, err := s.store.GetLead(ctx, leadID)
	return value, missing("Lead", err)
}

func (s *Service) CreateLead(ctx context.Context, session Session, in store.LeadInput) (store.Lead, error) {
	if err := normalizeLead(&in); err != nil {
		return store.Lead{}, err
	}
	lead, createdAccountID, err := s.store.CreateLead(ctx, session.UserID, util.NewID("led"), in)
	if err != nil {
		return store.Lead{}, err
	}
	s.afterLeadWrite(ctx, session, lead, createdAccountID, true)
	return lead, nil
}

func (s *Service) UpdateLead(ctx context.Context, session Session, leadID string, patch json.RawMessage) (store.Lead, error) {
	existing, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return store.Lead{}, missing("Lead", err)
	}
	in := store.LeadInputFrom(existing)
	if err := applyPatch(patch, &in); err != nil {
		return store.Lead{}, err
	}
	if err := normalizeLead(&in); err != nil {
		return store.Lead{}, err
	}
	lead, createdAccountID, err := s.store.UpdateLead(ctx, session.UserID, leadID, in)
	if err != nil {
		return store.Lead{}, err
	}
	s.afterLeadWrite(ctx, session, lead, createdAccountID, lead.AssignedTo != existing.AssignedTo)
	return lead, nil
}

func (s *Service) afterLeadWrite(ctx context.Context, session Session, lead store.Lead, createdAccountID string, assigned bool) {
	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleLeads, search.LeadDocument(lead))
	if createdAccountID != "" && s.search != nil {
		q.Add("search.index.accounts", func(ctx context.Context) error {
			account, err := s.store.GetAccount(ctx, createdAccountID)
			if err != nil {
				return err
			}
			return s.search.Index(ctx, search.ModuleAccounts, search.AccountDocument(account))
		})
	}
	if assigned {
		s.queueNotify(q, "notify.lead_assigned", session.UserID,
			notify.RecordAssignedMessage("leads", lead.ID, leadLabel(lead), session.UserName), lead.AssignedTo)
	}
	s.afterCommit(ctx, q)
}

func (s *Service) DeleteLead(ctx context.Context, session Session, leadID string) error {
	if _, err := s.store.GetLead(ctx, leadID); err != nil {
		return missing("Lead", err)
	}
	if err := s.store.DeleteLead(ctx, session.UserID, leadID); err != nil {
		return err
	}
	q := &effects.Queue{}
	s.queueUnindex(q, search.ModuleLeads, leadID)
	s.afterCommit(ctx, q)
	return nil
}

// Opportunities

func normalizeOpportunity(in *store.OpportunityInput) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return fieldRequired("name")
	}
	in.Stage = defaultString(in.Stage, "PROSPECTING")
	in.Status = defaultString(in.Status, "ACTIVE")
	in.Currency = strings.ToUpper(defaultString(in.Currency, "USD"))
	if !oneOf(in.Stage, opportunityStages...) {
		return validationError("stage is invalid", FieldError{Field: "stage", Message: "must be one of " + strings.Join(opportunityStages, ", ")})
	}
	if !oneOf(in.Status, opportunityStatuses...) {
		return validationError("status is invalid", FieldError{Field: "status", Message: "must be one of " + strings.Join(opportunityStatuses, ", ")})
	}
	if in.Budget < 0 || in.ExpectedRevenue < 0 {
		return validationError("amounts must not be negative", FieldError{Field: "budget", Message: "must be >= 0"})
	}
	return nil
}

func (s *Service) ListOpportunities(ctx context.Context, opts store.ListOptions) ([]store.Opportunity, error) {
	return s.store.ListOpportunities(ctx, opts)
}

func (s *Service) GetOpportunity(ctx context.Context, opportunityID string) (store.Opportunity, error) {
	value, err := s.store.GetOpportunity(ctx, opportunityID)
	return value, missing("Opportunity", err)
}

func (s *Service) CreateOpportunity(ctx context.Context, session Session, in store.OpportunityInput) (store.Opportunity, error) {
	if err := normalizeOpportunity(&in); err != nil {
		return store.Opportunity{}, err
	}
	opportunity, err := s.store.CreateOpportunity(ctx, session.UserID, util.NewID("opp"), in)
	if err != nil {
		return store.Opportunity{}, err
	}

	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleOpportunities, search.OpportunityDocument(opportunity))
	s.queueNotify(q, "notify.opportunity_assigned", session.UserID,
		notify.RecordAssignedMessage("opportunities", opportunity.ID, "the opportunity "+strconv.Quote(opportunity.Name), session.UserName),
		opportunity.AssignedTo)
	s.afterCommit(ctx, q)
	return opportunity, nil
}

func (s *Service) UpdateOpportunity(ctx context.Context, session Session, opportunityID string, patch json.RawMessage) (store.Opportunity, error) {
	existing, err := s.store.GetOpportunity(ctx, opportunityID)
	if err != nil {
		return store.Opportunity{}, missing("Opportunity", err)
	}
	in := store.OpportunityInputFrom(existing)
	if err := applyPatch(patch, &in); err != nil {
		return store.Opportunity{}, err
	}
	if err := normalizeOpportunity(&in); err != nil {
		return store.Opportunity{}, err
	}
	opportunity, err := s.store.UpdateOpportunity(ctx, session.UserID, opportunityID, in)
	if err != nil {
		return store.Opportunity{}, err
	}

	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleOpportunities, search.OpportunityDocument(opportunity))
	if opportunity.AssignedTo != existing.AssignedTo {
		s.queueNotify(q, "notify.opportunity_assigned", session.UserID,
			notify.RecordAssignedMessage("opportunities", opportunity.ID, "the opportunity "+strconv.Quote(opportunity.Name), session.UserName),
			opportunity.AssignedTo)
	}
	s.afterCommit(ctx, q)
	return opportunity, nil
}

func (s *Service) DeleteOpportunity(ctx context.Context, session Session, opportunityID string) error {
	if _, err := s.store.GetOpportunity(ctx, opportunityID); err != nil {
		return missing("Opportunity", err)
	}
	if err := s.store.DeleteOpportunity(ctx, session.UserID, opportunityID); err != nil {
		return err
	}
	q := &effects.Queue{}
	s.queueUnindex(q, search.ModuleOpportunities, opportunityID)
	s.afterCommit(ctx, q)
	return nil
}
