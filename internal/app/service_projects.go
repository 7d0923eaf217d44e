package app

import (
	"context"
	"encoding/json"
	"strings"

	"nextcrm/api/internal/effects"
	"nextcrm/api/internal/notify"
	"nextcrm/api/internal/rbac"
	"nextcrm/api/internal/search"
	"nextcrm/api/internal/store"
	"nextcrm/api/internal/util"
)

var (
	boardVisibilities = []string{store.BoardPublic, store.BoardPrivate, store.BoardShared}
	taskPriorities    = []string{"low", "normal", "high"}
	taskStatuses      = []string{store.TaskStatusActive, store.TaskStatusPending, store.TaskStatusComplete}
)

// CreateBoardInput adds the optional initial section titles to a board.
type CreateBoardInput struct {
	store.BoardInput
	Sections []string `json:"sections"`
}

func normalizeBoard(in *store.BoardInput) error {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return fieldRequired("title")
	}
	in.Visibility = strings.ToUpper(defaultString(in.Visibility, store.BoardPrivate))
	if !oneOf(in.Visibility, boardVisibilities...) {
		return validationError("visibility is invalid", FieldError{Field: "visibility", Message: "must be one of " + strings.Join(boardVisibilities, ", ")})
	}
	return nil
}

func normalizeTask(in *store.TaskInput) error {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return fieldRequired("title")
	}
	in.Priority = strings.ToLower(defaultString(in.Priority, "normal"))
	in.Status = strings.ToUpper(defaultString(in.Status, store.TaskStatusActive))
	if !oneOf(in.Priority, taskPriorities...) {
		return validationError("priority is invalid", FieldError{Field: "priority", Message: "must be one of " + strings.Join(taskPriorities, ", ")})
	}
	if !oneOf(in.Status, taskStatuses...) {
		return validationError("status is invalid", FieldError{Field: "status", Message: "must be one of " + strings.Join(taskStatuses, ", ")})
	}
	return nil
}

func boardRef(b store.Board) rbac.BoardRef {
	return rbac.BoardRef{OwnerID: b.OwnerID, Visibility: b.Visibility}
}

func taskRef(t store.Task) rbac.TaskRef {
	return rbac.TaskRef{AssignedTo: t.AssignedTo, CreatedBy: t.CreatedBy}
}

// accessibleBoard loads the board and checks read access. A missing board is
// reported before a denied one.
func (s *Service) accessibleBoard(ctx context.Context, session Session, boardID string) (store.Board, error) {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return store.Board{}, missing("Board", err)
	}
	if err := s.checkBoardAccess(ctx, session, board); err != nil {
		return store.Board{}, err
	}
	return board, nil
}

func (s *Service) checkBoardAccess(ctx context.Context, session Session, board store.Board) error {
	actor := session.Actor()
	if rbac.CanAccessBoard(actor, boardRef(board), false) {
		return nil
	}
	watcher, err := s.store.IsBoardWatcher(ctx, board.ID, session.UserID)
	if err != nil {
		return err
	}
	if !rbac.CanAccessBoard(actor, boardRef(board), watcher) {
		return forbiddenError()
	}
	return nil
}

// taskContext is a task together with the board it lives on, when it is a
// project task.
type taskContext struct {
	task  store.Task
	board *store.Board
}

func (tc taskContext) boardID() string {
	if tc.board == nil {
		return ""
	}
	return tc.board.ID
}

func (s *Service) loadTask(ctx context.Context, session Session, taskID string) (taskContext, error) {
	parent, err := s.store.GetTaskParent(ctx, taskID)
	if err != nil {
		return taskContext{}, missing("Task", err)
	}
	tc := taskContext{task: parent.Task}
	if parent.Task.Kind == store.TaskKindProject {
		board, err := s.accessibleBoard(ctx, session, parent.BoardID)
		if err != nil {
			return taskContext{}, err
		}
		tc.board = &board
	}
	return tc, nil
}

// canModify lets board managers act on any task of their board.
func (tc taskContext) canModify(actor rbac.Actor) bool {
	if rbac.CanModifyTask(actor, taskRef(tc.task)) {
		return true
	}
	return tc.board != nil && rbac.CanManageBoard(actor, boardRef(*tc.board))
}

func (s *Service) modifiableTask(ctx context.Context, session Session, taskID string) (taskContext, error) {
	tc, err := s.loadTask(ctx, session, taskID)
	if err != nil {
		return taskContext{}, err
	}
	if !tc.canModify(session.Actor()) {
		return taskContext{}, forbiddenError()
	}
	return tc, nil
}

// Boards

func (s *Service) ListBoards(ctx context.Context, session Session) ([]store.Board, error) {
	return s.store.ListBoardsForUser(ctx, session.UserID, session.IsAdmin)
}

func (s *Service) GetBoard(ctx context.Context, session Session, boardID string) (store.Board, error) {
	if _, err := s.accessibleBoard(ctx, session, boardID); err != nil {
		return store.Board{}, err
	}
	board, err := s.store.GetBoardDetail(ctx, boardID)
	return board, missing("Board", err)
}

func (s *Service) CreateBoard(ctx context.Context, session Session, in CreateBoardInput) (store.Board, error) {
	if err := normalizeBoard(&in.BoardInput); err != nil {
		return store.Board{}, err
	}
	titles := make([]string, 0, len(in.Sections))
	for _, title := range in.Sections {
		if title = strings.TrimSpace(title); title != "" {
			titles = append(titles, title)
		}
	}
	board, err := s.store.CreateBoard(ctx, session.UserID, util.NewID("brd"), in.BoardInput, titles)
	if err != nil {
		return store.Board{}, err
	}

	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleProjects, search.BoardDocument(board))
	s.queueNotify(q, "notify.board_shared", session.UserID, notify.BoardSharedMessage(board, session.UserName), board.SharedWith...)
	s.afterCommit(ctx, q)
	return board, nil
}

// UpdateBoard edits board fields. Changing visibility or the watcher set
// requires manage rights; other edits only need access.
func (s *Service) UpdateBoard(ctx context.Context, session Session, boardID string, patch json.RawMessage) (store.Board, error) {
	existing, err := s.accessibleBoard(ctx, session, boardID)
	if err != nil {
		return store.Board{}, err
	}
	in := store.BoardInputFrom(existing)
	if err := applyPatch(patch, &in); err != nil {
		return store.Board{}, err
	}
	if err := normalizeBoard(&in); err != nil {
		return store.Board{}, err
	}
	if (in.Visibility != existing.Visibility || in.SharedWith != nil) && !rbac.CanManageBoard(session.Actor(), boardRef(existing)) {
		return store.Board{}, forbiddenError()
	}
	board, err := s.store.UpdateBoard(ctx, session.UserID, boardID, in)
	if err != nil {
		return store.Board{}, err
	}

	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleProjects, search.BoardDocument(board))
	if in.SharedWith != nil {
		s.queueNotify(q, "notify.board_shared", session.UserID, notify.BoardSharedMessage(board, session.UserName),
			newMembers(existing.SharedWith, board.SharedWith)...)
	}
	s.afterCommit(ctx, q)
	return board, nil
}

func newMembers(before, after []string) []string {
	seen := make(map[string]struct{}, len(before))
	for _, id := range before {
		seen[id] = struct{}{}
	}
	var added []string
	for _, id := range after {
		if _, ok := seen[id]; !ok {
			added = append(added, id)
		}
	}
	return added
}

// ShareBoard replaces the board's watcher set and notifies the users that were added.
func (s *Service) ShareBoard(ctx context.Context, session Session, boardID string, userIDs []string) (store.Board, error) {
	existing, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return store.Board{}, missing("Board", err)
	}
	if !rbac.CanManageBoard(session.Actor(), boardRef(existing)) {
		return store.Board{}, forbiddenError()
	}
	if userIDs == nil {
		userIDs = []string{}
	}
	board, added, err := s.store.ShareBoard(ctx, session.UserID, boardID, userIDs)
	if err != nil {
		return store.Board{}, err
	}

	q := &effects.Queue{}
	s.queueNotify(q, "notify.board_shared", session.UserID, notify.BoardSharedMessage(board, session.UserName), added...)
	s.afterCommit(ctx, q)
	return board, nil
}

func (s *Service) WatchBoard(ctx context.Context, session Session, boardID string) error {
	if _, err := s.accessibleBoard(ctx, session, boardID); err != nil {
		return err
	}
	return s.store.WatchBoard(ctx, boardID, session.UserID)
}

func (s *Service) UnwatchBoard(ctx context.Context, session Session, boardID string) error {
	if _, err := s.store.GetBoard(ctx, boardID); err != nil {
		return missing("Board", err)
	}
	return s.store.UnwatchBoard(ctx, boardID, session.UserID)
}

func (s *Service) DeleteBoard(ctx context.Context, session Session, boardID string) error {
	existing, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return missing("Board", err)
	}
	if !rbac.CanManageBoard(session.Actor(), boardRef(existing)) {
		return forbiddenError()
	}
	removed, err := s.store.DeleteBoard(ctx, session.UserID, boardID)
	if err != nil {
		return err
	}

	q := &effects.Queue{}
	s.queueUnindex(q, search.ModuleProjects, boardID)
	s.queueUnindex(q, search.ModuleTasks, removed.TaskIDs...)
	s.afterCommit(ctx, q)
	return nil
}

// Sections

type SectionInput struct {
	Title   string `json:"title"`
	Version *int   `json:"v"`
}

func (s *Service) CreateSection(ctx context.Context, session Session, boardID string, in SectionInput) (store.Section, error) {
	if _, err := s.accessibleBoard(ctx, session, boardID); err != nil {
		return store.Section{}, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return store.Section{}, fieldRequired("title")
	}
	section, err := s.store.CreateSection(ctx, session.UserID, boardID, util.NewID("sec"), in.Title)
	return section, missing("Board", err)
}

func (s *Service) accessibleSection(ctx context.Context, session Session, sectionID string) (store.Section, error) {
	section, err := s.store.GetSection(ctx, sectionID)
	if err != nil {
		return store.Section{}, missing("Section", err)
	}
	if _, err := s.accessibleBoard(ctx, session, section.BoardID); err != nil {
		return store.Section{}, err
	}
	return section, nil
}

func (s *Service) RenameSection(ctx context.Context, session Session, sectionID string, in SectionInput) (store.Section, error) {
	if _, err := s.accessibleSection(ctx, session, sectionID); err != nil {
		return store.Section{}, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return store.Section{}, fieldRequired("title")
	}
	return s.store.RenameSection(ctx, session.UserID, sectionID, in.Title, in.Version)
}

// DeleteSection takes the section's tasks with it, so it is limited to the
// board owner and admins.
func (s *Service) DeleteSection(ctx context.Context, session Session, sectionID string) error {
	section, err := s.accessibleSection(ctx, session, sectionID)
	if err != nil {
		return err
	}
	board, err := s.store.GetBoard(ctx, section.BoardID)
	if err != nil {
		return missing("Board", err)
	}
	if !rbac.CanManageBoard(session.Actor(), boardRef(board)) {
		return forbiddenError()
	}
	removed, err := s.store.DeleteSection(ctx, session.UserID, sectionID)
	if err != nil {
		return missing("Section", err)
	}
	q := &effects.Queue{}
	s.queueUnindex(q, search.ModuleTasks, removed.TaskIDs...)
	s.afterCommit(ctx, q)
	return nil
}

// Tasks

func (s *Service) ListSectionTasks(ctx context.Context, session Session, sectionID string) ([]store.Task, error) {
	if _, err := s.accessibleSection(ctx, session, sectionID); err != nil {
		return nil, err
	}
	return s.store.ListSectionTasks(ctx, sectionID)
}

func (s *Service) CreateProjectTask(ctx context.Context, session Session, sectionID string, in store.TaskInput) (store.Task, error) {
	section, err := s.accessibleSection(ctx, session, sectionID)
	if err != nil {
		return store.Task{}, err
	}
	if err := normalizeTask(&in); err != nil {
		return store.Task{}, err
	}
	task, err := s.store.CreateProjectTask(ctx, session.UserID, sectionID, util.NewID("tsk"), in)
	if err != nil {
		return store.Task{}, missing("Section", err)
	}

	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleTasks, search.TaskDocument(task, section.BoardID))
	s.queueNotify(q, "notify.task_assigned", session.UserID, notify.TaskAssignedMessage(task, session.UserName), task.AssignedTo)
	s.afterCommit(ctx, q)
	return task, nil
}

func (s *Service) GetTask(ctx context.Context, session Session, taskID string) (store.Task, error) {
	tc, err := s.loadTask(ctx, session, taskID)
	if err != nil {
		return store.Task{}, err
	}
	return tc.task, nil
}

func (s *Service) UpdateTask(ctx context.Context, session Session, taskID string, patch json.RawMessage) (store.Task, error) {
	tc, err := s.modifiableTask(ctx, session, taskID)
	if err != nil {
		return store.Task{}, err
	}
	in := store.TaskInputFrom(tc.task)
	if err := applyPatch(patch, &in); err != nil {
		return store.Task{}, err
	}
	if err := normalizeTask(&in); err != nil {
		return store.Task{}, err
	}
	task, err := s.store.UpdateTask(ctx, session.UserID, taskID, in)
	if err != nil {
		return store.Task{}, err
	}

	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleTasks, search.TaskDocument(task, tc.boardID()))
	if task.AssignedTo != tc.task.AssignedTo {
		s.queueNotify(q, "notify.task_assigned", session.UserID, notify.TaskAssignedMessage(task, session.UserName), task.AssignedTo)
	}
	s.afterCommit(ctx, q)
	return task, nil
}

func (s *Service) CompleteTask(ctx context.Context, session Session, taskID string) (store.Task, error) {
	tc, err := s.modifiableTask(ctx, session, taskID)
	if err != nil {
		return store.Task{}, err
	}
	task, err := s.store.CompleteTask(ctx, session.UserID, taskID)
	if err != nil {
		return store.Task{}, missing("Task", err)
	}
	q := &effects.Queue{}
	s.queueIndex(q, search.ModuleTasks, search.TaskDocument(task, tc.boardID()))
	s.afterCommit(ctx, q)
	return task, nil
}

type MoveTaskInput struct {
	SectionID string `json:"sectionId"`
	Version   *int   `json:"v"`
}

// MoveTask appends a project task to another section of the same board.
func (s *Service) MoveTask(ctx context.Context, session Session, taskID string, in MoveTaskInput) (store.Task, error) {
	if strings.TrimSpace(in.SectionID) == "" {
		return store.Task{}, fieldRequired("sectionId")
	}
	tc, err := s.modifiableTask(ctx, session, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if tc.board == nil {
		return store.Task{}, store.ErrInvalidParent
	}
	if _, err := s.store.GetSection(ctx, in.SectionID); err != nil {
		return store.Task{}, missing("Section", err)
	}
	return s.store.MoveTask(ctx, session.UserID, taskID, in.SectionID, in.Version)
}

func (s *Service) DeleteTask(ctx context.Context, session Session, taskID string) error {
	if _, err := s.modifiableTask(ctx, session, taskID); err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, session.UserID, taskID); err != nil {
		return missing("Task", err)
	}
	q := &effects.Queue{}
	s.queueUnindex(q, search.ModuleTasks, taskID)
	s.afterCommit(ctx, q)
	return nil
}

// Comments

type CommentInput struct {
	Body string `json:"comment"`
}

func (s *Service) ListTaskComments(ctx context.Context, session Session, taskID string) ([]store.TaskComment, error) {
	if _, err := s.loadTask(ctx, session, taskID); err != nil {
		return nil, err
	}
	return s.store.ListTaskComments(ctx, taskID)
}

func (s *Service) CreateTaskComment(ctx context.Context, session Session, taskID string, in CommentInput) (store.TaskComment, error) {
	tc, err := s.loadTask(ctx, session, taskID)
	if err != nil {
		return store.TaskComment{}, err
	}
	if !rbac.CanComment(session.Actor(), taskRef(tc.task)) && !tc.canModify(session.Actor()) {
		return store.TaskComment{}, forbiddenError()
	}
	body := strings.TrimSpace(in.Body)
	if body == "" {
		return store.TaskComment{}, fieldRequired("comment")
	}
	comment, err := s.store.CreateTaskComment(ctx, session.UserID, taskID, util.NewID("cmt"), body)
	if err != nil {
		return store.TaskComment{}, err
	}

	q := &effects.Queue{}
	s.queueNotify(q, "notify.task_comment", session.UserID,
		notify.TaskCommentMessage(tc.task, session.UserName, body), tc.task.AssignedTo, tc.task.CreatedBy)
	s.afterCommit(ctx, q)
	return comment, nil
}

func (s *Service) DeleteTaskComment(ctx context.Context, session Session, taskID, commentID string) error {
	tc, err := s.loadTask(ctx, session, taskID)
	if err != nil {
		return err
	}
	comment, err := s.store.GetTaskComment(ctx, commentID)
	if err != nil || comment.TaskID != taskID {
		return missing("Comment", orNoRows(err))
	}
	if !rbac.CanDeleteComment(session.Actor(), taskRef(tc.task), rbac.CommentRef{AuthorID: comment.AuthorID}) {
		return forbiddenError()
	}
	return s.store.DeleteTaskComment(ctx, session.UserID, commentID)
}
