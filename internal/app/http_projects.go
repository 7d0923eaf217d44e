package app

import (
	"net/http"

	"nextcrm/api/internal/store"
)

// handleProjects serves /api/projects/{boards,sections,tasks}/...
func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) < 3 {
		notFound(w)
		return
	}
	switch parts[2] {
	case "boards":
		s.handleBoards(w, r, session, parts)
	case "sections":
		s.handleSections(w, r, session, parts)
	case "tasks":
		s.handleTasks(w, r, session, parts)
	default:
		notFound(w)
	}
}

func (s *HTTPServer) handleBoards(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			boards, err := s.service.ListBoards(ctx, session)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, boards)
		case http.MethodPost:
			var body CreateBoardInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			board, err := s.service.CreateBoard(ctx, session, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusCreated, board, "Board created")
		default:
			methodNotAllowed(w)
		}
		return
	}

	boardID := parts[3]
	if len(parts) == 4 {
		switch r.Method {
		case http.MethodGet:
			board, err := s.service.GetBoard(ctx, session, boardID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, board)
		case http.MethodPut, http.MethodPatch:
			patch, err := readPatch(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			board, err := s.service.UpdateBoard(ctx, session, boardID, patch)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusOK, board, "Board updated")
		case http.MethodDelete:
			if err := s.service.DeleteBoard(ctx, session, boardID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusOK, nil, "Board deleted")
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) != 5 {
		notFound(w)
		return
	}
	switch {
	case parts[4] == "share" && r.Method == http.MethodPost:
		var body struct {
			UserIDs []string `json:"userIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		board, err := s.service.ShareBoard(ctx, session, boardID, body.UserIDs)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, board, "Board sharing updated")
	case parts[4] == "watch" && r.Method == http.MethodPost:
		if err := s.service.WatchBoard(ctx, session, boardID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, nil, "Watching board")
	case parts[4] == "watch" && r.Method == http.MethodDelete,
		parts[4] == "unwatch" && r.Method == http.MethodPost:
		if err := s.service.UnwatchBoard(ctx, session, boardID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, nil, "Stopped watching board")
	case parts[4] == "sections" && r.Method == http.MethodPost:
		var body SectionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		section, err := s.service.CreateSection(ctx, session, boardID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusCreated, section, "Section created")
	default:
		notFound(w)
	}
}

func (s *HTTPServer) handleSections(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()
	if len(parts) < 4 {
		notFound(w)
		return
	}
	sectionID := parts[3]

	if len(parts) == 4 {
		switch r.Method {
		case http.MethodPut, http.MethodPatch:
			var body SectionInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			section, err := s.service.RenameSection(ctx, session, sectionID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusOK, section, "Section updated")
		case http.MethodDelete:
			if err := s.service.DeleteSection(ctx, session, sectionID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusOK, nil, "Section deleted")
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) != 5 || parts[4] != "tasks" {
		notFound(w)
		return
	}
	switch r.Method {
	case http.MethodGet:
		tasks, err := s.service.ListSectionTasks(ctx, session, sectionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, tasks)
	case http.MethodPost:
		var body store.TaskInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		task, err := s.service.CreateProjectTask(ctx, session, sectionID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusCreated, task, "Task created")
	default:
		methodNotAllowed(w)
	}
}

// handleTasks serves both project and account tasks; the stored kind decides
// which authorization applies.
func (s *HTTPServer) handleTasks(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()
	if len(parts) < 4 {
		notFound(w)
		return
	}
	taskID := parts[3]

	if len(parts) == 4 {
		switch r.Method {
		case http.MethodGet:
			task, err := s.service.GetTask(ctx, session, taskID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, task)
		case http.MethodPut, http.MethodPatch:
			patch, err := readPatch(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			task, err := s.service.UpdateTask(ctx, session, taskID, patch)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusOK, task, "Task updated")
		case http.MethodDelete:
			if err := s.service.DeleteTask(ctx, session, taskID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusOK, nil, "Task deleted")
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch {
	case len(parts) == 5 && parts[4] == "complete" && r.Method == http.MethodPost:
		task, err := s.service.CompleteTask(ctx, session, taskID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, task, "Task marked as done")
	case len(parts) == 5 && parts[4] == "move" && r.Method == http.MethodPost:
		var body MoveTaskInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		task, err := s.service.MoveTask(ctx, session, taskID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, task, "Task moved")
	case len(parts) == 5 && parts[4] == "comments" && r.Method == http.MethodGet:
		comments, err := s.service.ListTaskComments(ctx, session, taskID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, comments)
	case len(parts) == 5 && parts[4] == "comments" && r.Method == http.MethodPost:
		var body CommentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		comment, err := s.service.CreateTaskComment(ctx, session, taskID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusCreated, comment, "Comment added")
	case len(parts) == 6 && parts[4] == "comments" && r.Method == http.MethodDelete:
		if err := s.service.DeleteTaskComment(ctx, session, taskID, parts[5]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, nil, "Comment deleted")
	default:
		notFound(w)
	}
}
