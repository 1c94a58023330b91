package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"tracker/api/internal/auth"
	"tracker/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
			Name     string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Register(r.Context(), body.Email, body.Password, body.Name)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Email, body.Password)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid email or password", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
			"isSuperAdmin":  session.SuperAdmin,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.URL.Path == "/api/users" {
		if r.Method == http.MethodGet {
			items, err := s.service.ListUsers(r.Context(), session)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"users": items})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if r.URL.Path == "/api/projects" {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListProjects(r.Context(), session)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"projects": items})
		case http.MethodPost:
			var body struct {
				Name        string `json:"name"`
				Description string `json:"description"`
				Members     []struct {
					UserID string `json:"userId"`
					Role   string `json:"role"`
				} `json:"members"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			members := make([]MemberInput, 0, len(body.Members))
			for _, m := range body.Members {
				members = append(members, MemberInput{UserID: m.UserID, Role: m.Role})
			}
			payload, err := s.service.CreateProject(r.Context(), session, body.Name, body.Description, members)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "users":
		s.handleUsers(w, r, session, parts)
	case "projects":
		s.handleProjects(w, r, session, parts)
	case "issues":
		s.handleIssues(w, r, session, parts)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	userID := parts[2]

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetUser(r.Context(), session, userID)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPut, http.MethodPatch:
			var body struct {
				Name         *string `json:"name"`
				Email        *string `json:"email"`
				IsSuperAdmin *bool   `json:"isSuperAdmin"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateUser(r.Context(), session, userID, body.Name, body.Email, body.IsSuperAdmin)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteUser(r.Context(), session, userID); err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 4 && parts[3] == "projects" && r.Method == http.MethodGet {
		items, err := s.service.ListUserProjects(r.Context(), session, userID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": items})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	projectID := parts[2]

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetProject(r.Context(), session, projectID)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPut, http.MethodPatch:
			var body struct {
				Name        *string `json:"name"`
				Description *string `json:"description"`
				Members     []struct {
					UserID string `json:"userId"`
					Role   string `json:"role"`
				} `json:"members"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			var members []MemberInput
			if body.Members != nil {
				members = make([]MemberInput, 0, len(body.Members))
				for _, m := range body.Members {
					members = append(members, MemberInput{UserID: m.UserID, Role: m.Role})
				}
			}
			payload, err := s.service.UpdateProject(r.Context(), session, projectID, body.Name, body.Description, members)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteProject(r.Context(), session, projectID); err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if parts[3] == "members" {
		if len(parts) == 4 {
			switch r.Method {
			case http.MethodGet:
				items, err := s.service.ListMembers(r.Context(), session, projectID)
				if err != nil {
					s.respondError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"members": items})
			case http.MethodPost:
				var body struct {
					UserID string `json:"userId"`
					Role   string `json:"role"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				if err := s.service.AddMember(r.Context(), session, projectID, body.UserID, body.Role); err != nil {
					s.respondError(w, err)
					return
				}
				writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
			case http.MethodPut, http.MethodPatch:
				var body struct {
					Members []struct {
						UserID string `json:"userId"`
						Role   string `json:"role"`
					} `json:"members"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				members := make([]MemberInput, 0, len(body.Members))
				for _, m := range body.Members {
					members = append(members, MemberInput{UserID: m.UserID, Role: m.Role})
				}
				items, err := s.service.ReplaceProjectMembers(r.Context(), session, projectID, members)
				if err != nil {
					s.respondError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"members": items})
			default:
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			}
			return
		}
		if len(parts) == 5 && r.Method == http.MethodDelete {
			if err := s.service.RemoveMember(r.Context(), session, projectID, parts[4]); err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if parts[3] == "issues" && len(parts) == 4 {
		switch r.Method {
		case http.MethodGet:
			filter := store.IssueFilter{
				Status:   strings.TrimSpace(r.URL.Query().Get("status")),
				Priority: strings.TrimSpace(r.URL.Query().Get("priority")),
				Type:     strings.TrimSpace(r.URL.Query().Get("type")),
				Assignee: strings.TrimSpace(r.URL.Query().Get("assignee")),
			}
			items, err := s.service.ListIssues(r.Context(), session, projectID, filter)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"issues": items})
		case http.MethodPost:
			input, err := decodeCreateIssue(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateIssue(r.Context(), session, projectID, input)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if parts[3] == "milestones" {
		if len(parts) == 4 {
			switch r.Method {
			case http.MethodGet:
				items, err := s.service.ListMilestones(r.Context(), session, projectID)
				if err != nil {
					s.respondError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"milestones": items})
			case http.MethodPost:
				var body struct {
					Title       string  `json:"title"`
					Description string  `json:"description"`
					DueDate     *string `json:"dueDate"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				dueDate, err := parseTimePtr(body.DueDate)
				if err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", "dueDate must be RFC 3339", nil)
					return
				}
				payload, err := s.service.CreateMilestone(r.Context(), session, projectID, body.Title, body.Description, dueDate)
				if err != nil {
					s.respondError(w, err)
					return
				}
				writeJSON(w, http.StatusCreated, payload)
			default:
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			}
			return
		}
		if len(parts) == 5 {
			milestoneID := parts[4]
			switch r.Method {
			case http.MethodPut, http.MethodPatch:
				var body struct {
					Title       *string `json:"title"`
					Description *string `json:"description"`
					Status      *string `json:"status"`
					DueDate     *string `json:"dueDate"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				dueDate, err := parseTimePtr(body.DueDate)
				if err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", "dueDate must be RFC 3339", nil)
					return
				}
				payload, err := s.service.UpdateMilestone(r.Context(), session, projectID, milestoneID, body.Title, body.Description, body.Status, dueDate)
				if err != nil {
					s.respondError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, payload)
			case http.MethodDelete:
				if err := s.service.DeleteMilestone(r.Context(), session, projectID, milestoneID); err != nil {
					s.respondError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			default:
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			}
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleIssues(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	issueID := parts[2]

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetIssue(r.Context(), session, issueID)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPut, http.MethodPatch:
			upd, err := decodeIssueUpdate(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateIssue(r.Context(), session, issueID, upd)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteIssue(r.Context(), session, issueID); err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 4 && parts[3] == "changelog" && r.Method == http.MethodGet {
		items, err := s.service.ListChangelog(r.Context(), session, issueID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"changelog": items})
		return
	}

	if parts[3] == "comments" {
		if len(parts) == 4 {
			switch r.Method {
			case http.MethodGet:
				items, err := s.service.ListComments(r.Context(), session, issueID)
				if err != nil {
					s.respondError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"comments": items})
			case http.MethodPost:
				var body struct {
					Content string `json:"content"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				payload, err := s.service.AddComment(r.Context(), session, issueID, body.Content)
				if err != nil {
					s.respondError(w, err)
					return
				}
				writeJSON(w, http.StatusCreated, payload)
			default:
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			}
			return
		}
		if len(parts) == 5 {
			commentID := parts[4]
			switch r.Method {
			case http.MethodPut, http.MethodPatch:
				var body struct {
					Content string `json:"content"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				payload, err := s.service.EditComment(r.Context(), session, issueID, commentID, body.Content)
				if err != nil {
					s.respondError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, payload)
			case http.MethodDelete:
				if err := s.service.DeleteComment(r.Context(), session, issueID, commentID); err != nil {
					s.respondError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			default:
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			}
			return
		}
	}

	if len(parts) == 4 && parts[3] == "attachments" {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListAttachments(r.Context(), session, issueID)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"attachments": items})
		case http.MethodPost:
			if err := r.ParseMultipartForm(32 << 20); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected multipart form with a file field", nil)
				return
			}
			file, header, err := r.FormFile("file")
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", "file field is required", nil)
				return
			}
			defer file.Close()
			payload, err := s.service.AttachFile(r.Context(), session, issueID, header.Filename, file, header.Size)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func decodeCreateIssue(r *http.Request) (CreateIssueInput, error) {
	var body struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Priority    string   `json:"priority"`
		Type        string   `json:"type"`
		Labels      []string `json:"labels"`
		Assignees   []string `json:"assignees"`
		MilestoneID string   `json:"milestoneId"`
		DueDate     *string  `json:"dueDate"`
	}
	if err := decodeBody(r, &body); err != nil {
		return CreateIssueInput{}, err
	}
	dueDate, err := parseTimePtr(body.DueDate)
	if err != nil {
		return CreateIssueInput{}, fmt.Errorf("dueDate must be RFC 3339")
	}
	return CreateIssueInput{
		Title:       body.Title,
		Description: body.Description,
		Priority:    body.Priority,
		Type:        body.Type,
		Labels:      body.Labels,
		Assignees:   body.Assignees,
		MilestoneID: body.MilestoneID,
		DueDate:     dueDate,
	}, nil
}

// decodeIssueUpdate distinguishes an absent field (leave alone) from an
// explicit null (clear) for milestoneId and dueDate via raw JSON.
func decodeIssueUpdate(r *http.Request) (store.IssueUpdate, error) {
	var body struct {
		Title       *string         `json:"title"`
		Description *string         `json:"description"`
		Status      *string         `json:"status"`
		Priority    *string         `json:"priority"`
		Type        *string         `json:"type"`
		Labels      *[]string       `json:"labels"`
		Assignees   *[]string       `json:"assignees"`
		MilestoneID json.RawMessage `json:"milestoneId"`
		DueDate     json.RawMessage `json:"dueDate"`
	}
	if err := decodeBody(r, &body); err != nil {
		return store.IssueUpdate{}, err
	}

	upd := store.IssueUpdate{
		Title:       body.Title,
		Description: body.Description,
		Status:      body.Status,
		Priority:    body.Priority,
		Type:        body.Type,
		Labels:      body.Labels,
		Assignees:   body.Assignees,
	}

	if len(body.MilestoneID) > 0 {
		if string(body.MilestoneID) == "null" {
			upd.ClearMilestone = true
		} else {
			var milestoneID string
			if err := json.Unmarshal(body.MilestoneID, &milestoneID); err != nil {
				return store.IssueUpdate{}, fmt.Errorf("milestoneId must be a string or null")
			}
			upd.MilestoneID = &milestoneID
		}
	}
	if len(body.DueDate) > 0 {
		if string(body.DueDate) == "null" {
			upd.ClearDueDate = true
		} else {
			var raw string
			if err := json.Unmarshal(body.DueDate, &raw); err != nil {
				return store.IssueUpdate{}, fmt.Errorf("dueDate must be a string or null")
			}
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return store.IssueUpdate{}, fmt.Errorf("dueDate must be RFC 3339")
			}
			upd.DueDate = &parsed
		}
	}
	return upd, nil
}

func parseTimePtr(raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (s *HTTPServer) respondError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
