package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"tracker/api/internal/access"
	"tracker/api/internal/auth"
	"tracker/api/internal/authpw"
	"tracker/api/internal/blob"
	"tracker/api/internal/config"
	"tracker/api/internal/store"
	"tracker/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	SuperAdmin   bool
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) actor() access.Actor {
	return access.Actor{ID: s.UserID, SuperAdmin: s.SuperAdmin}
}

type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	UpdateUserProfile(ctx context.Context, userID string, name, email *string, isSuperAdmin *bool) (store.User, error)
	DeleteUser(ctx context.Context, userID string) error
	ListProjectRolesForUser(ctx context.Context, userID string) ([]store.ProjectRole, error)
	UsersExist(ctx context.Context, userIDs []string) (bool, error)

	ListProjects(ctx context.Context) ([]store.Project, error)
	ListProjectsForUser(ctx context.Context, userID string) ([]store.Project, error)
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	InsertProject(ctx context.Context, project store.Project) error
	UpdateProjectInfo(ctx context.Context, projectID string, name, description *string) error
	DeleteProject(ctx context.Context, projectID string) error

	ListMembers(ctx context.Context, projectID string) ([]store.Member, error)
	AddMember(ctx context.Context, projectID, userID, role string) (bool, error)
	RemoveMember(ctx context.Context, projectID, userID string) error
	ReplaceMembers(ctx context.Context, projectID string, members []store.Member) error

	InsertIssue(ctx context.Context, issue store.Issue) error
	GetIssue(ctx context.Context, issueID string) (store.Issue, error)
	ListIssues(ctx context.Context, projectID string, filter store.IssueFilter) ([]store.Issue, error)
	UpdateIssueVersioned(ctx context.Context, issue store.Issue, expectedVersion int, entry store.ChangelogEntry) (bool, error)
	DeleteIssue(ctx context.Context, issueID string) error
	ListChangelog(ctx context.Context, issueID string) ([]store.ChangelogEntry, error)

	InsertComment(ctx context.Context, comment store.Comment) error
	GetComment(ctx context.Context, issueID, commentID string) (store.Comment, error)
	ListComments(ctx context.Context, issueID string) ([]store.Comment, error)
	UpdateCommentContent(ctx context.Context, issueID, commentID, content string) (bool, error)
	DeleteComment(ctx context.Context, issueID, commentID string) (bool, error)

	InsertAttachment(ctx context.Context, attachment store.Attachment) error
	ListAttachments(ctx context.Context, issueID string) ([]store.Attachment, error)
	ListProjectAttachments(ctx context.Context, projectID string) ([]store.Attachment, error)

	InsertMilestone(ctx context.Context, milestone store.Milestone) error
	GetMilestone(ctx context.Context, milestoneID string) (store.Milestone, error)
	ListMilestones(ctx context.Context, projectID string) ([]store.Milestone, error)
	UpdateMilestone(ctx context.Context, milestoneID string, title, description, status *string, dueDate *time.Time) error
	DeleteMilestone(ctx context.Context, milestoneID string) error

	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// sessionStore holds refresh tokens; Redis in production, the Postgres
// store as fallback.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// blobStore is the attachment collaborator. Removal failures are logged
// and swallowed once the owning record mutation has committed.
type blobStore interface {
	Put(ctx context.Context, issueID, fileName string, reader io.Reader, size int64) (string, error)
	Remove(ctx context.Context, key string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	blobs    blobStore
	authpw   *authpw.Service
}

// New wires the service against Postgres for both data and refresh
// sessions. blobs may be nil when attachment storage is not configured.
func New(cfg config.Config, dataStore *store.PostgresStore, blobs *blob.Store) *Service {
	return NewWithSessionStore(cfg, dataStore, dataStore, blobs)
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, blobs *blob.Store) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		authpw:   authpw.NewService(dataStore),
	}
	if blobs != nil {
		svc.blobs = blobs
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- sessions ----

// Register creates an account and signs it straight in.
func (s *Service) Register(ctx context.Context, email, password, name string) (Session, error) {
	user, err := s.authpw.Register(ctx, authpw.RegisterRequest{Email: email, Password: password, Name: name})
	if err != nil {
		switch {
		case errors.Is(err, authpw.ErrEmailTaken):
			return Session{}, errConflict("Email already registered")
		case errors.Is(err, authpw.ErrMissingFields), errors.Is(err, authpw.ErrPasswordTooShort):
			return Session{}, errValidation(err.Error())
		}
		// Storage failures keep their kind and surface as 500.
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.authpw.Login(ctx, email, password)
	if err != nil {
		return Session{}, errUnauthenticated()
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the old one is revoked before a new
// session is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, errUnauthenticated()
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, errUnauthenticated()
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:        user.ID,
		Name:       user.Name,
		SuperAdmin: user.IsSuperAdmin,
		JTI:        jti,
		Exp:        expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		SuperAdmin:   user.IsSuperAdmin,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:      token,
		UserID:     user.ID,
		UserName:   user.Name,
		SuperAdmin: user.IsSuperAdmin,
		JTI:        claims.JTI,
		ExpiresAt:  time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ---- users ----

func (s *Service) ListUsers(ctx context.Context, session Session) ([]map[string]any, error) {
	if !session.SuperAdmin {
		return nil, errForbidden(access.ReasonSuperAdminRequired)
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, userPayload(user, nil))
	}
	return items, nil
}

func (s *Service) GetUser(ctx context.Context, session Session, userID string) (map[string]any, error) {
	if !session.SuperAdmin && session.UserID != userID {
		return nil, errForbidden(access.ReasonSuperAdminRequired)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("User")
		}
		return nil, err
	}
	roles, err := s.store.ListProjectRolesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return userPayload(user, roles), nil
}

// UpdateUser changes name/email for self or any user when superadmin.
// The superadmin flag is applied only when the actor is a superadmin;
// otherwise it is ignored, not rejected.
func (s *Service) UpdateUser(ctx context.Context, session Session, userID string, name, email *string, isSuperAdmin *bool) (map[string]any, error) {
	if !session.SuperAdmin && session.UserID != userID {
		return nil, errForbidden(access.ReasonSuperAdminRequired)
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("User")
		}
		return nil, err
	}
	if email != nil && strings.TrimSpace(*email) == "" {
		return nil, errValidation("email must not be empty")
	}
	if !session.SuperAdmin {
		isSuperAdmin = nil
	}
	user, err := s.store.UpdateUserProfile(ctx, userID, name, email, isSuperAdmin)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, errConflict("Email already registered")
		}
		return nil, err
	}
	roles, err := s.store.ListProjectRolesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return userPayload(user, roles), nil
}

// DeleteUser removes the account; membership rows in every project go
// with it, so no project retains a dangling member.
func (s *Service) DeleteUser(ctx context.Context, session Session, userID string) error {
	if !session.SuperAdmin {
		return errForbidden(access.ReasonSuperAdminRequired)
	}
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("User")
		}
		return err
	}
	return nil
}

func (s *Service) ListUserProjects(ctx context.Context, session Session, userID string) ([]map[string]any, error) {
	if !session.SuperAdmin && session.UserID != userID {
		return nil, errForbidden(access.ReasonSuperAdminRequired)
	}
	var (
		projects []store.Project
		err      error
	)
	if session.SuperAdmin && session.UserID == userID {
		projects, err = s.store.ListProjects(ctx)
	} else {
		projects, err = s.store.ListProjectsForUser(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	return projectPayloads(projects), nil
}

// ---- projects ----

// MemberInput is a membership assignment as received from the API.
type MemberInput struct {
	UserID string
	Role   string
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]map[string]any, error) {
	var (
		projects []store.Project
		err      error
	)
	if session.SuperAdmin {
		projects, err = s.store.ListProjects(ctx)
	} else {
		projects, err = s.store.ListProjectsForUser(ctx, session.UserID)
	}
	if err != nil {
		return nil, err
	}
	return projectPayloads(projects), nil
}

func (s *Service) CreateProject(ctx context.Context, session Session, name, description string, members []MemberInput) (map[string]any, error) {
	if !session.SuperAdmin {
		return nil, errForbidden(access.ReasonSuperAdminRequired)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errValidation("project name is required")
	}

	rows, err := s.normalizeMembers(ctx, members)
	if err != nil {
		return nil, err
	}

	project := store.Project{
		ID:          util.NewID("prj"),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedBy:   session.UserID,
		Members:     rows,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return nil, err
	}
	return s.getProjectPayload(ctx, project.ID)
}

func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	project, err := s.requireProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(session, access.ActionViewProject, access.Target{Project: snapshot(project)}); err != nil {
		return nil, err
	}
	return projectPayload(project), nil
}

func (s *Service) UpdateProject(ctx context.Context, session Session, projectID string, name, description *string, members []MemberInput) (map[string]any, error) {
	project, err := s.requireProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(session, access.ActionMutateProject, access.Target{Project: snapshot(project)}); err != nil {
		return nil, err
	}
	if name != nil && strings.TrimSpace(*name) == "" {
		return nil, errValidation("project name must not be empty")
	}
	if err := s.store.UpdateProjectInfo(ctx, projectID, name, description); err != nil {
		return nil, err
	}
	if members != nil {
		rows, err := s.normalizeMembers(ctx, members)
		if err != nil {
			return nil, err
		}
		if err := s.store.ReplaceMembers(ctx, projectID, rows); err != nil {
			return nil, err
		}
	}
	return s.getProjectPayload(ctx, projectID)
}

// DeleteProject removes the project and everything under it. Attachment
// objects are cleaned up best-effort after the database delete commits.
func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	project, err := s.requireProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.authorize(session, access.ActionMutateProject, access.Target{Project: snapshot(project)}); err != nil {
		return err
	}

	var attachments []store.Attachment
	if s.blobs != nil {
		attachments, err = s.store.ListProjectAttachments(ctx, projectID)
		if err != nil {
			return err
		}
	}
	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	s.removeBlobs(ctx, attachments)
	return nil
}

// ---- membership ----

func (s *Service) ListMembers(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	project, err := s.requireProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(session, access.ActionViewProject, access.Target{Project: snapshot(project)}); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, m := range members {
		items = append(items, memberPayload(m))
	}
	return items, nil
}

// AddMember grants a user a role in the project. Adding someone who is
// already a member is a conflict, never a silent role change.
func (s *Service) AddMember(ctx context.Context, session Session, projectID, userID, role string) error {
	project, err := s.requireProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.authorize(session, access.ActionMutateProject, access.Target{Project: snapshot(project)}); err != nil {
		return err
	}
	if role == "" {
		role = "member"
	}
	if !access.ValidRole(role) {
		return errValidation("invalid role: " + role)
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("User")
		}
		return err
	}
	inserted, err := s.store.AddMember(ctx, projectID, userID, role)
	if err != nil {
		return err
	}
	if !inserted {
		return errConflict("User is already a member of this project")
	}
	return nil
}

// ReplaceProjectMembers swaps the full member list after validating it,
// so a bad entry never leaves a half-applied roster.
func (s *Service) ReplaceProjectMembers(ctx context.Context, session Session, projectID string, members []MemberInput) ([]map[string]any, error) {
	project, err := s.requireProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(session, access.ActionMutateProject, access.Target{Project: snapshot(project)}); err != nil {
		return nil, err
	}
	rows, err := s.normalizeMembers(ctx, members)
	if err != nil {
		return nil, err
	}
	if err := s.store.ReplaceMembers(ctx, projectID, rows); err != nil {
		return nil, err
	}
	saved, err := s.store.ListMembers(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(saved))
	for _, m := range saved {
		items = append(items, memberPayload(m))
	}
	return items, nil
}

// RemoveMember is idempotent: removing a non-member succeeds without
// effect.
func (s *Service) RemoveMember(ctx context.Context, session Session, projectID, userID string) error {
	project, err := s.requireProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.authorize(session, access.ActionMutateProject, access.Target{Project: snapshot(project)}); err != nil {
		return err
	}
	return s.store.RemoveMember(ctx, projectID, userID)
}

// normalizeMembers validates roles, drops duplicate user ids keeping the
// first occurrence, and checks every referenced user exists before any
// row is written.
func (s *Service) normalizeMembers(ctx context.Context, members []MemberInput) ([]store.Member, error) {
	rows := make([]store.Member, 0, len(members))
	seen := make(map[string]bool, len(members))
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if m.UserID == "" {
			return nil, errValidation("member userId is required")
		}
		role := m.Role
		if role == "" {
			role = "member"
		}
		if !access.ValidRole(role) {
			return nil, errValidation("invalid role: " + role)
		}
		if seen[m.UserID] {
			continue
		}
		seen[m.UserID] = true
		ids = append(ids, m.UserID)
		rows = append(rows, store.Member{UserID: m.UserID, Role: role})
	}
	if len(ids) > 0 {
		ok, err := s.store.UsersExist(ctx, ids)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errValidation("one or more member users do not exist")
		}
	}
	return rows, nil
}

// ---- issues ----

// CreateIssueInput carries the fields a client may set when opening an
// issue. Status is not among them: new issues always start Open.
type CreateIssueInput struct {
	Title       string
	Description string
	Priority    string
	Type        string
	Labels      []string
	Assignees   []string
	MilestoneID string
	DueDate     *time.Time
}

func (s *Service) CreateIssue(ctx context.Context, session Session, projectID string, input CreateIssueInput) (map[string]any, error) {
	project, err := s.requireProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(session, access.ActionCreateIssue, access.Target{Project: snapshot(project)}); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, errValidation("issue title is required")
	}
	priority := input.Priority
	if priority == "" {
		priority = "Medium"
	}
	if !validPriority(priority) {
		return nil, errValidation("invalid priority: " + priority)
	}
	issueType := input.Type
	if issueType == "" {
		issueType = "task"
	}
	if !validType(issueType) {
		return nil, errValidation("invalid type: " + issueType)
	}

	assignees := uniqueStrings(input.Assignees)
	if err := checkAssignees(assignees, project); err != nil {
		return nil, err
	}

	var milestoneID *string
	if input.MilestoneID != "" {
		if err := s.checkMilestone(ctx, projectID, input.MilestoneID); err != nil {
			return nil, err
		}
		milestoneID = &input.MilestoneID
	}

	issue := store.Issue{
		ID:          util.NewID("iss"),
		ProjectID:   projectID,
		Title:       title,
		Description: input.Description,
		Status:      store.StatusOpen,
		Priority:    priority,
		Type:        issueType,
		Author:      session.UserID,
		MilestoneID: milestoneID,
		Labels:      uniqueStrings(input.Labels),
		Assignees:   assignees,
		DueDate:     input.DueDate,
		Version:     1,
	}
	if err := s.store.InsertIssue(ctx, issue); err != nil {
		return nil, err
	}
	created, err := s.store.GetIssue(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	return issuePayload(created), nil
}

func (s *Service) ListIssues(ctx context.Context, session Session, projectID string, filter store.IssueFilter) ([]map[string]any, error) {
	project, err := s.requireProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(session, access.ActionViewIssues, access.Target{Project: snapshot(project)}); err != nil {
		return nil, err
	}
	if filter.Status != "" && !validStatus(filter.Status) {
		return nil, errValidation("invalid status filter: " + filter.Status)
	}
	if filter.Priority != "" && !validPriority(filter.Priority) {
		return nil, errValidation("invalid priority filter: " + filter.Priority)
	}
	if filter.Type != "" && !validType(filter.Type) {
		return nil, errValidation("invalid type filter: " + filter.Type)
	}
	issues, err := s.store.ListIssues(ctx, projectID, filter)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		items = append(items, issuePayload(issue))
	}
	return items, nil
}

func (s *Service) GetIssue(ctx context.Context, session Session, issueID string) (map[string]any, error) {
	issue, project, err := s.requireIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(session, access.ActionViewIssues, access.Target{Project: snapshot(project)}); err != nil {
		return nil, err
	}
	return issuePayload(issue), nil
}

const updateRetries = 3

// UpdateIssue applies a partial update under optimistic concurrency: the
// write succeeds only if the issue's version is unchanged since it was
// read, and each successful update appends exactly one changelog entry
// carrying the per-field diff. Lost races are retried a few times before
// surfacing a conflict.
func (s *Service) UpdateIssue(ctx context.Context, session Session, issueID string, upd store.IssueUpdate) (map[string]any, error) {
	issue, project, err := s.requireIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(session, access.ActionMutateIssue, access.Target{Project: snapshot(project)}); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < updateRetries; attempt++ {
		next, diff, err := s.applyIssueUpdate(ctx, issue, project, upd)
		if err != nil {
			return nil, err
		}
		if len(diff) == 0 {
			return issuePayload(issue), nil
		}

		entry := store.ChangelogEntry{
			IssueID: issue.ID,
			Actor:   session.UserID,
			Action:  "updated",
			Diff:    diff,
		}
		ok, err := s.store.UpdateIssueVersioned(ctx, next, issue.Version, entry)
		if err != nil {
			return nil, err
		}
		if ok {
			saved, err := s.store.GetIssue(ctx, issue.ID)
			if err != nil {
				return nil, err
			}
			return issuePayload(saved), nil
		}

		// Lost the race; reload and try again against the new version.
		issue, err = s.store.GetIssue(ctx, issueID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, errNotFound("Issue")
			}
			return nil, err
		}
	}
	return nil, errConflict("Issue was modified concurrently, please retry")
}

// applyIssueUpdate produces the candidate next state and the field diff.
// Fields left nil in upd are untouched and never appear in the diff.
func (s *Service) applyIssueUpdate(ctx context.Context, issue store.Issue, project store.Project, upd store.IssueUpdate) (store.Issue, map[string]store.FieldChange, error) {
	next := issue
	diff := make(map[string]store.FieldChange)

	if upd.Title != nil {
		title := strings.TrimSpace(*upd.Title)
		if title == "" {
			return store.Issue{}, nil, errValidation("issue title must not be empty")
		}
		if title != issue.Title {
			diff["title"] = store.FieldChange{Old: issue.Title, New: title}
			next.Title = title
		}
	}
	if upd.Description != nil && *upd.Description != issue.Description {
		diff["description"] = store.FieldChange{Old: issue.Description, New: *upd.Description}
		next.Description = *upd.Description
	}
	if upd.Status != nil {
		if !validStatus(*upd.Status) {
			return store.Issue{}, nil, errValidation("invalid status: " + *upd.Status)
		}
		if *upd.Status != issue.Status {
			diff["status"] = store.FieldChange{Old: issue.Status, New: *upd.Status}
			next.Status = *upd.Status
		}
	}
	if upd.Priority != nil {
		if !validPriority(*upd.Priority) {
			return store.Issue{}, nil, errValidation("invalid priority: " + *upd.Priority)
		}
		if *upd.Priority != issue.Priority {
			diff["priority"] = store.FieldChange{Old: issue.Priority, New: *upd.Priority}
			next.Priority = *upd.Priority
		}
	}
	if upd.Type != nil {
		if !validType(*upd.Type) {
			return store.Issue{}, nil, errValidation("invalid type: " + *upd.Type)
		}
		if *upd.Type != issue.Type {
			diff["type"] = store.FieldChange{Old: issue.Type, New: *upd.Type}
			next.Type = *upd.Type
		}
	}
	if upd.Labels != nil {
		labels := uniqueStrings(*upd.Labels)
		if !equalStrings(labels, issue.Labels) {
			diff["labels"] = store.FieldChange{Old: issue.Labels, New: labels}
			next.Labels = labels
		}
	}
	if upd.Assignees != nil {
		assignees := uniqueStrings(*upd.Assignees)
		if err := checkAssignees(assignees, project); err != nil {
			return store.Issue{}, nil, err
		}
		if !equalStrings(assignees, issue.Assignees) {
			diff["assignees"] = store.FieldChange{Old: issue.Assignees, New: assignees}
			next.Assignees = assignees
		}
	}
	if upd.ClearMilestone {
		if issue.MilestoneID != nil {
			diff["milestone"] = store.FieldChange{Old: *issue.MilestoneID, New: nil}
			next.MilestoneID = nil
		}
	} else if upd.MilestoneID != nil {
		if err := s.checkMilestone(ctx, issue.ProjectID, *upd.MilestoneID); err != nil {
			return store.Issue{}, nil, err
		}
		if issue.MilestoneID == nil || *issue.MilestoneID != *upd.MilestoneID {
			var old any
			if issue.MilestoneID != nil {
				old = *issue.MilestoneID
			}
			diff["milestone"] = store.FieldChange{Old: old, New: *upd.MilestoneID}
			next.MilestoneID = upd.MilestoneID
		}
	}
	if upd.ClearDueDate {
		if issue.DueDate != nil {
			diff["dueDate"] = store.FieldChange{Old: issue.DueDate.Format(time.RFC3339), New: nil}
			next.DueDate = nil
		}
	} else if upd.DueDate != nil {
		if issue.DueDate == nil || !issue.DueDate.Equal(*upd.DueDate) {
			var old any
			if issue.DueDate != nil {
				old = issue.DueDate.Format(time.RFC3339)
			}
			diff["dueDate"] = store.FieldChange{Old: old, New: upd.DueDate.Format(time.RFC3339)}
			next.DueDate = upd.DueDate
		}
	}

	return next, diff, nil
}

func (s *Service) DeleteIssue(ctx context.Context, session Session, issueID string) error {
	issue, project, err := s.requireIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if err := s.authorize(session, access.ActionDeleteIssue, access.Target{Project: snapshot(project)}); err != nil {
		return err
	}

	var attachments []store.Attachment
	if s.blobs != nil {
		attachments, err = s.store.ListAttachments(ctx, issue.ID)
		if err != nil {
			return err
		}
	}
	if err := s.store.DeleteIssue(ctx, issue.ID); err != nil {
		return err
	}
	s.removeBlobs(ctx, attachments)
	return nil
}

func (s *Service) ListChangelog(ctx context.Context, session Session, issueID string) ([]map[string]any, error) {
	issue, project, err := s.requireIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(session, access.ActionViewIssues, access.Target{Project: snapshot(project)}); err != nil {
		return nil, err
	}
	entries, err := s.store.ListChangelog(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, changelogPayload(entry))
	}
	return items, nil
}

// ---- comments ----

func (s *Service) ListComments(ctx context.Context, session Session, issueID string) ([]map[string]any, error) {
	issue, project, err := s.requireIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(session, access.ActionViewIssues, access.Target{Project: snapshot(project)}); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentPayload(comment))
	}
	return items, nil
}

func (s *Service) AddComment(ctx context.Context, session Session, issueID, content string) (map[string]any, error) {
	issue, project, err := s.requireIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(session, access.ActionComment, access.Target{Project: snapshot(project)}); err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, errValidation("comment content is required")
	}

	comment := store.Comment{
		ID:      util.NewID("cmt"),
		IssueID: issue.ID,
		Author:  session.UserID,
		Content: content,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}
	saved, err := s.store.GetComment(ctx, issue.ID, comment.ID)
	if err != nil {
		return nil, err
	}
	return commentPayload(saved), nil
}

// EditComment is author-only; even superadmins may not rewrite someone
// else's words. Existence is checked before authorization so a missing
// comment reads as 404, not 403.
func (s *Service) EditComment(ctx context.Context, session Session, issueID, commentID, content string) (map[string]any, error) {
	issue, _, err := s.requireIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	comment, err := s.store.GetComment(ctx, issue.ID, commentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Comment")
		}
		return nil, err
	}
	if err := s.authorize(session, access.ActionEditComment, access.Target{CommentAuthorID: comment.Author}); err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, errValidation("comment content is required")
	}

	updated, err := s.store.UpdateCommentContent(ctx, issue.ID, commentID, content)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, errNotFound("Comment")
	}
	saved, err := s.store.GetComment(ctx, issue.ID, commentID)
	if err != nil {
		return nil, err
	}
	return commentPayload(saved), nil
}

// DeleteComment is open to the author and to superadmins acting as
// moderators.
func (s *Service) DeleteComment(ctx context.Context, session Session, issueID, commentID string) error {
	issue, _, err := s.requireIssue(ctx, issueID)
	if err != nil {
		return err
	}
	comment, err := s.store.GetComment(ctx, issue.ID, commentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Comment")
		}
		return err
	}
	if err := s.authorize(session, access.ActionDeleteComment, access.Target{CommentAuthorID: comment.Author}); err != nil {
		return err
	}

	deleted, err := s.store.DeleteComment(ctx, issue.ID, commentID)
	if err != nil {
		return err
	}
	if !deleted {
		return errNotFound("Comment")
	}
	return nil
}

// ---- milestones ----

func (s *Service) ListMilestones(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	project, err := s.requireProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(session, access.ActionViewProject, access.Target{Project: snapshot(project)}); err != nil {
		return nil, err
	}
	milestones, err := s.store.ListMilestones(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(milestones))
	for _, m := range milestones {
		items = append(items, milestonePayload(m))
	}
	return items, nil
}

func (s *Service) CreateMilestone(ctx context.Context, session Session, projectID, title, description string, dueDate *time.Time) (map[string]any, error) {
	project, err := s.requireProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(session, access.ActionMutateIssue, access.Target{Project: snapshot(project)}); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errValidation("milestone title is required")
	}

	milestone := store.Milestone{
		ID:          util.NewID("mls"),
		ProjectID:   projectID,
		Title:       title,
		Description: strings.TrimSpace(description),
		Status:      "open",
		DueDate:     dueDate,
	}
	if err := s.store.InsertMilestone(ctx, milestone); err != nil {
		return nil, err
	}
	saved, err := s.store.GetMilestone(ctx, milestone.ID)
	if err != nil {
		return nil, err
	}
	return milestonePayload(saved), nil
}

func (s *Service) UpdateMilestone(ctx context.Context, session Session, projectID, milestoneID string, title, description, status *string, dueDate *time.Time) (map[string]any, error) {
	project, err := s.requireProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(session, access.ActionMutateIssue, access.Target{Project: snapshot(project)}); err != nil {
		return nil, err
	}
	milestone, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Milestone")
		}
		return nil, err
	}
	if milestone.ProjectID != projectID {
		return nil, errNotFound("Milestone")
	}
	if title != nil && strings.TrimSpace(*title) == "" {
		return nil, errValidation("milestone title must not be empty")
	}
	if status != nil && *status != "open" && *status != "closed" {
		return nil, errValidation("invalid milestone status: " + *status)
	}
	if err := s.store.UpdateMilestone(ctx, milestoneID, title, description, status, dueDate); err != nil {
		return nil, err
	}
	saved, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	return milestonePayload(saved), nil
}

func (s *Service) DeleteMilestone(ctx context.Context, session Session, projectID, milestoneID string) error {
	project, err := s.requireProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.authorize(session, access.ActionMutateIssue, access.Target{Project: snapshot(project)}); err != nil {
		return err
	}
	milestone, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Milestone")
		}
		return err
	}
	if milestone.ProjectID != projectID {
		return errNotFound("Milestone")
	}
	return s.store.DeleteMilestone(ctx, milestoneID)
}

// ---- attachments ----

func (s *Service) ListAttachments(ctx context.Context, session Session, issueID string) ([]map[string]any, error) {
	issue, project, err := s.requireIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(session, access.ActionViewIssues, access.Target{Project: snapshot(project)}); err != nil {
		return nil, err
	}
	attachments, err := s.store.ListAttachments(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(attachments))
	for _, a := range attachments {
		items = append(items, attachmentPayload(a))
	}
	return items, nil
}

// AttachFile streams the upload to object storage, then records it. If
// the record insert fails the stored object is removed again.
func (s *Service) AttachFile(ctx context.Context, session Session, issueID, fileName string, reader io.Reader, size int64) (map[string]any, error) {
	if s.blobs == nil {
		return nil, errValidation("attachment storage is not configured")
	}
	issue, project, err := s.requireIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(session, access.ActionMutateIssue, access.Target{Project: snapshot(project)}); err != nil {
		return nil, err
	}
	if strings.TrimSpace(fileName) == "" {
		return nil, errValidation("file name is required")
	}

	key, err := s.blobs.Put(ctx, issue.ID, fileName, reader, size)
	if err != nil {
		return nil, err
	}
	attachment := store.Attachment{
		ID:        util.NewID("att"),
		IssueID:   issue.ID,
		FileName:  fileName,
		ObjectKey: key,
		Size:      size,
	}
	if err := s.store.InsertAttachment(ctx, attachment); err != nil {
		if removeErr := s.blobs.Remove(ctx, key); removeErr != nil {
			log.Printf("orphaned attachment object %s: %v", key, removeErr)
		}
		return nil, err
	}
	return attachmentPayload(attachment), nil
}

// ---- helpers ----

func (s *Service) authorize(session Session, action access.Action, target access.Target) error {
	decision := access.Evaluate(session.actor(), action, target)
	if !decision.Allowed {
		return errForbidden(decision.Reason)
	}
	return nil
}

func (s *Service) requireProject(ctx context.Context, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Project{}, errNotFound("Project")
		}
		return store.Project{}, err
	}
	return project, nil
}

func (s *Service) requireIssue(ctx context.Context, issueID string) (store.Issue, store.Project, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Issue{}, store.Project{}, errNotFound("Issue")
		}
		return store.Issue{}, store.Project{}, err
	}
	project, err := s.requireProject(ctx, issue.ProjectID)
	if err != nil {
		return store.Issue{}, store.Project{}, err
	}
	return issue, project, nil
}

func (s *Service) getProjectPayload(ctx context.Context, projectID string) (map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return projectPayload(project), nil
}

func (s *Service) checkMilestone(ctx context.Context, projectID, milestoneID string) error {
	milestone, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errValidation("milestone does not exist")
		}
		return err
	}
	if milestone.ProjectID != projectID {
		return errValidation("milestone belongs to a different project")
	}
	return nil
}

// removeBlobs deletes attachment objects after their records are gone.
// Failures only leave orphaned objects behind, so they are logged rather
// than surfaced.
func (s *Service) removeBlobs(ctx context.Context, attachments []store.Attachment) {
	if s.blobs == nil {
		return
	}
	for _, a := range attachments {
		if err := s.blobs.Remove(ctx, a.ObjectKey); err != nil {
			log.Printf("remove attachment object %s: %v", a.ObjectKey, err)
		}
	}
}

func snapshot(project store.Project) access.ProjectSnapshot {
	roles := make(map[string]string, len(project.Members))
	for _, m := range project.Members {
		roles[m.UserID] = m.Role
	}
	return access.ProjectSnapshot{CreatorID: project.CreatedBy, Roles: roles}
}

// checkAssignees rejects assignees who are not project participants.
func checkAssignees(assignees []string, project store.Project) error {
	snap := snapshot(project)
	for _, userID := range assignees {
		if userID == snap.CreatorID {
			continue
		}
		if _, ok := snap.Roles[userID]; !ok {
			return errValidation("assignee " + userID + " is not a member of the project")
		}
	}
	return nil
}

func validStatus(status string) bool {
	switch status {
	case store.StatusOpen, store.StatusInProgress, store.StatusResolved, store.StatusClosed:
		return true
	}
	return false
}

func validPriority(priority string) bool {
	switch priority {
	case "Low", "Medium", "High":
		return true
	}
	return false
}

func validType(issueType string) bool {
	switch issueType {
	case "bug", "feature", "enhancement", "task":
		return true
	}
	return false
}

func uniqueStrings(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
