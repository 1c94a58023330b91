package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"tracker/api/internal/authpw"
	"tracker/api/internal/config"
	"tracker/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn          func(context.Context, string) (store.User, error)
	getUserByEmailFn       func(context.Context, string) (store.User, error)
	createUserFn           func(context.Context, store.User) error
	updateUserProfileFn    func(context.Context, string, *string, *string, *bool) (store.User, error)
	usersExistFn           func(context.Context, []string) (bool, error)
	getProjectFn           func(context.Context, string) (store.Project, error)
	insertProjectFn        func(context.Context, store.Project) error
	addMemberFn            func(context.Context, string, string, string) (bool, error)
	removeMemberFn         func(context.Context, string, string) error
	replaceMembersFn       func(context.Context, string, []store.Member) error
	getIssueFn             func(context.Context, string) (store.Issue, error)
	insertIssueFn          func(context.Context, store.Issue) error
	updateIssueVersionedFn func(context.Context, store.Issue, int, store.ChangelogEntry) (bool, error)
	deleteIssueFn          func(context.Context, string) error
	listChangelogFn        func(context.Context, string) ([]store.ChangelogEntry, error)
	getCommentFn           func(context.Context, string, string) (store.Comment, error)
	insertCommentFn        func(context.Context, store.Comment) error
	updateCommentFn        func(context.Context, string, string, string) (bool, error)
	deleteCommentFn        func(context.Context, string, string) (bool, error)
	getMilestoneFn         func(context.Context, string) (store.Milestone, error)
	listAttachmentsFn      func(context.Context, string) ([]store.Attachment, error)
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, Name: userID}, nil
}
func (f *fakeStore) ListUsers(context.Context) ([]store.User, error) { return nil, nil }
func (f *fakeStore) UpdateUserProfile(ctx context.Context, userID string, name, email *string, isSuperAdmin *bool) (store.User, error) {
	if f.updateUserProfileFn != nil {
		return f.updateUserProfileFn(ctx, userID, name, email, isSuperAdmin)
	}
	return store.User{ID: userID}, nil
}
func (f *fakeStore) DeleteUser(context.Context, string) error { return nil }
func (f *fakeStore) ListProjectRolesForUser(context.Context, string) ([]store.ProjectRole, error) {
	return nil, nil
}
func (f *fakeStore) UsersExist(ctx context.Context, userIDs []string) (bool, error) {
	if f.usersExistFn != nil {
		return f.usersExistFn(ctx, userIDs)
	}
	return true, nil
}

func (f *fakeStore) ListProjects(context.Context) ([]store.Project, error) { return nil, nil }
func (f *fakeStore) ListProjectsForUser(context.Context, string) ([]store.Project, error) {
	return nil, nil
}
func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectID)
	}
	return store.Project{}, sql.ErrNoRows
}
func (f *fakeStore) InsertProject(ctx context.Context, project store.Project) error {
	if f.insertProjectFn != nil {
		return f.insertProjectFn(ctx, project)
	}
	return nil
}
func (f *fakeStore) UpdateProjectInfo(context.Context, string, *string, *string) error { return nil }
func (f *fakeStore) DeleteProject(context.Context, string) error                       { return nil }

func (f *fakeStore) ListMembers(context.Context, string) ([]store.Member, error) { return nil, nil }
func (f *fakeStore) AddMember(ctx context.Context, projectID, userID, role string) (bool, error) {
	if f.addMemberFn != nil {
		return f.addMemberFn(ctx, projectID, userID, role)
	}
	return true, nil
}
func (f *fakeStore) RemoveMember(ctx context.Context, projectID, userID string) error {
	if f.removeMemberFn != nil {
		return f.removeMemberFn(ctx, projectID, userID)
	}
	return nil
}
func (f *fakeStore) ReplaceMembers(ctx context.Context, projectID string, members []store.Member) error {
	if f.replaceMembersFn != nil {
		return f.replaceMembersFn(ctx, projectID, members)
	}
	return nil
}

func (f *fakeStore) InsertIssue(ctx context.Context, issue store.Issue) error {
	if f.insertIssueFn != nil {
		return f.insertIssueFn(ctx, issue)
	}
	return nil
}
func (f *fakeStore) GetIssue(ctx context.Context, issueID string) (store.Issue, error) {
	if f.getIssueFn != nil {
		return f.getIssueFn(ctx, issueID)
	}
	return store.Issue{}, sql.ErrNoRows
}
func (f *fakeStore) ListIssues(context.Context, string, store.IssueFilter) ([]store.Issue, error) {
	return nil, nil
}
func (f *fakeStore) UpdateIssueVersioned(ctx context.Context, issue store.Issue, expectedVersion int, entry store.ChangelogEntry) (bool, error) {
	if f.updateIssueVersionedFn != nil {
		return f.updateIssueVersionedFn(ctx, issue, expectedVersion, entry)
	}
	return true, nil
}
func (f *fakeStore) DeleteIssue(ctx context.Context, issueID string) error {
	if f.deleteIssueFn != nil {
		return f.deleteIssueFn(ctx, issueID)
	}
	return nil
}
func (f *fakeStore) ListChangelog(ctx context.Context, issueID string) ([]store.ChangelogEntry, error) {
	if f.listChangelogFn != nil {
		return f.listChangelogFn(ctx, issueID)
	}
	return nil, nil
}

func (f *fakeStore) InsertComment(ctx context.Context, comment store.Comment) error {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, comment)
	}
	return nil
}
func (f *fakeStore) GetComment(ctx context.Context, issueID, commentID string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, issueID, commentID)
	}
	return store.Comment{}, sql.ErrNoRows
}
func (f *fakeStore) ListComments(context.Context, string) ([]store.Comment, error) { return nil, nil }
func (f *fakeStore) UpdateCommentContent(ctx context.Context, issueID, commentID, content string) (bool, error) {
	if f.updateCommentFn != nil {
		return f.updateCommentFn(ctx, issueID, commentID, content)
	}
	return true, nil
}
func (f *fakeStore) DeleteComment(ctx context.Context, issueID, commentID string) (bool, error) {
	if f.deleteCommentFn != nil {
		return f.deleteCommentFn(ctx, issueID, commentID)
	}
	return true, nil
}

func (f *fakeStore) InsertAttachment(context.Context, store.Attachment) error { return nil }
func (f *fakeStore) ListAttachments(ctx context.Context, issueID string) ([]store.Attachment, error) {
	if f.listAttachmentsFn != nil {
		return f.listAttachmentsFn(ctx, issueID)
	}
	return nil, nil
}
func (f *fakeStore) ListProjectAttachments(context.Context, string) ([]store.Attachment, error) {
	return nil, nil
}

func (f *fakeStore) InsertMilestone(context.Context, store.Milestone) error { return nil }
func (f *fakeStore) GetMilestone(ctx context.Context, milestoneID string) (store.Milestone, error) {
	if f.getMilestoneFn != nil {
		return f.getMilestoneFn(ctx, milestoneID)
	}
	return store.Milestone{}, sql.ErrNoRows
}
func (f *fakeStore) ListMilestones(context.Context, string) ([]store.Milestone, error) {
	return nil, nil
}
func (f *fakeStore) UpdateMilestone(context.Context, string, *string, *string, *string, *time.Time) error {
	return nil
}
func (f *fakeStore) DeleteMilestone(context.Context, string) error { return nil }

func (f *fakeStore) SaveRefreshSession(context.Context, string, string, time.Time) error { return nil }
func (f *fakeStore) LookupRefreshSession(context.Context, string) (string, error) {
	return "", sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error         { return nil }
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(context.Context, string) (bool, error) { return false, nil }

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:      config.Config{JWTSecret: "test-secret", AccessTTL: time.Minute, RefreshTTL: time.Hour},
		store:    fs,
		sessions: fs,
		authpw:   authpw.NewService(fs),
	}
}

func memberSession(userID string) Session {
	return Session{UserID: userID, UserName: userID}
}

func adminSession(userID string) Session {
	return Session{UserID: userID, UserName: userID, SuperAdmin: true}
}

func projectWith(creator string, members ...store.Member) store.Project {
	return store.Project{ID: "prj_1", Name: "Apollo", CreatedBy: creator, Members: members}
}

func expectDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d/%s, got %d/%s", status, code, domainErr.Status, domainErr.Code)
	}
}

func TestCreateIssueRequiresMembership(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return projectWith("usr_owner", store.Member{UserID: "usr_dev", Role: "developer"}), nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateIssue(context.Background(), memberSession("usr_outsider"), "prj_1", CreateIssueInput{Title: "Crash on save"})
	expectDomainError(t, err, 403, "FORBIDDEN")
}

func TestCreateIssueForcesOpenStatusAndDefaults(t *testing.T) {
	var inserted store.Issue
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return projectWith("usr_owner", store.Member{UserID: "usr_dev", Role: "developer"}), nil
		},
		insertIssueFn: func(_ context.Context, issue store.Issue) error {
			inserted = issue
			return nil
		},
		getIssueFn: func(context.Context, string) (store.Issue, error) {
			return inserted, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateIssue(context.Background(), memberSession("usr_dev"), "prj_1", CreateIssueInput{Title: "Crash on save"})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if inserted.Status != store.StatusOpen {
		t.Fatalf("expected status %q, got %q", store.StatusOpen, inserted.Status)
	}
	if inserted.Priority != "Medium" || inserted.Type != "task" {
		t.Fatalf("expected default priority/type, got %q/%q", inserted.Priority, inserted.Type)
	}
	if inserted.Author != "usr_dev" {
		t.Fatalf("expected author usr_dev, got %q", inserted.Author)
	}
}

func TestCreateIssueRejectsNonMemberAssignee(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return projectWith("usr_owner", store.Member{UserID: "usr_dev", Role: "developer"}), nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateIssue(context.Background(), memberSession("usr_dev"), "prj_1", CreateIssueInput{
		Title:     "Crash on save",
		Assignees: []string{"usr_stranger"},
	})
	expectDomainError(t, err, 400, "VALIDATION_ERROR")
}

func TestCreateIssueRejectsBadEnums(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return projectWith("usr_owner"), nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateIssue(context.Background(), memberSession("usr_owner"), "prj_1", CreateIssueInput{Title: "x", Priority: "Urgent"})
	expectDomainError(t, err, 400, "VALIDATION_ERROR")

	_, err = svc.CreateIssue(context.Background(), memberSession("usr_owner"), "prj_1", CreateIssueInput{Title: "x", Type: "chore"})
	expectDomainError(t, err, 400, "VALIDATION_ERROR")
}

func TestUpdateIssueAppendsOneChangelogEntryPerUpdate(t *testing.T) {
	current := store.Issue{
		ID: "iss_1", ProjectID: "prj_1", Title: "Crash on save",
		Status: store.StatusOpen, Priority: "Medium", Type: "bug", Author: "usr_dev", Version: 1,
	}
	var entries []store.ChangelogEntry
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return projectWith("usr_owner", store.Member{UserID: "usr_dev", Role: "developer"}), nil
		},
		getIssueFn: func(context.Context, string) (store.Issue, error) { return current, nil },
		updateIssueVersionedFn: func(_ context.Context, issue store.Issue, expectedVersion int, entry store.ChangelogEntry) (bool, error) {
			if expectedVersion != current.Version {
				return false, nil
			}
			issue.Version = current.Version + 1
			current = issue
			entries = append(entries, entry)
			return true, nil
		},
	}
	svc := newTestService(fs)
	session := memberSession("usr_dev")

	status := store.StatusInProgress
	if _, err := svc.UpdateIssue(context.Background(), session, "iss_1", store.IssueUpdate{Status: &status}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	priority := "High"
	if _, err := svc.UpdateIssue(context.Background(), session, "iss_1", store.IssueUpdate{Priority: &priority}); err != nil {
		t.Fatalf("second update: %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("expected 2 changelog entries, got %d", len(entries))
	}
	first := entries[0]
	if len(first.Diff) != 1 {
		t.Fatalf("expected single-field diff, got %v", first.Diff)
	}
	change, ok := first.Diff["status"]
	if !ok {
		t.Fatalf("expected status in diff, got %v", first.Diff)
	}
	if change.Old != store.StatusOpen || change.New != store.StatusInProgress {
		t.Fatalf("unexpected status diff %+v", change)
	}
	if first.Actor != "usr_dev" {
		t.Fatalf("expected actor usr_dev, got %q", first.Actor)
	}
}

func TestUpdateIssueNoChangeWritesNothing(t *testing.T) {
	writes := 0
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return projectWith("usr_owner"), nil
		},
		getIssueFn: func(context.Context, string) (store.Issue, error) {
			return store.Issue{ID: "iss_1", ProjectID: "prj_1", Title: "Crash", Status: store.StatusOpen, Priority: "Medium", Type: "bug", Version: 3}, nil
		},
		updateIssueVersionedFn: func(context.Context, store.Issue, int, store.ChangelogEntry) (bool, error) {
			writes++
			return true, nil
		},
	}
	svc := newTestService(fs)

	sameStatus := store.StatusOpen
	if _, err := svc.UpdateIssue(context.Background(), memberSession("usr_owner"), "iss_1", store.IssueUpdate{Status: &sameStatus}); err != nil {
		t.Fatalf("no-op update: %v", err)
	}
	if writes != 0 {
		t.Fatalf("expected no versioned write for a no-op update, got %d", writes)
	}
}

func TestUpdateIssueRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	version := 1
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return projectWith("usr_owner"), nil
		},
		getIssueFn: func(context.Context, string) (store.Issue, error) {
			return store.Issue{ID: "iss_1", ProjectID: "prj_1", Title: "Crash", Status: store.StatusOpen, Priority: "Medium", Type: "bug", Version: version}, nil
		},
		updateIssueVersionedFn: func(context.Context, store.Issue, int, store.ChangelogEntry) (bool, error) {
			attempts++
			if attempts == 1 {
				version = 2 // another writer got in first
				return false, nil
			}
			return true, nil
		},
	}
	svc := newTestService(fs)

	status := store.StatusResolved
	if _, err := svc.UpdateIssue(context.Background(), memberSession("usr_owner"), "iss_1", store.IssueUpdate{Status: &status}); err != nil {
		t.Fatalf("update after retry: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestUpdateIssueConflictAfterExhaustedRetries(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return projectWith("usr_owner"), nil
		},
		getIssueFn: func(context.Context, string) (store.Issue, error) {
			return store.Issue{ID: "iss_1", ProjectID: "prj_1", Title: "Crash", Status: store.StatusOpen, Priority: "Medium", Type: "bug", Version: 1}, nil
		},
		updateIssueVersionedFn: func(context.Context, store.Issue, int, store.ChangelogEntry) (bool, error) {
			return false, nil
		},
	}
	svc := newTestService(fs)

	status := store.StatusClosed
	_, err := svc.UpdateIssue(context.Background(), memberSession("usr_owner"), "iss_1", store.IssueUpdate{Status: &status})
	expectDomainError(t, err, 400, "CONFLICT")
}

func TestDeleteIssueCreatorOnly(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return projectWith("usr_owner", store.Member{UserID: "usr_dev", Role: "developer"}), nil
		},
		getIssueFn: func(context.Context, string) (store.Issue, error) {
			return store.Issue{ID: "iss_1", ProjectID: "prj_1", Author: "usr_dev"}, nil
		},
	}
	svc := newTestService(fs)

	err := svc.DeleteIssue(context.Background(), memberSession("usr_dev"), "iss_1")
	expectDomainError(t, err, 403, "FORBIDDEN")

	if err := svc.DeleteIssue(context.Background(), memberSession("usr_owner"), "iss_1"); err != nil {
		t.Fatalf("creator delete: %v", err)
	}
	if err := svc.DeleteIssue(context.Background(), adminSession("usr_admin"), "iss_1"); err != nil {
		t.Fatalf("superadmin delete: %v", err)
	}
}

func TestAddMemberDuplicateIsConflict(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return projectWith("usr_owner"), nil
		},
		addMemberFn: func(context.Context, string, string, string) (bool, error) {
			return false, nil
		},
	}
	svc := newTestService(fs)

	err := svc.AddMember(context.Background(), adminSession("usr_admin"), "prj_1", "usr_dev", "developer")
	expectDomainError(t, err, 400, "CONFLICT")
}

func TestRemoveMemberIsIdempotent(t *testing.T) {
	removals := 0
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return projectWith("usr_owner"), nil
		},
		removeMemberFn: func(context.Context, string, string) error {
			removals++
			return nil
		},
	}
	svc := newTestService(fs)
	admin := adminSession("usr_admin")

	if err := svc.RemoveMember(context.Background(), admin, "prj_1", "usr_dev"); err != nil {
		t.Fatalf("first removal: %v", err)
	}
	if err := svc.RemoveMember(context.Background(), admin, "prj_1", "usr_dev"); err != nil {
		t.Fatalf("second removal should be a no-op success: %v", err)
	}
	if removals != 2 {
		t.Fatalf("expected 2 removal calls, got %d", removals)
	}
}

func TestMemberManagementRequiresSuperAdmin(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return projectWith("usr_owner", store.Member{UserID: "usr_dev", Role: "developer"}), nil
		},
	}
	svc := newTestService(fs)

	err := svc.AddMember(context.Background(), memberSession("usr_dev"), "prj_1", "usr_new", "member")
	expectDomainError(t, err, 403, "FORBIDDEN")

	err = svc.RemoveMember(context.Background(), memberSession("usr_owner"), "prj_1", "usr_dev")
	expectDomainError(t, err, 403, "FORBIDDEN")
}

func TestEditCommentIsAuthorOnlyEvenForSuperAdmin(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return projectWith("usr_owner", store.Member{UserID: "usr_dev", Role: "developer"}), nil
		},
		getIssueFn: func(context.Context, string) (store.Issue, error) {
			return store.Issue{ID: "iss_1", ProjectID: "prj_1"}, nil
		},
		getCommentFn: func(context.Context, string, string) (store.Comment, error) {
			return store.Comment{ID: "cmt_1", IssueID: "iss_1", Author: "usr_dev", Content: "original"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.EditComment(context.Background(), adminSession("usr_admin"), "iss_1", "cmt_1", "rewritten")
	expectDomainError(t, err, 403, "FORBIDDEN")

	if _, err := svc.EditComment(context.Background(), memberSession("usr_dev"), "iss_1", "cmt_1", "fixed typo"); err != nil {
		t.Fatalf("author edit: %v", err)
	}
}

func TestDeleteCommentAllowsAuthorAndSuperAdmin(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return projectWith("usr_owner", store.Member{UserID: "usr_dev", Role: "developer"}), nil
		},
		getIssueFn: func(context.Context, string) (store.Issue, error) {
			return store.Issue{ID: "iss_1", ProjectID: "prj_1"}, nil
		},
		getCommentFn: func(context.Context, string, string) (store.Comment, error) {
			return store.Comment{ID: "cmt_1", IssueID: "iss_1", Author: "usr_dev"}, nil
		},
	}
	svc := newTestService(fs)

	err := svc.DeleteComment(context.Background(), memberSession("usr_owner"), "iss_1", "cmt_1")
	expectDomainError(t, err, 403, "FORBIDDEN")

	if err := svc.DeleteComment(context.Background(), memberSession("usr_dev"), "iss_1", "cmt_1"); err != nil {
		t.Fatalf("author delete: %v", err)
	}
	if err := svc.DeleteComment(context.Background(), adminSession("usr_admin"), "iss_1", "cmt_1"); err != nil {
		t.Fatalf("superadmin delete: %v", err)
	}
}

func TestEditMissingCommentIsNotFoundBeforeForbidden(t *testing.T) {
	fs := &fakeStore{
		getProjectFn: func(context.Context, string) (store.Project, error) {
			return projectWith("usr_owner"), nil
		},
		getIssueFn: func(context.Context, string) (store.Issue, error) {
			return store.Issue{ID: "iss_1", ProjectID: "prj_1"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.EditComment(context.Background(), memberSession("usr_outsider"), "iss_1", "cmt_missing", "hi")
	expectDomainError(t, err, 404, "NOT_FOUND")
}

func TestUpdateUserIgnoresSuperAdminFlagFromNonAdmin(t *testing.T) {
	var seenFlag *bool
	fs := &fakeStore{
		updateUserProfileFn: func(_ context.Context, userID string, name, email *string, isSuperAdmin *bool) (store.User, error) {
			seenFlag = isSuperAdmin
			return store.User{ID: userID}, nil
		},
	}
	svc := newTestService(fs)

	grant := true
	if _, err := svc.UpdateUser(context.Background(), memberSession("usr_self"), "usr_self", nil, nil, &grant); err != nil {
		t.Fatalf("self update: %v", err)
	}
	if seenFlag != nil {
		t.Fatalf("expected superadmin flag to be dropped for non-admin, got %v", *seenFlag)
	}
}

func TestCreateProjectValidatesMembers(t *testing.T) {
	fs := &fakeStore{
		usersExistFn: func(context.Context, []string) (bool, error) { return false, nil },
	}
	svc := newTestService(fs)

	_, err := svc.CreateProject(context.Background(), adminSession("usr_admin"), "Apollo", "", []MemberInput{{UserID: "usr_ghost", Role: "member"}})
	expectDomainError(t, err, 400, "VALIDATION_ERROR")

	_, err = svc.CreateProject(context.Background(), adminSession("usr_admin"), "Apollo", "", []MemberInput{{UserID: "usr_dev", Role: "owner"}})
	expectDomainError(t, err, 400, "VALIDATION_ERROR")

	_, err = svc.CreateProject(context.Background(), memberSession("usr_dev"), "Apollo", "", nil)
	expectDomainError(t, err, 403, "FORBIDDEN")
}

func TestProjectLookupPrecedesAuthorization(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.GetProject(context.Background(), memberSession("usr_outsider"), "prj_missing")
	expectDomainError(t, err, 404, "NOT_FOUND")
}

func TestRegisterDuplicateEmailIsConflict(t *testing.T) {
	fs := &fakeStore{
		getUserByEmailFn: func(context.Context, string) (store.User, error) {
			return store.User{ID: "usr_existing"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.Register(context.Background(), "dev@example.com", "hunter2hunter2", "Dev")
	expectDomainError(t, err, 400, "CONFLICT")
}

func TestRegisterStorageFailureIsServerError(t *testing.T) {
	fs := &fakeStore{
		createUserFn: func(context.Context, store.User) error {
			return errors.New("disk failure")
		},
	}
	svc := newTestService(fs)

	_, err := svc.Register(context.Background(), "dev@example.com", "hunter2hunter2", "Dev")
	if err == nil {
		t.Fatal("expected error from failing store")
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		t.Fatalf("storage failure must not be downgraded to a domain error, got %d/%s", domainErr.Status, domainErr.Code)
	}
	status, code, _, _ := mapError(err)
	if status != 500 || code != "SERVER_ERROR" {
		t.Fatalf("expected 500/SERVER_ERROR, got %d/%s", status, code)
	}
}

func TestRegisterShortPasswordIsValidationError(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.Register(context.Background(), "dev@example.com", "short", "Dev")
	expectDomainError(t, err, 400, "VALIDATION_ERROR")
}

func TestUpdateUserDuplicateEmailIsConflict(t *testing.T) {
	fs := &fakeStore{
		updateUserProfileFn: func(context.Context, string, *string, *string, *bool) (store.User, error) {
			return store.User{}, store.ErrDuplicateEmail
		},
	}
	svc := newTestService(fs)

	email := "taken@example.com"
	_, err := svc.UpdateUser(context.Background(), memberSession("usr_self"), "usr_self", nil, &email, nil)
	expectDomainError(t, err, 400, "CONFLICT")
}
