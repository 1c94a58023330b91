package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateEmail reports a unique violation on users.email.
var ErrDuplicateEmail = errors.New("email already in use")

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash, is_superadmin)
		VALUES ($1, LOWER($2), $3, $4, $5)
	`, user.ID, user.Email, user.Name, user.PasswordHash, user.IsSuperAdmin)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, is_superadmin, created_at, updated_at
		FROM users
		WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.IsSuperAdmin, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, is_superadmin, created_at, updated_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.IsSuperAdmin, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, name, is_superadmin, created_at, updated_at
		FROM users
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Email, &user.Name, &user.IsSuperAdmin, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

// UpdateUserProfile applies the present fields only. nil leaves a field
// untouched.
func (s *PostgresStore) UpdateUserProfile(ctx context.Context, userID string, name, email *string, isSuperAdmin *bool) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET name = COALESCE($2, name),
		    email = COALESCE(LOWER($3), email),
		    is_superadmin = COALESCE($4, is_superadmin),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id, email, name, password_hash, is_superadmin, created_at, updated_at
	`, userID, name, email, isSuperAdmin).Scan(&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.IsSuperAdmin, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrDuplicateEmail
		}
		return User{}, err
	}
	return user, nil
}

// DeleteUser removes the user. Membership rows, assignee rows, and
// refresh sessions go with it via FK cascade, so no project retains a
// dangling member entry; authored issues, comments, and created
// projects are kept with the author id as an audit value.
func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListProjectRolesForUser is the derived reverse membership index.
func (s *PostgresStore) ListProjectRolesForUser(ctx context.Context, userID string) ([]ProjectRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pm.project_id, p.name, pm.role
		FROM project_members pm
		JOIN projects p ON p.id = pm.project_id
		WHERE pm.user_id = $1
		ORDER BY pm.added_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list project roles: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectRole, 0)
	for rows.Next() {
		var item ProjectRole
		if err := rows.Scan(&item.ProjectID, &item.ProjectName, &item.Role); err != nil {
			return nil, fmt.Errorf("scan project role: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project roles: %w", err)
	}
	return items, nil
}

// ---- projects ----

const projectColumns = `
	p.id, p.name, p.description, p.created_by, p.created_at, p.updated_at,
	(SELECT COUNT(*) FROM issues i WHERE i.project_id = p.id),
	(SELECT COUNT(*) FROM milestones m WHERE m.project_id = p.id)
`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var item Project
	err := row.Scan(
		&item.ID,
		&item.Name,
		&item.Description,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.IssueCount,
		&item.MilestoneCount,
	)
	return item, err
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects p ORDER BY p.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	return s.collectProjects(ctx, rows)
}

func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects p
		WHERE p.created_by = $1
		   OR EXISTS (SELECT 1 FROM project_members pm WHERE pm.project_id = p.id AND pm.user_id = $1)
		ORDER BY p.created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects for user: %w", err)
	}
	defer rows.Close()
	return s.collectProjects(ctx, rows)
}

func (s *PostgresStore) collectProjects(ctx context.Context, rows *sql.Rows) ([]Project, error) {
	items := make([]Project, 0)
	for rows.Next() {
		item, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	for i := range items {
		members, err := s.ListMembers(ctx, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].Members = members
	}
	return items, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	item, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects p WHERE p.id = $1`, projectID))
	if err != nil {
		return Project{}, err
	}
	members, err := s.ListMembers(ctx, projectID)
	if err != nil {
		return Project{}, err
	}
	item.Members = members
	return item, nil
}

// InsertProject writes the project and its initial member list in one
// transaction.
func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert project: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, created_by)
		VALUES ($1, $2, $3, $4)
	`, project.ID, project.Name, project.Description, project.CreatedBy); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}

	for _, member := range project.Members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project_members (project_id, user_id, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role
		`, project.ID, member.UserID, member.Role); err != nil {
			return fmt.Errorf("insert project member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProjectInfo(ctx context.Context, projectID string, name, description *string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET name = COALESCE($2, name),
		    description = COALESCE($3, description),
		    updated_at = NOW()
		WHERE id = $1
	`, projectID, name, description)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update project rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteProject removes the project row; issues, comments, changelog,
// attachment rows, milestones and membership all follow via FK cascade.
// Callers remove attachment blobs first.
func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete project rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- membership ----

func (s *PostgresStore) ListMembers(ctx context.Context, projectID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pm.user_id, pm.role, u.email, u.name
		FROM project_members pm
		JOIN users u ON u.id = pm.user_id
		WHERE pm.project_id = $1
		ORDER BY pm.added_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Member, 0)
	for rows.Next() {
		var item Member
		if err := rows.Scan(&item.UserID, &item.Role, &item.UserEmail, &item.UserName); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

// AddMember appends one member atomically. The conditional insert means
// two concurrent additions of different users never drop each other, and
// a duplicate addition reports inserted=false instead of racing.
func (s *PostgresStore) AddMember(ctx context.Context, projectID, userID, role string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO NOTHING
	`, projectID, userID, role)
	if err != nil {
		return false, fmt.Errorf("add member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add member rows: %w", err)
	}
	return affected > 0, nil
}

// RemoveMember deletes the membership row if present. Removing a
// non-member is a no-op success.
func (s *PostgresStore) RemoveMember(ctx context.Context, projectID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM project_members WHERE project_id=$1 AND user_id=$2
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

// ReplaceMembers swaps the whole member list in one transaction so no
// reader observes a half-replaced list.
func (s *PostgresStore) ReplaceMembers(ctx context.Context, projectID string, members []Member) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace members: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM project_members WHERE project_id=$1`, projectID); err != nil {
		return fmt.Errorf("clear members: %w", err)
	}
	for _, member := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project_members (project_id, user_id, role)
			VALUES ($1, $2, $3)
		`, projectID, member.UserID, member.Role); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace members: %w", err)
	}
	return nil
}

// UsersExist reports whether every id resolves to a user row.
func (s *PostgresStore) UsersExist(ctx context.Context, userIDs []string) (bool, error) {
	if len(userIDs) == 0 {
		return true, nil
	}
	encoded, err := json.Marshal(userIDs)
	if err != nil {
		return false, fmt.Errorf("encode user ids: %w", err)
	}
	var count int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM users
		WHERE id IN (SELECT value FROM jsonb_array_elements_text($1::jsonb))
	`, string(encoded)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check users exist: %w", err)
	}
	return count == len(uniqueStrings(userIDs)), nil
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ---- issues ----

const issueColumns = `
	id, project_id, title, description, status, priority, type, author,
	milestone_id, labels, due_date, version, created_at, updated_at
`

func scanIssue(row interface{ Scan(...any) error }) (Issue, error) {
	var item Issue
	var labels []byte
	err := row.Scan(
		&item.ID,
		&item.ProjectID,
		&item.Title,
		&item.Description,
		&item.Status,
		&item.Priority,
		&item.Type,
		&item.Author,
		&item.MilestoneID,
		&labels,
		&item.DueDate,
		&item.Version,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Issue{}, err
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &item.Labels); err != nil {
			return Issue{}, fmt.Errorf("decode labels: %w", err)
		}
	}
	if item.Labels == nil {
		item.Labels = []string{}
	}
	return item, nil
}

func (s *PostgresStore) InsertIssue(ctx context.Context, issue Issue) error {
	labels, err := json.Marshal(issue.Labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert issue: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO issues (id, project_id, title, description, status, priority, type, author, milestone_id, labels, due_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)
	`, issue.ID, issue.ProjectID, issue.Title, issue.Description, issue.Status, issue.Priority, issue.Type, issue.Author, issue.MilestoneID, string(labels), issue.DueDate); err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}

	for _, assignee := range uniqueStrings(issue.Assignees) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO issue_assignees (issue_id, user_id) VALUES ($1, $2)
		`, issue.ID, assignee); err != nil {
			return fmt.Errorf("insert assignee: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert issue: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	item, err := scanIssue(s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=$1`, issueID))
	if err != nil {
		return Issue{}, err
	}
	assignees, err := s.listAssignees(ctx, issueID)
	if err != nil {
		return Issue{}, err
	}
	item.Assignees = assignees
	return item, nil
}

func (s *PostgresStore) listAssignees(ctx context.Context, issueID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM issue_assignees WHERE issue_id=$1 ORDER BY user_id ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list assignees: %w", err)
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan assignee: %w", err)
		}
		items = append(items, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignees: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListIssues(ctx context.Context, projectID string, filter IssueFilter) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+`
		FROM issues
		WHERE project_id = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR priority = $3)
		  AND ($4 = '' OR type = $4)
		  AND ($5 = '' OR EXISTS (SELECT 1 FROM issue_assignees ia WHERE ia.issue_id = issues.id AND ia.user_id = $5))
		ORDER BY created_at DESC
	`, projectID, filter.Status, filter.Priority, filter.Type, filter.Assignee)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		item, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	for i := range items {
		assignees, err := s.listAssignees(ctx, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].Assignees = assignees
	}
	return items, nil
}

// UpdateIssueVersioned writes the full new issue state plus one changelog
// entry, guarded by a version check. Returns false when another writer
// got there first; callers re-read and retry.
func (s *PostgresStore) UpdateIssueVersioned(ctx context.Context, issue Issue, expectedVersion int, entry ChangelogEntry) (bool, error) {
	labels, err := json.Marshal(issue.Labels)
	if err != nil {
		return false, fmt.Errorf("encode labels: %w", err)
	}
	diff, err := json.Marshal(entry.Diff)
	if err != nil {
		return false, fmt.Errorf("encode diff: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin update issue: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE issues
		SET title=$3, description=$4, status=$5, priority=$6, type=$7,
		    milestone_id=$8, labels=$9::jsonb, due_date=$10,
		    version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
	`, issue.ID, expectedVersion, issue.Title, issue.Description, issue.Status, issue.Priority, issue.Type, issue.MilestoneID, string(labels), issue.DueDate)
	if err != nil {
		return false, fmt.Errorf("update issue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update issue rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM issue_assignees WHERE issue_id=$1`, issue.ID); err != nil {
		return false, fmt.Errorf("clear assignees: %w", err)
	}
	for _, assignee := range uniqueStrings(issue.Assignees) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO issue_assignees (issue_id, user_id) VALUES ($1, $2)
		`, issue.ID, assignee); err != nil {
			return false, fmt.Errorf("insert assignee: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO issue_changelog (issue_id, actor, action, diff)
		VALUES ($1, $2, $3, $4::jsonb)
	`, issue.ID, entry.Actor, entry.Action, string(diff)); err != nil {
		return false, fmt.Errorf("append changelog: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit update issue: %w", err)
	}
	return true, nil
}

// DeleteIssue removes the issue row; comments, changelog and attachment
// rows cascade. Callers remove attachment blobs first.
func (s *PostgresStore) DeleteIssue(ctx context.Context, issueID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM issues WHERE id=$1`, issueID)
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete issue rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListChangelog(ctx context.Context, issueID string) ([]ChangelogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, actor, action, diff, created_at
		FROM issue_changelog
		WHERE issue_id=$1
		ORDER BY id ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list changelog: %w", err)
	}
	defer rows.Close()

	items := make([]ChangelogEntry, 0)
	for rows.Next() {
		var item ChangelogEntry
		var diff []byte
		if err := rows.Scan(&item.ID, &item.IssueID, &item.Actor, &item.Action, &diff, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan changelog entry: %w", err)
		}
		if len(diff) > 0 {
			if err := json.Unmarshal(diff, &item.Diff); err != nil {
				return nil, fmt.Errorf("decode diff: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changelog: %w", err)
	}
	return items, nil
}

// ---- comments ----

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issue_comments (id, issue_id, author, content)
		VALUES ($1, $2, $3, $4)
	`, comment.ID, comment.IssueID, comment.Author, comment.Content)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, issueID, commentID string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.issue_id, c.author, c.content, c.created_at, c.updated_at, COALESCE(u.name, '')
		FROM issue_comments c
		LEFT JOIN users u ON u.id = c.author
		WHERE c.issue_id=$1 AND c.id=$2
	`, issueID, commentID).Scan(&item.ID, &item.IssueID, &item.Author, &item.Content, &item.CreatedAt, &item.UpdatedAt, &item.AuthorName)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, issueID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.issue_id, c.author, c.content, c.created_at, c.updated_at, COALESCE(u.name, '')
		FROM issue_comments c
		LEFT JOIN users u ON u.id = c.author
		WHERE c.issue_id=$1
		ORDER BY c.created_at ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.IssueID, &item.Author, &item.Content, &item.CreatedAt, &item.UpdatedAt, &item.AuthorName); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateCommentContent(ctx context.Context, issueID, commentID, content string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE issue_comments SET content=$3, updated_at=NOW()
		WHERE issue_id=$1 AND id=$2
	`, issueID, commentID, content)
	if err != nil {
		return false, fmt.Errorf("update comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update comment rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, issueID, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM issue_comments WHERE issue_id=$1 AND id=$2
	`, issueID, commentID)
	if err != nil {
		return false, fmt.Errorf("delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete comment rows: %w", err)
	}
	return affected > 0, nil
}

// ---- attachments ----

func (s *PostgresStore) InsertAttachment(ctx context.Context, attachment Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issue_attachments (id, issue_id, file_name, object_key, size_bytes)
		VALUES ($1, $2, $3, $4, $5)
	`, attachment.ID, attachment.IssueID, attachment.FileName, attachment.ObjectKey, attachment.Size)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, issueID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, file_name, object_key, size_bytes, created_at
		FROM issue_attachments
		WHERE issue_id=$1
		ORDER BY created_at ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()
	return collectAttachments(rows)
}

// ListProjectAttachments returns every attachment under a project, used
// for blob cleanup before a project cascade delete.
func (s *PostgresStore) ListProjectAttachments(ctx context.Context, projectID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.issue_id, a.file_name, a.object_key, a.size_bytes, a.created_at
		FROM issue_attachments a
		JOIN issues i ON i.id = a.issue_id
		WHERE i.project_id=$1
		ORDER BY a.created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project attachments: %w", err)
	}
	defer rows.Close()
	return collectAttachments(rows)
}

func collectAttachments(rows *sql.Rows) ([]Attachment, error) {
	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.ID, &item.IssueID, &item.FileName, &item.ObjectKey, &item.Size, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

// ---- milestones ----

func (s *PostgresStore) InsertMilestone(ctx context.Context, milestone Milestone) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO milestones (id, project_id, title, description, status, due_date)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, milestone.ID, milestone.ProjectID, milestone.Title, milestone.Description, milestone.Status, milestone.DueDate)
	if err != nil {
		return fmt.Errorf("insert milestone: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMilestone(ctx context.Context, milestoneID string) (Milestone, error) {
	var item Milestone
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, description, status, due_date, created_at, updated_at
		FROM milestones
		WHERE id=$1
	`, milestoneID).Scan(&item.ID, &item.ProjectID, &item.Title, &item.Description, &item.Status, &item.DueDate, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Milestone{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListMilestones(ctx context.Context, projectID string) ([]Milestone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, description, status, due_date, created_at, updated_at
		FROM milestones
		WHERE project_id=$1
		ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()

	items := make([]Milestone, 0)
	for rows.Next() {
		var item Milestone
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Title, &item.Description, &item.Status, &item.DueDate, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate milestones: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateMilestone(ctx context.Context, milestoneID string, title, description, status *string, dueDate *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE milestones
		SET title = COALESCE($2, title),
		    description = COALESCE($3, description),
		    status = COALESCE($4, status),
		    due_date = COALESCE($5, due_date),
		    updated_at = NOW()
		WHERE id = $1
	`, milestoneID, title, description, status, dueDate)
	if err != nil {
		return fmt.Errorf("update milestone: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update milestone rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteMilestone(ctx context.Context, milestoneID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM milestones WHERE id=$1`, milestoneID)
	if err != nil {
		return fmt.Errorf("delete milestone: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete milestone rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- sessions ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession resolves an unexpired, unrevoked token hash to
// the owning user id.
func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	const query = `
		SELECT user_id
		FROM refresh_sessions
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`
	var userID string
	if err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&userID); err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

