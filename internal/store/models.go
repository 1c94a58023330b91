package store

import "time"

type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	IsSuperAdmin bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ProjectRole is one row of a user's derived membership view: which
// projects they belong to and with what role. It is computed from
// project_members, never stored on the user.
type ProjectRole struct {
	ProjectID   string
	ProjectName string
	Role        string
}

type Member struct {
	UserID string
	Role   string
	// Joined fields for API responses
	UserEmail string
	UserName  string
}

type Project struct {
	ID          string
	Name        string
	Description string
	CreatedBy   string
	Members     []Member
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// Derived counts for listings
	IssueCount     int
	MilestoneCount int
}

const (
	StatusOpen       = "Open"
	StatusInProgress = "In Progress"
	StatusResolved   = "Resolved"
	StatusClosed     = "Closed"
)

type Issue struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Status      string
	Priority    string
	Type        string
	Author      string
	MilestoneID *string
	Labels      []string
	Assignees   []string
	DueDate     *time.Time
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Comment struct {
	ID        string
	IssueID   string
	Author    string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
	// Joined field for API responses
	AuthorName string
}

// FieldChange records one field's old and new value inside a changelog
// entry's diff.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

type ChangelogEntry struct {
	ID        int64
	IssueID   string
	Actor     string
	Action    string
	Diff      map[string]FieldChange
	CreatedAt time.Time
}

type Attachment struct {
	ID        string
	IssueID   string
	FileName  string
	ObjectKey string
	Size      int64
	CreatedAt time.Time
}

type Milestone struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Status      string
	DueDate     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IssueFilter narrows ListIssues. Empty fields match everything.
type IssueFilter struct {
	Status   string
	Priority string
	Type     string
	Assignee string
}

// IssueUpdate carries the mutable issue fields; nil means "leave as is".
// Project and author are immutable and have no place here.
type IssueUpdate struct {
	Title          *string
	Description    *string
	Status         *string
	Priority       *string
	Type           *string
	Labels         *[]string
	Assignees      *[]string
	MilestoneID    *string
	ClearMilestone bool
	DueDate        *time.Time
	ClearDueDate   bool
}
