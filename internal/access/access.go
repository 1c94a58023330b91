// Package access decides whether an actor may perform an action on a
// project or one of its issues. It is a pure function over a membership
// snapshot; callers resolve entity existence before asking.
package access

type Action string

const (
	ActionViewProject   Action = "view-project"
	ActionViewIssues    Action = "view-issues"
	ActionCreateIssue   Action = "create-issue"
	ActionMutateIssue   Action = "mutate-issue"
	ActionDeleteIssue   Action = "delete-issue"
	ActionComment       Action = "comment"
	ActionEditComment   Action = "edit-comment"
	ActionDeleteComment Action = "delete-comment"
	ActionMutateProject Action = "mutate-project"
)

const (
	ReasonOK                 = "OK"
	ReasonSuperAdmin         = "SUPERADMIN"
	ReasonNotMember          = "NOT_A_MEMBER"
	ReasonSuperAdminRequired = "SUPERADMIN_REQUIRED"
	ReasonOwnerRequired      = "PROJECT_OWNER_REQUIRED"
	ReasonAuthorRequired     = "COMMENT_AUTHOR_REQUIRED"
	ReasonUnknownAction      = "UNKNOWN_ACTION"
)

type Actor struct {
	ID         string
	SuperAdmin bool
}

// ProjectSnapshot is the membership view the evaluator works against.
type ProjectSnapshot struct {
	CreatorID string
	Roles     map[string]string // user id -> role
}

// Target identifies what the action applies to. CommentAuthorID is only
// consulted for comment actions.
type Target struct {
	Project         ProjectSnapshot
	CommentAuthorID string
}

type Decision struct {
	Allowed bool
	Reason  string
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

// Evaluate applies the authorization rules in priority order. Editing a
// comment is author-only even for a superadmin; deleting one is open to
// the author and to superadmins (moderation).
func Evaluate(actor Actor, action Action, target Target) Decision {
	switch action {
	case ActionEditComment:
		if actor.ID == target.CommentAuthorID {
			return allow(ReasonOK)
		}
		return deny(ReasonAuthorRequired)
	case ActionDeleteComment:
		if actor.ID == target.CommentAuthorID {
			return allow(ReasonOK)
		}
		if actor.SuperAdmin {
			return allow(ReasonSuperAdmin)
		}
		return deny(ReasonAuthorRequired)
	}

	if actor.SuperAdmin {
		return allow(ReasonSuperAdmin)
	}

	switch action {
	case ActionViewProject, ActionViewIssues, ActionCreateIssue, ActionMutateIssue, ActionComment:
		if isParticipant(actor.ID, target.Project) {
			return allow(ReasonOK)
		}
		return deny(ReasonNotMember)
	case ActionDeleteIssue:
		if actor.ID == target.Project.CreatorID {
			return allow(ReasonOK)
		}
		return deny(ReasonOwnerRequired)
	case ActionMutateProject:
		return deny(ReasonSuperAdminRequired)
	}
	return deny(ReasonUnknownAction)
}

func isParticipant(userID string, project ProjectSnapshot) bool {
	if userID == project.CreatorID {
		return true
	}
	_, ok := project.Roles[userID]
	return ok
}

// ValidRole reports whether role is one of the project roles.
func ValidRole(role string) bool {
	switch role {
	case "member", "developer", "tester":
		return true
	}
	return false
}
