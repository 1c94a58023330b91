package app

import (
	"time"

	"tracker/api/internal/store"
)

// Response shapes. Maps keep the handlers thin; every entity goes
// through exactly one builder so field names stay consistent.

func userPayload(user store.User, roles []store.ProjectRole) map[string]any {
	payload := map[string]any{
		"id":           user.ID,
		"email":        user.Email,
		"name":         user.Name,
		"isSuperAdmin": user.IsSuperAdmin,
		"createdAt":    user.CreatedAt.Format(time.RFC3339),
	}
	if roles != nil {
		items := make([]map[string]any, 0, len(roles))
		for _, r := range roles {
			items = append(items, map[string]any{
				"projectId":   r.ProjectID,
				"projectName": r.ProjectName,
				"role":        r.Role,
			})
		}
		payload["projects"] = items
	}
	return payload
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"expiresAt":    session.ExpiresAt.Format(time.RFC3339),
		"user": map[string]any{
			"id":           session.UserID,
			"name":         session.UserName,
			"isSuperAdmin": session.SuperAdmin,
		},
	}
}

func projectPayload(project store.Project) map[string]any {
	members := make([]map[string]any, 0, len(project.Members))
	for _, m := range project.Members {
		members = append(members, memberPayload(m))
	}
	return map[string]any{
		"id":             project.ID,
		"name":           project.Name,
		"description":    project.Description,
		"createdBy":      project.CreatedBy,
		"members":        members,
		"issueCount":     project.IssueCount,
		"milestoneCount": project.MilestoneCount,
		"createdAt":      project.CreatedAt.Format(time.RFC3339),
		"updatedAt":      project.UpdatedAt.Format(time.RFC3339),
	}
}

func projectPayloads(projects []store.Project) []map[string]any {
	items := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		items = append(items, projectPayload(p))
	}
	return items
}

func memberPayload(member store.Member) map[string]any {
	return map[string]any{
		"userId": member.UserID,
		"role":   member.Role,
		"email":  member.UserEmail,
		"name":   member.UserName,
	}
}

func issuePayload(issue store.Issue) map[string]any {
	labels := issue.Labels
	if labels == nil {
		labels = []string{}
	}
	assignees := issue.Assignees
	if assignees == nil {
		assignees = []string{}
	}
	payload := map[string]any{
		"id":          issue.ID,
		"projectId":   issue.ProjectID,
		"title":       issue.Title,
		"description": issue.Description,
		"status":      issue.Status,
		"priority":    issue.Priority,
		"type":        issue.Type,
		"author":      issue.Author,
		"labels":      labels,
		"assignees":   assignees,
		"version":     issue.Version,
		"createdAt":   issue.CreatedAt.Format(time.RFC3339),
		"updatedAt":   issue.UpdatedAt.Format(time.RFC3339),
	}
	if issue.MilestoneID != nil {
		payload["milestoneId"] = *issue.MilestoneID
	}
	if issue.DueDate != nil {
		payload["dueDate"] = issue.DueDate.Format(time.RFC3339)
	}
	return payload
}

func commentPayload(comment store.Comment) map[string]any {
	return map[string]any{
		"id":         comment.ID,
		"issueId":    comment.IssueID,
		"author":     comment.Author,
		"authorName": comment.AuthorName,
		"content":    comment.Content,
		"createdAt":  comment.CreatedAt.Format(time.RFC3339),
		"updatedAt":  comment.UpdatedAt.Format(time.RFC3339),
	}
}

func changelogPayload(entry store.ChangelogEntry) map[string]any {
	diff := entry.Diff
	if diff == nil {
		diff = map[string]store.FieldChange{}
	}
	return map[string]any{
		"id":        entry.ID,
		"issueId":   entry.IssueID,
		"actor":     entry.Actor,
		"action":    entry.Action,
		"diff":      diff,
		"createdAt": entry.CreatedAt.Format(time.RFC3339),
	}
}

func milestonePayload(milestone store.Milestone) map[string]any {
	payload := map[string]any{
		"id":          milestone.ID,
		"projectId":   milestone.ProjectID,
		"title":       milestone.Title,
		"description": milestone.Description,
		"status":      milestone.Status,
		"createdAt":   milestone.CreatedAt.Format(time.RFC3339),
		"updatedAt":   milestone.UpdatedAt.Format(time.RFC3339),
	}
	if milestone.DueDate != nil {
		payload["dueDate"] = milestone.DueDate.Format(time.RFC3339)
	}
	return payload
}

func attachmentPayload(attachment store.Attachment) map[string]any {
	return map[string]any{
		"id":        attachment.ID,
		"issueId":   attachment.IssueID,
		"fileName":  attachment.FileName,
		"objectKey": attachment.ObjectKey,
		"size":      attachment.Size,
		"createdAt": attachment.CreatedAt.Format(time.RFC3339),
	}
}
