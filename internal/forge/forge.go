// Package forge normalizes the differences between the two supported forges
// (GitHub and GitLab) behind a single capability set. All Git operations are
// delegated to the forge REST surface; the core never shells out to git.
package forge

import (
	"context"
	"time"

	"github.com/forgepilot/forgepilot/internal/task"
)

// CommentKind distinguishes review-thread comments from discussion-timeline
// comments.
type CommentKind string

const (
	CommentKindInlineReview CommentKind = "inline_review"
	CommentKindIssue        CommentKind = "issue_comment"
)

// Comment is a normalized forge comment. IDs are strings so the two platforms
// share one representation.
type Comment struct {
	ID        string      `json:"id"`
	Author    string      `json:"author"`
	Body      string      `json:"body"`
	CreatedAt time.Time   `json:"created_at"`
	Kind      CommentKind `json:"kind"`
}

// Item is a raw labelled work item as returned by a forge listing or lookup.
type Item struct {
	Key       task.Key  `json:"key"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Labels    []string  `json:"labels"`
	Author    string    `json:"author"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// RepoRef identifies a repository on either forge. GitHub uses Owner/Name,
// GitLab uses ProjectID.
type RepoRef struct {
	Owner     string `json:"owner,omitempty"`
	Name      string `json:"name,omitempty"`
	ProjectID int    `json:"project_id,omitempty"`
}

// ChangeRequest is the result of opening a change request (PR or MR).
type ChangeRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// CRUpdate carries the optional fields of an update_change_request call. Nil
// or empty fields are left untouched.
type CRUpdate struct {
	Body      *string
	Labels    []string
	Assignees []string
}

// Forge is the capability set both adapters implement. Transport failures
// surface as retriable errors; every call is bounded by the adapter's request
// timeout.
type Forge interface {
	Name() string

	ListItemsWithLabel(ctx context.Context, label, state string) ([]Item, error)
	GetItem(ctx context.Context, key task.Key) (Item, error)

	// GetComments merges review-thread and discussion-timeline comments,
	// sorted by creation time ascending.
	GetComments(ctx context.Context, key task.Key) ([]Comment, error)
	Comment(ctx context.Context, key task.Key, body string) error

	SetLabels(ctx context.Context, key task.Key, names []string) error
	AddLabel(ctx context.Context, key task.Key, name string) error
	RemoveLabel(ctx context.Context, key task.Key, name string) error

	ListBranches(ctx context.Context, repo RepoRef) ([]string, error)
	CreateBranch(ctx context.Context, repo RepoRef, name, fromRef string) error

	// CreateSeedCommit makes the branch non-empty: a .gitkeep marker commit on
	// GitHub (no empty-commit API) and an empty-actions commit on GitLab.
	CreateSeedCommit(ctx context.Context, repo RepoRef, branch, message string) error

	OpenChangeRequest(ctx context.Context, repo RepoRef, head, base, title, body string, draft bool) (ChangeRequest, error)
	UpdateChangeRequest(ctx context.Context, key task.Key, update CRUpdate) error
	DeleteBranch(ctx context.Context, repo RepoRef, name string) error

	// ResolveUserID maps a username to a numeric user ID. Only GitLab needs
	// this (assignment is by ID); the GitHub adapter returns an error.
	ResolveUserID(ctx context.Context, username string) (int, error)
}

// DefaultRequestTimeout bounds every forge REST call.
const DefaultRequestTimeout = 30 * time.Second
