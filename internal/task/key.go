// Package task defines the canonical identity and queue representation of a
// unit of work.
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Platform identifies the forge a work item lives on.
type Platform string

const (
	PlatformGitHub Platform = "github"
	PlatformGitLab Platform = "gitlab"
)

// Kind distinguishes issues from change requests (PRs on GitHub, MRs on GitLab).
type Kind string

const (
	KindIssue         Kind = "issue"
	KindChangeRequest Kind = "change_request"
)

// Key uniquely identifies a work item. It is stable across retries and across
// the webhook and polling ingress paths, and is used as the dedup handle in
// queue messages. GitHub items are addressed by owner/repo/number, GitLab
// items by project ID and IID; the two coordinate sets never mix.
type Key struct {
	Platform Platform `json:"platform"`
	Kind     Kind     `json:"kind"`

	// GitHub coordinates
	Owner  string `json:"owner,omitempty"`
	Repo   string `json:"repo,omitempty"`
	Number int    `json:"number,omitempty"`

	// GitLab coordinates
	ProjectID int `json:"project_id,omitempty"`
	IID       int `json:"iid,omitempty"`
}

// GitHubIssue returns the key for a GitHub issue.
func GitHubIssue(owner, repo string, number int) Key {
	return Key{Platform: PlatformGitHub, Kind: KindIssue, Owner: owner, Repo: repo, Number: number}
}

// GitHubPullRequest returns the key for a GitHub pull request.
func GitHubPullRequest(owner, repo string, number int) Key {
	return Key{Platform: PlatformGitHub, Kind: KindChangeRequest, Owner: owner, Repo: repo, Number: number}
}

// GitLabIssue returns the key for a GitLab issue.
func GitLabIssue(projectID, iid int) Key {
	return Key{Platform: PlatformGitLab, Kind: KindIssue, ProjectID: projectID, IID: iid}
}

// GitLabMergeRequest returns the key for a GitLab merge request.
func GitLabMergeRequest(projectID, iid int) Key {
	return Key{Platform: PlatformGitLab, Kind: KindChangeRequest, ProjectID: projectID, IID: iid}
}

// Validate checks that the key carries the coordinate set its platform requires.
func (k Key) Validate() error {
	switch k.Platform {
	case PlatformGitHub:
		if k.Owner == "" || k.Repo == "" || k.Number <= 0 {
			return fmt.Errorf("invalid github key: %+v", k)
		}
	case PlatformGitLab:
		if k.ProjectID <= 0 || k.IID <= 0 {
			return fmt.Errorf("invalid gitlab key: %+v", k)
		}
	default:
		return fmt.Errorf("unknown platform: %q", k.Platform)
	}
	if k.Kind != KindIssue && k.Kind != KindChangeRequest {
		return fmt.Errorf("unknown kind: %q", k.Kind)
	}
	return nil
}

// String renders a stable human-readable form, e.g. "github/issue/octo/repo#7"
// or "gitlab/change_request/42!3". Also used as the checkpoint file key.
func (k Key) String() string {
	switch k.Platform {
	case PlatformGitLab:
		sep := "#"
		if k.Kind == KindChangeRequest {
			sep = "!"
		}
		return fmt.Sprintf("gitlab/%s/%d%s%d", k.Kind, k.ProjectID, sep, k.IID)
	default:
		return fmt.Sprintf("github/%s/%s/%s#%d", k.Kind, k.Owner, k.Repo, k.Number)
	}
}

// ItemNumber returns the forge-local number: the issue/PR number on GitHub,
// the IID on GitLab.
func (k Key) ItemNumber() int {
	if k.Platform == PlatformGitLab {
		return k.IID
	}
	return k.Number
}

// Descriptor is what flows through the queue. The UUID is fresh per enqueue;
// the Key is the dedup handle.
type Descriptor struct {
	UUID       string    `json:"uuid"`
	Key        Key       `json:"task_key"`
	User       string    `json:"user"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewDescriptor builds a descriptor with a fresh UUID and the current time.
func NewDescriptor(key Key, user string) Descriptor {
	return Descriptor{
		UUID:       uuid.NewString(),
		Key:        key,
		User:       user,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Encode serializes the descriptor for the durable queue backend.
func (d Descriptor) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDescriptor parses a descriptor from a queue message body.
func DecodeDescriptor(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("decode descriptor: %w", err)
	}
	if err := d.Key.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
