package convert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forgepilot/forgepilot/internal/dialogue"
	"github.com/forgepilot/forgepilot/internal/forge"
	"github.com/forgepilot/forgepilot/internal/task"
)

// maxTranscriptComments caps how much issue discussion is copied into the
// change-request body.
const maxTranscriptComments = 50

// Converter runs the issue-to-change-request workflow. Steps that create
// durable artifacts have compensating actions; once the change request is
// user-visible, later failures degrade to warnings.
type Converter struct {
	Forge forge.Forge
	LLM   dialogue.LLM

	BotName         string
	BotLabel        string
	ProcessingLabel string
	DoneLabel       string
	BaseBranch      string
	Draft           bool
}

// Result reports what the conversion produced.
type Result struct {
	Branch        string
	ChangeRequest forge.ChangeRequest
}

// Convert executes the workflow for one issue. On failure before the change
// request is durable, the created branch is deleted.
func (c *Converter) Convert(ctx context.Context, key task.Key) (Result, error) {
	if key.Kind != task.KindIssue {
		return Result{}, fmt.Errorf("convert expects an issue, got %s", key.Kind)
	}
	base := c.BaseBranch
	if base == "" {
		base = "main"
	}

	// Step 1: collect issue metadata and discussion.
	item, err := c.Forge.GetItem(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("collect issue: %w", err)
	}
	comments, err := c.Forge.GetComments(ctx, key)
	if err != nil {
		slog.Warn("could not fetch issue comments for transcript", "task", key.String(), "error", err)
		comments = nil
	}
	repo := repoRef(key)

	// Step 2: generate and de-collide the branch name.
	name := GenerateBranchName(ctx, c.LLM, item.Title, c.BotName, key.ItemNumber())
	existing, err := c.Forge.ListBranches(ctx, repo)
	if err != nil {
		return Result{}, fmt.Errorf("list branches: %w", err)
	}
	name, err = ResolveCollision(name, existing)
	if err != nil {
		return Result{}, fmt.Errorf("branch naming: %w", err)
	}

	// Step 3: create the branch.
	if err := c.Forge.CreateBranch(ctx, repo, name, base); err != nil {
		return Result{}, fmt.Errorf("create branch %s: %w", name, err)
	}
	rollback := func(cause error) error {
		if derr := c.Forge.DeleteBranch(ctx, repo, name); derr != nil {
			slog.Error("branch rollback failed", "branch", name, "error", derr)
		}
		return cause
	}

	// Step 4: seed commit so the change request has a diffable head.
	seedMsg := fmt.Sprintf("chore: start work on #%d", key.ItemNumber())
	if err := c.Forge.CreateSeedCommit(ctx, repo, name, seedMsg); err != nil {
		return Result{}, rollback(fmt.Errorf("seed commit: %w", err))
	}

	// Step 5: open the change request.
	title := fmt.Sprintf("Resolve #%d: %s", key.ItemNumber(), item.Title)
	cr, err := c.Forge.OpenChangeRequest(ctx, repo, name, base, title, "Work in progress.", c.Draft)
	if err != nil {
		return Result{}, rollback(fmt.Errorf("open change request: %w", err))
	}
	crKey := changeRequestKey(key, cr.Number)

	// Step 6: fill in the transcript body.
	body := BuildBody(item, comments, c.BotName)
	if err := c.Forge.UpdateChangeRequest(ctx, crKey, forge.CRUpdate{Body: &body}); err != nil {
		return Result{}, rollback(fmt.Errorf("update change request body: %w", err))
	}

	// Steps 7-9 never roll back: the change request is already a durable
	// user-visible artifact.

	// Step 7: auto-pickup via bot label and assignment.
	update := forge.CRUpdate{Labels: []string{c.BotLabel}, Assignees: []string{c.BotName}}
	if err := c.Forge.UpdateChangeRequest(ctx, crKey, update); err != nil {
		slog.Warn("failed to configure change request for pickup", "cr", crKey.String(), "error", err)
	}

	// Step 8: report back on the source issue.
	report := fmt.Sprintf("Opened %s for this issue. Work continues there.", cr.URL)
	if err := c.Forge.Comment(ctx, key, report); err != nil {
		slog.Warn("failed to comment on source issue", "task", key.String(), "error", err)
	}

	// Step 9: label handoff on the source issue.
	for _, label := range []string{c.BotLabel, c.ProcessingLabel} {
		if err := c.Forge.RemoveLabel(ctx, key, label); err != nil {
			slog.Warn("failed to remove label from source issue", "task", key.String(), "label", label, "error", err)
		}
	}
	if err := c.Forge.AddLabel(ctx, key, c.DoneLabel); err != nil {
		slog.Warn("failed to mark source issue done", "task", key.String(), "error", err)
	}

	slog.Info("issue converted", "task", key.String(), "branch", name, "cr", cr.URL)
	return Result{Branch: name, ChangeRequest: cr}, nil
}

// BuildBody renders the change-request description: issue details, the
// newest non-bot discussion, and a provenance note.
func BuildBody(item forge.Item, comments []forge.Comment, botName string) string {
	var b strings.Builder

	b.WriteString("## 📋 Issue\n\n")
	fmt.Fprintf(&b, "**#%d %s** (opened by @%s)\n\n", item.Key.ItemNumber(), item.Title, item.Author)
	if strings.TrimSpace(item.Body) != "" {
		b.WriteString(item.Body)
		b.WriteString("\n\n")
	}

	human := filterTranscript(comments, botName)
	if len(human) > 0 {
		b.WriteString("## 💬 Discussion\n\n")
		for _, c := range human {
			fmt.Fprintf(&b, "**@%s** (%s):\n%s\n\n", c.Author, c.CreatedAt.Format("2006-01-02 15:04"), c.Body)
		}
	}

	b.WriteString("## 🤖 Automation\n\n")
	fmt.Fprintf(&b, "This change request was opened automatically from issue #%d.\n", item.Key.ItemNumber())
	return b.String()
}

// filterTranscript drops bot comments and keeps the newest entries, oldest
// first, up to the transcript cap.
func filterTranscript(comments []forge.Comment, botName string) []forge.Comment {
	var human []forge.Comment
	for _, c := range comments {
		if strings.EqualFold(c.Author, botName) {
			continue
		}
		human = append(human, c)
	}
	if len(human) > maxTranscriptComments {
		human = human[len(human)-maxTranscriptComments:]
	}
	return human
}

func repoRef(key task.Key) forge.RepoRef {
	if key.Platform == task.PlatformGitLab {
		return forge.RepoRef{ProjectID: key.ProjectID}
	}
	return forge.RepoRef{Owner: key.Owner, Name: key.Repo}
}

func changeRequestKey(issueKey task.Key, crNumber int) task.Key {
	if issueKey.Platform == task.PlatformGitLab {
		return task.GitLabMergeRequest(issueKey.ProjectID, crNumber)
	}
	return task.GitHubPullRequest(issueKey.Owner, issueKey.Repo, crNumber)
}
