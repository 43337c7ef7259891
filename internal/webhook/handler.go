// Package webhook is the push ingress: it authenticates forge events,
// filters them down to bot-labelled work, and enqueues descriptors.
package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/forgepilot/forgepilot/internal/queue"
	"github.com/forgepilot/forgepilot/internal/task"
)

// Handler holds the per-forge secrets and the queue descriptors are fed
// into.
type Handler struct {
	Queue    queue.Queue
	BotLabel string

	GitHubSecret      string
	GitLabToken       string
	GitLabSystemToken string
}

// githubEvent is the subset of issue/pull_request event payloads the filter
// chain needs.
type githubEvent struct {
	Action string `json:"action"`
	Label  struct {
		Name string `json:"name"`
	} `json:"label"`
	Issue struct {
		Number int `json:"number"`
	} `json:"issue"`
	PullRequest struct {
		Number int `json:"number"`
	} `json:"pull_request"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

// gitlabEvent covers both issue and merge_request hook payloads, project and
// system variants.
type gitlabEvent struct {
	ObjectKind string `json:"object_kind"`
	EventType  string `json:"event_type"`
	User       struct {
		Username string `json:"username"`
	} `json:"user"`
	Project struct {
		ID int `json:"id"`
	} `json:"project"`
	ObjectAttributes struct {
		IID    int    `json:"iid"`
		Action string `json:"action"`
	} `json:"object_attributes"`
	Labels []struct {
		Title string `json:"title"`
	} `json:"labels"`
}

// HandleGitHub processes the hosted-forge webhook: HMAC auth, then the
// labeled-action filter chain.
func (h *Handler) HandleGitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeReason(w, http.StatusBadRequest, "error", "unreadable body")
		return
	}

	if !VerifyGitHubSignature(body, r.Header.Get("X-Hub-Signature-256"), h.GitHubSecret) {
		slog.Warn("github webhook signature rejected")
		writeReason(w, http.StatusUnauthorized, "error", "invalid signature")
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType != "issues" && eventType != "pull_request" {
		writeReason(w, http.StatusOK, "ignored", "unsupported event type")
		return
	}

	var ev githubEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeReason(w, http.StatusBadRequest, "error", "malformed payload")
		return
	}

	if ev.Action != "labeled" {
		writeReason(w, http.StatusOK, "ignored", "action is not labeled")
		return
	}
	if ev.Label.Name != h.BotLabel {
		writeReason(w, http.StatusOK, "ignored", "label is not the bot label")
		return
	}

	owner, repo := ev.Repository.Owner.Login, ev.Repository.Name
	var key task.Key
	if eventType == "pull_request" {
		key = task.GitHubPullRequest(owner, repo, ev.PullRequest.Number)
	} else {
		key = task.GitHubIssue(owner, repo, ev.Issue.Number)
	}
	h.enqueue(w, key, ev.Sender.Login)
}

// HandleGitLab processes project hooks on the self-hosted forge.
func (h *Handler) HandleGitLab(w http.ResponseWriter, r *http.Request) {
	h.handleGitLab(w, r, h.GitLabToken)
}

// HandleGitLabSystem processes system hooks, authenticated by the separate
// system-hook token. Unconfigured means every request fails.
func (h *Handler) HandleGitLabSystem(w http.ResponseWriter, r *http.Request) {
	h.handleGitLab(w, r, h.GitLabSystemToken)
}

func (h *Handler) handleGitLab(w http.ResponseWriter, r *http.Request, token string) {
	if !VerifyGitLabToken(r.Header.Get("X-Gitlab-Token"), token) {
		slog.Warn("gitlab webhook token rejected")
		writeReason(w, http.StatusUnauthorized, "error", "invalid or missing token")
		return
	}

	var ev gitlabEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeReason(w, http.StatusBadRequest, "error", "malformed payload")
		return
	}

	kind := ev.ObjectKind
	if kind == "" {
		kind = ev.EventType
	}
	if kind != "issue" && kind != "merge_request" {
		writeReason(w, http.StatusOK, "ignored", "unsupported event type")
		return
	}

	if ev.ObjectAttributes.Action != "update" {
		writeReason(w, http.StatusOK, "ignored", "action is not update")
		return
	}
	if !h.hasBotLabel(ev) {
		writeReason(w, http.StatusOK, "ignored", "bot label not present")
		return
	}

	var key task.Key
	if kind == "merge_request" {
		key = task.GitLabMergeRequest(ev.Project.ID, ev.ObjectAttributes.IID)
	} else {
		key = task.GitLabIssue(ev.Project.ID, ev.ObjectAttributes.IID)
	}
	h.enqueue(w, key, ev.User.Username)
}

func (h *Handler) hasBotLabel(ev gitlabEvent) bool {
	for _, l := range ev.Labels {
		if l.Title == h.BotLabel {
			return true
		}
	}
	return false
}

func (h *Handler) enqueue(w http.ResponseWriter, key task.Key, user string) {
	if err := key.Validate(); err != nil {
		writeReason(w, http.StatusBadRequest, "error", "incomplete event coordinates")
		return
	}

	d := task.NewDescriptor(key, user)
	if err := h.Queue.Put(d); err != nil {
		slog.Error("webhook enqueue failed", "task", key.String(), "error", err)
		writeReason(w, http.StatusServiceUnavailable, "error", "queue unavailable")
		return
	}

	slog.Info("webhook enqueued task", "task", key.String(), "uuid", d.UUID)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"descriptor": d,
	})
}

func writeReason(w http.ResponseWriter, code int, status, reason string) {
	writeJSON(w, code, map[string]string{"status": status, "reason": reason})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("webhook response encoding failed", "error", err)
	}
}
