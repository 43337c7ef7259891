// Package commentwatch notices user comments that arrive while a task is
// being processed, so the dialogue can react to mid-flight feedback instead
// of discovering it after the change request is opened.
package commentwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forgepilot/forgepilot/internal/forge"
	"github.com/forgepilot/forgepilot/internal/task"
)

// Detector tracks which comment IDs have already been seen on a work item.
// It is disabled when no bot username is configured, since without one the
// bot's own comments could not be filtered out and every status update would
// re-trigger the dialogue.
type Detector struct {
	forge       forge.Forge
	key         task.Key
	botUsername string
	enabled     bool

	observed  map[string]struct{}
	lastCheck time.Time
}

// State is the serializable detector snapshot carried inside a checkpoint.
type State struct {
	ObservedIDs   []string `json:"observed_ids"`
	LastCheckTime string   `json:"last_check_time"`
}

// NewDetector seeds the observed set with all comments present at start, so
// only comments arriving after task pickup count as new. A failed initial
// fetch leaves the set empty rather than aborting the task.
func NewDetector(ctx context.Context, f forge.Forge, key task.Key, botUsername string) *Detector {
	d := &Detector{
		forge:       f,
		key:         key,
		botUsername: botUsername,
		enabled:     botUsername != "",
		observed:    make(map[string]struct{}),
		lastCheck:   time.Now().UTC(),
	}
	if !d.enabled {
		slog.Info("comment detection disabled, no bot username configured", "task", key.String())
		return d
	}

	comments, err := f.GetComments(ctx, key)
	if err != nil {
		slog.Warn("failed to seed observed comments, starting empty", "task", key.String(), "error", err)
		return d
	}
	for _, c := range comments {
		d.observed[c.ID] = struct{}{}
	}
	return d
}

// Enabled reports whether detection is active.
func (d *Detector) Enabled() bool {
	return d.enabled
}

// CheckForNewComments fetches the current comment list and returns a
// human-readable report of comments not yet observed, excluding the bot's
// own. It returns "" when there is nothing new. Fetch failures are tolerated:
// the turn proceeds and the next check retries.
func (d *Detector) CheckForNewComments(ctx context.Context) string {
	if !d.enabled {
		return ""
	}
	d.lastCheck = time.Now().UTC()

	comments, err := d.forge.GetComments(ctx, d.key)
	if err != nil {
		slog.Warn("comment check failed, will retry next turn", "task", d.key.String(), "error", err)
		return ""
	}

	var fresh []forge.Comment
	for _, c := range comments {
		if _, seen := d.observed[c.ID]; seen {
			continue
		}
		d.observed[c.ID] = struct{}{}
		if strings.EqualFold(c.Author, d.botUsername) {
			continue
		}
		fresh = append(fresh, c)
	}

	if len(fresh) == 0 {
		return ""
	}
	slog.Info("detected new comments", "task", d.key.String(), "count", len(fresh))
	return formatReport(fresh)
}

func formatReport(comments []forge.Comment) string {
	if len(comments) == 1 {
		c := comments[0]
		return fmt.Sprintf("[New Comment from @%s]:\n%s", c.Author, c.Body)
	}

	var b strings.Builder
	b.WriteString("[New Comments Detected]:\n")
	for i, c := range comments {
		fmt.Fprintf(&b, "%d. @%s: %s\n", i+1, c.Author, c.Body)
	}
	return strings.TrimRight(b.String(), "\n")
}

// GetState snapshots the detector for inclusion in a checkpoint.
func (d *Detector) GetState() State {
	ids := make([]string, 0, len(d.observed))
	for id := range d.observed {
		ids = append(ids, id)
	}
	return State{
		ObservedIDs:   ids,
		LastCheckTime: d.lastCheck.Format(time.RFC3339),
	}
}

// RestoreState replaces the observed set from a checkpoint snapshot. A
// malformed timestamp keeps the current one; the ID set is authoritative.
func (d *Detector) RestoreState(st State) {
	d.observed = make(map[string]struct{}, len(st.ObservedIDs))
	for _, id := range st.ObservedIDs {
		d.observed[id] = struct{}{}
	}
	if t, err := time.Parse(time.RFC3339, st.LastCheckTime); err == nil {
		d.lastCheck = t
	}
}

// RestoreStateJSON decodes and applies a serialized snapshot. Malformed data
// leaves the freshly initialized state in place, which only risks re-reporting
// comments, never losing them.
func (d *Detector) RestoreStateJSON(data []byte) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		slog.Warn("malformed comment-detector state, reinitializing", "task", d.key.String(), "error", err)
		return
	}
	d.RestoreState(st)
}
