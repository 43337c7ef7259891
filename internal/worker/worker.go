// Package worker dequeues task descriptors and runs them to completion
// through the dialogue driver, with label-gated ownership and checkpointed
// resume.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/forgepilot/forgepilot/internal/checkpoint"
	"github.com/forgepilot/forgepilot/internal/commentwatch"
	"github.com/forgepilot/forgepilot/internal/convert"
	"github.com/forgepilot/forgepilot/internal/dialogue"
	"github.com/forgepilot/forgepilot/internal/forge"
	"github.com/forgepilot/forgepilot/internal/health"
	"github.com/forgepilot/forgepilot/internal/queue"
	"github.com/forgepilot/forgepilot/internal/sigctl"
	"github.com/forgepilot/forgepilot/internal/task"
	"github.com/forgepilot/forgepilot/internal/telemetry"
)

// ToolFactory connects a tool server for one task. The returned closer
// terminates the server when the task ends.
type ToolFactory func(ctx context.Context, key task.Key) (dialogue.ToolCaller, func() error, error)

// LLMFactory resolves the model client for a task's originating user, so
// per-user model and key overrides apply.
type LLMFactory func(ctx context.Context, platform task.Platform, user string) (dialogue.LLM, string, error)

// Deps is everything a worker needs, injected by the composition root.
type Deps struct {
	Queue       queue.Queue
	Forges      map[task.Platform]forge.Forge
	Signals     *sigctl.Controller
	Heartbeat   *health.Heartbeat
	Checkpoints checkpoint.Store
	Telemetry   *telemetry.Store // optional
	NewLLM      LLMFactory
	NewTools    ToolFactory // optional

	BotNames        map[task.Platform]string
	BotLabel        string
	ProcessingLabel string
	DoneLabel       string

	QueueTimeout       time.Duration
	MinInterval        time.Duration
	MaxTurns           int
	ToolResultMaxChars int

	// ConvertIssues enables the issue-to-change-request workflow for
	// issue-sourced tasks.
	ConvertIssues bool
	DraftCRs      bool
}

// Worker is one consumer loop. Its dialogue is sequential; concurrency comes
// from running several workers against the shared queue.
type Worker struct {
	ID   int
	Deps Deps

	lastTaskEnd time.Time
}

// Run loops until shutdown. Pause stalls pickup without exiting.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("worker started", "worker", w.ID)
	for !w.Deps.Signals.ShuttingDown() {
		if w.Deps.Signals.Paused() {
			time.Sleep(queue.DefaultPollInterval)
			continue
		}

		d, ok, err := w.Deps.Queue.GetWithSignalCheck(
			w.Deps.QueueTimeout, queue.DefaultPollInterval, w.Deps.Signals.Interrupted)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				break
			}
			slog.Error("queue receive failed", "worker", w.ID, "error", err)
			time.Sleep(time.Second)
			continue
		}

		w.beat()
		if !ok {
			continue
		}

		w.pace()
		w.process(ctx, d)
		w.lastTaskEnd = time.Now()
	}
	slog.Info("worker stopped", "worker", w.ID)
}

// pace enforces the per-worker minimum interval between tasks.
func (w *Worker) pace() {
	if w.Deps.MinInterval <= 0 || w.lastTaskEnd.IsZero() {
		return
	}
	wait := w.Deps.MinInterval - time.Since(w.lastTaskEnd)
	for wait > 0 && !w.Deps.Signals.Interrupted() {
		time.Sleep(queue.DefaultPollInterval)
		wait -= queue.DefaultPollInterval
	}
}

func (w *Worker) beat() {
	if w.Deps.Heartbeat == nil {
		return
	}
	if err := w.Deps.Heartbeat.Beat(); err != nil {
		slog.Warn("heartbeat write failed", "worker", w.ID, "error", err)
	}
}

// process runs one descriptor end to end.
func (w *Worker) process(ctx context.Context, d task.Descriptor) {
	key := d.Key
	f, ok := w.Deps.Forges[key.Platform]
	if !ok {
		slog.Error("no forge configured for platform", "platform", key.Platform, "task", key.String())
		return
	}

	// Materialize by re-query; the enqueued snapshot may be stale.
	item, err := f.GetItem(ctx, key)
	if err != nil {
		slog.Error("task materialization failed", "task", key.String(), "error", err)
		return
	}
	t := &Task{Descriptor: d, Item: item, Forge: f}

	// The bot label is the authorization to act. Gone means dropped.
	if !t.HasLabel(w.Deps.BotLabel) {
		slog.Debug("bot label removed, dropping task", "task", key.String())
		return
	}

	resumed, proceed := w.prepare(ctx, t)
	if !proceed {
		return
	}

	w.recordStart(ctx, d)

	if w.Deps.ConvertIssues && key.Kind == task.KindIssue {
		w.convertIssue(ctx, t, d)
		return
	}

	w.runDialogue(ctx, t, d, resumed)
}

// prepare acquires the processing label. An already-present label with a
// checkpoint means resume; without one it is an orphan from a crashed worker
// and processing restarts fresh.
func (w *Worker) prepare(ctx context.Context, t *Task) (resumed, proceed bool) {
	key := t.Key()
	if t.HasLabel(w.Deps.ProcessingLabel) {
		_, found, err := w.Deps.Checkpoints.Load(key)
		if err != nil {
			// Cannot tell a resumable task from an orphan; defer rather than
			// restart fresh over valid resume state.
			slog.Error("checkpoint lookup failed, deferring task", "task", key.String(), "error", err)
			return false, false
		}
		if found {
			slog.Info("resuming checkpointed task", "task", key.String())
			return true, true
		}
		slog.Warn("orphaned processing label, restarting fresh", "task", key.String())
		return false, true
	}

	if err := t.Forge.AddLabel(ctx, key, w.Deps.ProcessingLabel); err != nil {
		slog.Error("could not acquire processing label", "task", key.String(), "error", err)
		return false, false
	}
	return false, true
}

func (w *Worker) convertIssue(ctx context.Context, t *Task, d task.Descriptor) {
	key := t.Key()
	llm, _, err := w.Deps.NewLLM(ctx, key.Platform, d.User)
	if err != nil {
		slog.Warn("llm resolution failed, converter will use fallback naming", "task", key.String(), "error", err)
		llm = nil
	}

	conv := &convert.Converter{
		Forge:           t.Forge,
		LLM:             llm,
		BotName:         w.Deps.BotNames[key.Platform],
		BotLabel:        w.Deps.BotLabel,
		ProcessingLabel: w.Deps.ProcessingLabel,
		DoneLabel:       w.Deps.DoneLabel,
		Draft:           w.Deps.DraftCRs,
	}

	if _, err := conv.Convert(ctx, key); err != nil {
		slog.Error("issue conversion failed", "task", key.String(), "error", err)
		w.finalizeFailure(ctx, t, fmt.Sprintf("Failed to open a change request for this issue: %v", err))
		w.recordEnd(ctx, d, "failed", err.Error(), dialogue.State{})
		return
	}
	// The converter performs its own label handoff on success.
	w.recordEnd(ctx, d, "done", "", dialogue.State{})
}

func (w *Worker) runDialogue(ctx context.Context, t *Task, d task.Descriptor, resumed bool) {
	key := t.Key()

	llm, _, err := w.Deps.NewLLM(ctx, key.Platform, d.User)
	if err != nil {
		slog.Error("llm resolution failed", "task", key.String(), "error", err)
		w.finalizeFailure(ctx, t, fmt.Sprintf("Could not resolve an LLM configuration: %v", err))
		w.recordEnd(ctx, d, "failed", err.Error(), dialogue.State{})
		return
	}

	tools, closeTools, err := w.tools(ctx, key)
	if err != nil {
		slog.Error("tool server start failed", "task", key.String(), "error", err)
		w.finalizeFailure(ctx, t, fmt.Sprintf("Could not start the tool server: %v", err))
		w.recordEnd(ctx, d, "failed", err.Error(), dialogue.State{})
		return
	}
	defer func() {
		if err := closeTools(); err != nil {
			slog.Warn("tool server shutdown failed", "task", key.String(), "error", err)
		}
	}()

	detector := commentwatch.NewDetector(ctx, t.Forge, key, w.Deps.BotNames[key.Platform])

	var resume *dialogue.State
	if resumed {
		if data, found, err := w.Deps.Checkpoints.Load(key); err == nil && found {
			var st dialogue.State
			if jsonErr := json.Unmarshal(data, &st); jsonErr == nil {
				resume = &st
				detector.RestoreState(commentwatch.State{
					ObservedIDs:   st.DetectedCommentIDs,
					LastCheckTime: st.LastCheckTime,
				})
			} else {
				slog.Warn("malformed checkpoint, starting fresh", "task", key.String(), "error", jsonErr)
			}
		}
	}

	driver := &dialogue.Driver{
		LLM:       llm,
		Tools:     tools,
		Commenter: t,
		Comments:  detector,
		Paused:    w.Deps.Signals.Interrupted,
		MaxTurns:  w.Deps.MaxTurns,

		ToolResultMaxChars: w.Deps.ToolResultMaxChars,
		Checkpoint: func(st dialogue.State) error {
			cs := detector.GetState()
			st.DetectedCommentIDs = cs.ObservedIDs
			st.LastCheckTime = cs.LastCheckTime
			data, err := json.Marshal(st)
			if err != nil {
				return err
			}
			return w.Deps.Checkpoints.Save(key, data)
		},
	}

	first := dialogue.FirstUserPrompt(firstPromptContext(t))
	final, err := driver.Run(ctx, first, resume)

	switch {
	case err == nil:
		w.finalizeSuccess(ctx, t)
		w.recordEnd(ctx, d, "done", "", final)

	case errors.Is(err, dialogue.ErrPaused):
		// Checkpoint is written; the task stays in processing for resumption.
		slog.Info("task paused mid-dialogue", "task", key.String(), "turn", final.TurnIndex)

	default:
		slog.Error("dialogue failed", "task", key.String(), "error", err)
		w.finalizeFailure(ctx, t, fmt.Sprintf("Task failed: %v", err))
		w.recordEnd(ctx, d, "failed", err.Error(), final)
	}
}

func (w *Worker) tools(ctx context.Context, key task.Key) (dialogue.ToolCaller, func() error, error) {
	if w.Deps.NewTools == nil {
		return noTools{}, func() error { return nil }, nil
	}
	return w.Deps.NewTools(ctx, key)
}

// finalizeSuccess hands the labels over and clears the checkpoint. The final
// comment was already posted by the dialogue driver.
func (w *Worker) finalizeSuccess(ctx context.Context, t *Task) {
	w.handoff(ctx, t)
}

// finalizeFailure posts the error comment, then hands over. Failure is final
// from the agent's perspective; the done label stops re-pickup.
func (w *Worker) finalizeFailure(ctx context.Context, t *Task, comment string) {
	if err := t.Comment(ctx, comment); err != nil {
		slog.Warn("failed to post failure comment", "task", t.Key().String(), "error", err)
	}
	w.handoff(ctx, t)
}

func (w *Worker) handoff(ctx context.Context, t *Task) {
	key := t.Key()
	for _, label := range []string{w.Deps.BotLabel, w.Deps.ProcessingLabel} {
		if err := t.Forge.RemoveLabel(ctx, key, label); err != nil {
			slog.Warn("label removal failed", "task", key.String(), "label", label, "error", err)
		}
	}
	if err := t.Forge.AddLabel(ctx, key, w.Deps.DoneLabel); err != nil {
		slog.Warn("done label add failed", "task", key.String(), "error", err)
	}
	if err := w.Deps.Checkpoints.Delete(key); err != nil {
		slog.Warn("checkpoint delete failed", "task", key.String(), "error", err)
	}
}

func (w *Worker) recordStart(ctx context.Context, d task.Descriptor) {
	if w.Deps.Telemetry == nil {
		return
	}
	key := d.Key
	rec := telemetry.TaskRecord{
		UUID:       d.UUID,
		TaskSource: string(key.Platform),
		Owner:      key.Owner,
		Repo:       key.Repo,
		TaskType:   string(key.Kind),
		TaskID:     key.String(),
		CreatedAt:  d.EnqueuedAt,
		User:       d.User,
	}
	if err := w.Deps.Telemetry.Create(ctx, rec); err != nil {
		slog.Warn("telemetry create failed", "task", key.String(), "error", err)
		return
	}
	hostname, _ := os.Hostname()
	if err := w.Deps.Telemetry.MarkStarted(ctx, d.UUID, "anthropic", "", hostname, os.Getpid()); err != nil {
		slog.Warn("telemetry start failed", "task", key.String(), "error", err)
	}
}

func (w *Worker) recordEnd(ctx context.Context, d task.Descriptor, status, errMsg string, st dialogue.State) {
	if w.Deps.Telemetry == nil {
		return
	}
	if err := w.Deps.Telemetry.MarkCompleted(ctx, d.UUID, status, errMsg,
		st.LLMCallCount, st.ToolCallCount, st.CompressionCount, st.TotalTokens); err != nil {
		slog.Warn("telemetry completion failed", "task", d.Key.String(), "error", err)
	}
}

func firstPromptContext(t *Task) dialogue.TaskContext {
	key := t.Key()
	ref := fmt.Sprintf("#%d", key.ItemNumber())
	repo := key.Owner + "/" + key.Repo
	if key.Platform == task.PlatformGitLab {
		repo = fmt.Sprintf("project %d", key.ProjectID)
		if key.Kind == task.KindChangeRequest {
			ref = fmt.Sprintf("!%d", key.IID)
		}
	}
	kind := "issue"
	if key.Kind == task.KindChangeRequest {
		kind = "change request"
	}
	return dialogue.TaskContext{
		Platform: string(key.Platform),
		Kind:     kind,
		Ref:      ref,
		Repo:     repo,
		Title:    t.Item.Title,
		Body:     t.Item.Body,
	}
}

// noTools stands in when no tool server is configured; the model is told so.
type noTools struct{}

func (noTools) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	return "", errors.New("no tool server configured for this deployment")
}
