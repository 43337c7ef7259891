// Package dialogue drives the LLM turn loop for one task: prompt assembly,
// reply parsing, tool dispatch, and checkpointing at turn boundaries.
package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// maxTransportRetries bounds consecutive failed LLM calls in one turn.
	maxTransportRetries = 5
	// maxParseRetries bounds consecutive replies with no parseable JSON.
	maxParseRetries = 5
	// DefaultToolResultMaxChars caps how much tool output is carried into the
	// next turn. Tunable via TOOL_RESULT_MAX_CHARS.
	DefaultToolResultMaxChars = 20000
	// DefaultMaxTurns caps a single task's dialogue length.
	DefaultMaxTurns = 50
)

// ErrPaused reports that the pause signal interrupted the dialogue after a
// checkpoint was written. The task stays in processing for later resumption.
var ErrPaused = errors.New("dialogue paused by signal")

// ErrTurnLimit reports that the per-task turn cap was reached without the
// model declaring completion.
var ErrTurnLimit = errors.New("dialogue turn limit reached")

// OutcomeKind tags what a parsed model reply asked for.
type OutcomeKind int

const (
	OutcomeDone OutcomeKind = iota
	OutcomeToolCall
	OutcomeChat
	OutcomeParseFailed
	OutcomeTransportFailed
)

// TurnOutcome is the interpretation of one model reply.
type TurnOutcome struct {
	Kind OutcomeKind
	// Raw model reply text, for posting as a comment.
	Reply string
	// Tool and Args are set for OutcomeToolCall.
	Tool string
	Args map[string]any
	// Chat message or done summary, when present in the JSON.
	Message string
	Err     error
}

// State is the checkpointable dialogue snapshot, written at turn boundaries
// and restored on resume.
type State struct {
	TurnIndex          int      `json:"turn_index"`
	PreviousOutput     string   `json:"previous_output"`
	CompressionCount   int      `json:"compression_count"`
	TotalTokens        int64    `json:"total_tokens"`
	PendingToolResult  *string  `json:"pending_tool_result,omitempty"`
	DetectedCommentIDs []string `json:"detected_comment_ids"`
	LastCheckTime      string   `json:"last_check_time,omitempty"`

	LLMCallCount  int `json:"llm_call_count"`
	ToolCallCount int `json:"tool_call_count"`
}

// ToolCaller dispatches a named tool with arguments and returns its
// stringified result. Tool failures come back as errors and are surfaced to
// the model as text.
type ToolCaller interface {
	Call(ctx context.Context, name string, args map[string]any) (string, error)
}

// Commenter posts a message on the task's discussion thread.
type Commenter interface {
	Comment(ctx context.Context, body string) error
}

// CommentChecker reports newly arrived human comments as a preformatted
// block, or "" when there are none.
type CommentChecker interface {
	CheckForNewComments(ctx context.Context) string
}

// Driver runs the turn loop for a single task. It is not safe for concurrent
// use; each worker owns one.
type Driver struct {
	LLM       LLM
	Tools     ToolCaller
	Commenter Commenter
	Comments  CommentChecker // optional

	// Checkpoint persists the state at each turn boundary. Optional.
	Checkpoint func(State) error
	// Paused is consulted between turns. Optional.
	Paused func() bool

	MaxTurns           int
	ToolResultMaxChars int

	// retryDelay is the linear backoff base between transport attempts.
	retryDelay time.Duration

	messages []Message
	state    State
}

// Run executes the dialogue to completion, pause, or failure. The first user
// prompt seeds a fresh conversation; on resume, pass the restored state and
// the prompt is supplemented with a resume note carrying the prior output.
func (d *Driver) Run(ctx context.Context, firstPrompt string, resume *State) (State, error) {
	if d.MaxTurns <= 0 {
		d.MaxTurns = DefaultMaxTurns
	}
	if d.ToolResultMaxChars <= 0 {
		d.ToolResultMaxChars = DefaultToolResultMaxChars
	}

	d.seed(firstPrompt, resume)

	parseFailures := 0
	for d.state.TurnIndex < d.MaxTurns {
		if d.Paused != nil && d.Paused() {
			if err := d.checkpoint(); err != nil {
				slog.Warn("checkpoint on pause failed", "error", err)
			}
			return d.state, ErrPaused
		}

		reply, err := d.callWithRetry(ctx)
		if err != nil {
			return d.state, fmt.Errorf("llm transport: %w", err)
		}

		outcome := Interpret(reply.Text)
		switch outcome.Kind {
		case OutcomeDone:
			d.postComment(ctx, outcome.Reply)
			d.advance(ctx, reply, "")
			return d.state, nil

		case OutcomeToolCall:
			result, err := d.Tools.Call(ctx, outcome.Tool, outcome.Args)
			if err != nil {
				// The model sees the failure and is expected to recover.
				result = fmt.Sprintf("Tool %s failed: %v", outcome.Tool, err)
			}
			d.state.ToolCallCount++
			d.advance(ctx, reply, Truncate(result, d.ToolResultMaxChars))
			parseFailures = 0

		case OutcomeChat:
			d.postComment(ctx, outcome.Reply)
			d.advance(ctx, reply, "")
			parseFailures = 0

		case OutcomeParseFailed:
			parseFailures++
			slog.Warn("no parseable JSON in model reply", "attempt", parseFailures)
			d.postComment(ctx, outcome.Reply)
			if parseFailures >= maxParseRetries {
				d.postComment(ctx, "Task failed: the model did not produce a valid command after repeated attempts.")
				return d.state, fmt.Errorf("no parseable reply after %d attempts", parseFailures)
			}
			d.advance(ctx, reply, "")
		}

		if err := d.checkpoint(); err != nil {
			slog.Warn("checkpoint failed", "turn", d.state.TurnIndex, "error", err)
		}
	}

	return d.state, ErrTurnLimit
}

// seed builds the opening conversation, either fresh or from a checkpoint.
func (d *Driver) seed(firstPrompt string, resume *State) {
	d.messages = []Message{{Role: "user", Content: firstPrompt}}
	if resume == nil {
		d.state = State{}
		return
	}

	d.state = *resume
	var b strings.Builder
	b.WriteString("This task was interrupted and is now resuming at turn ")
	fmt.Fprintf(&b, "%d.", resume.TurnIndex)
	if resume.PendingToolResult != nil {
		b.WriteString("\n\nResult of your last tool command:\n")
		b.WriteString(*resume.PendingToolResult)
	} else if resume.PreviousOutput != "" {
		b.WriteString("\n\nOutput of your last turn:\n")
		b.WriteString(resume.PreviousOutput)
	}
	b.WriteString("\n\nContinue from where you left off.")
	d.messages = append(d.messages, Message{Role: "user", Content: b.String()})
}

func (d *Driver) callWithRetry(ctx context.Context) (Reply, error) {
	var lastErr error
	for attempt := 1; attempt <= maxTransportRetries; attempt++ {
		reply, err := d.LLM.Send(ctx, SystemPrompt, d.messages)
		if err == nil {
			d.state.LLMCallCount++
			d.state.TotalTokens += reply.InputTokens + reply.OutputTokens
			return reply, nil
		}
		lastErr = err
		slog.Warn("llm call failed", "attempt", attempt, "error", err)
		if attempt < maxTransportRetries {
			delay := d.retryDelay
			if delay <= 0 {
				delay = time.Second
			}
			select {
			case <-ctx.Done():
				return Reply{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * delay):
			}
		}
	}
	return Reply{}, fmt.Errorf("after %d attempts: %w", maxTransportRetries, lastErr)
}

// advance appends the assistant reply and the next user message, then bumps
// the turn counter. toolResult is "" for non-tool turns.
func (d *Driver) advance(ctx context.Context, reply Reply, toolResult string) {
	d.messages = append(d.messages, Message{Role: "assistant", Content: reply.Text})

	var parts []string
	if toolResult != "" {
		parts = append(parts, "Tool result:\n"+toolResult)
		d.state.PreviousOutput = toolResult
		d.state.PendingToolResult = &toolResult
	} else {
		d.state.PendingToolResult = nil
	}

	if d.Comments != nil {
		if block := d.Comments.CheckForNewComments(ctx); block != "" {
			parts = append(parts, block)
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "Continue.")
	}

	d.messages = append(d.messages, Message{Role: "user", Content: strings.Join(parts, "\n\n")})
	d.state.TurnIndex++
}

func (d *Driver) checkpoint() error {
	if d.Checkpoint == nil {
		return nil
	}
	return d.Checkpoint(d.state)
}

func (d *Driver) postComment(ctx context.Context, body string) {
	if d.Commenter == nil || strings.TrimSpace(body) == "" {
		return
	}
	if err := d.Commenter.Comment(ctx, body); err != nil {
		slog.Warn("failed to post dialogue comment", "error", err)
	}
}

// Interpret classifies a raw model reply by its first parseable JSON object.
func Interpret(reply string) TurnOutcome {
	obj, ok := ExtractFirstJSON(reply)
	if !ok {
		return TurnOutcome{Kind: OutcomeParseFailed, Reply: reply}
	}

	if done, _ := obj["done"].(bool); done {
		msg, _ := obj["summary"].(string)
		return TurnOutcome{Kind: OutcomeDone, Reply: reply, Message: msg}
	}

	if cmd, ok := obj["command"].(map[string]any); ok {
		tool, _ := cmd["tool"].(string)
		if tool != "" {
			args, _ := cmd["args"].(map[string]any)
			if args == nil {
				args = map[string]any{}
			}
			return TurnOutcome{Kind: OutcomeToolCall, Reply: reply, Tool: tool, Args: args}
		}
	}

	msg, _ := obj["message"].(string)
	return TurnOutcome{Kind: OutcomeChat, Reply: reply, Message: msg}
}

// ExtractFirstJSON returns the first substring of s that parses as a JSON
// object. Text before, between, or after objects is ignored.
func ExtractFirstJSON(s string) (map[string]any, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		var obj map[string]any
		if err := dec.Decode(&obj); err == nil {
			return obj, true
		}
	}
	return nil, false
}

// Truncate caps s at max bytes, appending a marker when it cuts. The cut
// backs up to a rune boundary so the result stays valid UTF-8.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [output truncated]"
}
