package dialogue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedLLM struct {
	replies []string
	errs    []error
	calls   int
}

func (s *scriptedLLM) Send(ctx context.Context, system string, messages []Message) (Reply, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return Reply{}, s.errs[i]
	}
	if i >= len(s.replies) {
		return Reply{Text: `{"done": true, "summary": "ran out of script"}`, InputTokens: 10, OutputTokens: 5}, nil
	}
	return Reply{Text: s.replies[i], InputTokens: 10, OutputTokens: 5}, nil
}

type recordingTools struct {
	calls  []string
	result string
	err    error
}

func (r *recordingTools) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	r.calls = append(r.calls, name)
	return r.result, r.err
}

type recordingCommenter struct {
	posts []string
}

func (r *recordingCommenter) Comment(ctx context.Context, body string) error {
	r.posts = append(r.posts, body)
	return nil
}

func TestExtractFirstJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
		check func(t *testing.T, obj map[string]any)
	}{
		{
			name: "bare object", input: `{"done": true}`, ok: true,
			check: func(t *testing.T, obj map[string]any) { assert.Equal(t, true, obj["done"]) },
		},
		{
			name: "object with surrounding prose", input: "Here is my plan:\n{\"command\": {\"tool\": \"x\", \"args\": {}}}\nthanks", ok: true,
			check: func(t *testing.T, obj map[string]any) { assert.Contains(t, obj, "command") },
		},
		{
			name: "first of several objects wins", input: `{"a": 1} {"b": 2}`, ok: true,
			check: func(t *testing.T, obj map[string]any) { assert.Contains(t, obj, "a") },
		},
		{
			name: "unparseable brace then valid object", input: `{not json} {"b": 2}`, ok: true,
			check: func(t *testing.T, obj map[string]any) { assert.Contains(t, obj, "b") },
		},
		{name: "no json at all", input: "I will think about this.", ok: false},
		{name: "empty", input: "", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, ok := ExtractFirstJSON(tt.input)
			require.Equal(t, tt.ok, ok)
			if tt.check != nil {
				tt.check(t, obj)
			}
		})
	}
}

func TestInterpret(t *testing.T) {
	out := Interpret(`{"done": true, "summary": "all fixed"}`)
	assert.Equal(t, OutcomeDone, out.Kind)
	assert.Equal(t, "all fixed", out.Message)

	out = Interpret(`{"command": {"tool": "post_comment", "args": {"body": "hi"}}}`)
	assert.Equal(t, OutcomeToolCall, out.Kind)
	assert.Equal(t, "post_comment", out.Tool)
	assert.Equal(t, "hi", out.Args["body"])

	out = Interpret(`{"command": {"tool": "bare"}}`)
	assert.Equal(t, OutcomeToolCall, out.Kind)
	assert.NotNil(t, out.Args)

	out = Interpret(`{"message": "just chatting"}`)
	assert.Equal(t, OutcomeChat, out.Kind)
	assert.Equal(t, "just chatting", out.Message)

	out = Interpret("no json here")
	assert.Equal(t, OutcomeParseFailed, out.Kind)
}

func TestDriverDoneFlow(t *testing.T) {
	llm := &scriptedLLM{replies: []string{`{"done": true, "summary": "finished"}`}}
	commenter := &recordingCommenter{}
	d := &Driver{LLM: llm, Tools: &recordingTools{}, Commenter: commenter}

	st, err := d.Run(context.Background(), "do the thing", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, st.LLMCallCount)
	assert.Equal(t, int64(15), st.TotalTokens)
	require.Len(t, commenter.posts, 1)
	assert.Contains(t, commenter.posts[0], "finished")
}

func TestDriverToolCallFlow(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		`{"command": {"tool": "list_branches", "args": {}}}`,
		`{"done": true, "summary": "done"}`,
	}}
	tools := &recordingTools{result: "main\ndevelop"}
	d := &Driver{LLM: llm, Tools: tools, Commenter: &recordingCommenter{}}

	st, err := d.Run(context.Background(), "start", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"list_branches"}, tools.calls)
	assert.Equal(t, 1, st.ToolCallCount)
	assert.Equal(t, "main\ndevelop", st.PreviousOutput)
}

func TestDriverToolErrorSurfacesToModel(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		`{"command": {"tool": "boom", "args": {}}}`,
		`{"done": true}`,
	}}
	tools := &recordingTools{err: errors.New("exploded")}
	d := &Driver{LLM: llm, Tools: tools, Commenter: &recordingCommenter{}}

	st, err := d.Run(context.Background(), "start", nil)
	require.NoError(t, err)

	// The failure became the previous output instead of aborting the run.
	assert.Contains(t, st.PreviousOutput, "exploded")
}

func TestDriverTruncatesLargeToolResults(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		`{"command": {"tool": "big", "args": {}}}`,
		`{"done": true}`,
	}}
	tools := &recordingTools{result: strings.Repeat("x", 500)}
	d := &Driver{LLM: llm, Tools: tools, Commenter: &recordingCommenter{}, ToolResultMaxChars: 100}

	st, err := d.Run(context.Background(), "start", nil)
	require.NoError(t, err)

	assert.Contains(t, st.PreviousOutput, "[output truncated]")
	assert.Less(t, len(st.PreviousOutput), 200)
}

func TestDriverParseFailureExhaustion(t *testing.T) {
	replies := make([]string, maxParseRetries)
	for i := range replies {
		replies[i] = "I refuse to emit JSON."
	}
	llm := &scriptedLLM{replies: replies}
	commenter := &recordingCommenter{}
	d := &Driver{LLM: llm, Tools: &recordingTools{}, Commenter: commenter}

	_, err := d.Run(context.Background(), "start", nil)
	require.Error(t, err)

	assert.Equal(t, maxParseRetries, llm.calls)
	// Raw replies posted along the way, plus the terminal error comment.
	assert.Len(t, commenter.posts, maxParseRetries+1)
	assert.Contains(t, commenter.posts[len(commenter.posts)-1], "failed")
}

func TestDriverTransportRetryThenSuccess(t *testing.T) {
	llm := &scriptedLLM{
		errs:    []error{errors.New("503"), errors.New("timeout")},
		replies: []string{"", "", `{"done": true}`},
	}
	d := &Driver{LLM: llm, Tools: &recordingTools{}, Commenter: &recordingCommenter{}, retryDelay: time.Millisecond}

	_, err := d.Run(context.Background(), "start", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, llm.calls)
}

func TestDriverTransportExhaustion(t *testing.T) {
	errs := make([]error, maxTransportRetries)
	for i := range errs {
		errs[i] = errors.New("down")
	}
	llm := &scriptedLLM{errs: errs, replies: make([]string, maxTransportRetries)}
	d := &Driver{LLM: llm, Tools: &recordingTools{}, Commenter: &recordingCommenter{}, retryDelay: time.Millisecond}

	_, err := d.Run(context.Background(), "start", nil)
	require.Error(t, err)
	assert.Equal(t, maxTransportRetries, llm.calls)
}

func TestDriverTurnLimit(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		`{"command": {"tool": "loop", "args": {}}}`,
		`{"command": {"tool": "loop", "args": {}}}`,
		`{"command": {"tool": "loop", "args": {}}}`,
	}}
	d := &Driver{LLM: llm, Tools: &recordingTools{result: "ok"}, Commenter: &recordingCommenter{}, MaxTurns: 3}

	_, err := d.Run(context.Background(), "start", nil)
	assert.ErrorIs(t, err, ErrTurnLimit)
}

func TestDriverPauseWritesCheckpoint(t *testing.T) {
	llm := &scriptedLLM{replies: []string{`{"command": {"tool": "x", "args": {}}}`}}
	var saved []State
	paused := false
	d := &Driver{
		LLM:        llm,
		Tools:      &recordingTools{result: "out"},
		Commenter:  &recordingCommenter{},
		Paused:     func() bool { return paused },
		Checkpoint: func(st State) error { saved = append(saved, st); return nil },
	}

	// Pause raised after the first turn's checkpoint.
	d.Checkpoint = func(st State) error {
		saved = append(saved, st)
		paused = true
		return nil
	}

	_, err := d.Run(context.Background(), "start", nil)
	assert.ErrorIs(t, err, ErrPaused)
	require.NotEmpty(t, saved)
	assert.Equal(t, 1, saved[len(saved)-1].TurnIndex)
}

func TestDriverCheckpointAtTurnBoundaries(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		`{"command": {"tool": "a", "args": {}}}`,
		`{"command": {"tool": "b", "args": {}}}`,
		`{"done": true}`,
	}}
	var turns []int
	d := &Driver{
		LLM:        llm,
		Tools:      &recordingTools{result: "r"},
		Commenter:  &recordingCommenter{},
		Checkpoint: func(st State) error { turns = append(turns, st.TurnIndex); return nil },
	}

	_, err := d.Run(context.Background(), "start", nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, turns)
}

func TestDriverResumeSeedsPriorOutput(t *testing.T) {
	var gotMessages []Message
	llm := &scriptedLLM{replies: []string{`{"done": true}`}}
	d := &Driver{
		LLM: llmFunc(func(ctx context.Context, system string, messages []Message) (Reply, error) {
			gotMessages = messages
			return llm.Send(ctx, system, messages)
		}),
		Tools:     &recordingTools{},
		Commenter: &recordingCommenter{},
	}

	pending := "prior tool output"
	resume := &State{TurnIndex: 4, PendingToolResult: &pending}
	st, err := d.Run(context.Background(), "original prompt", resume)
	require.NoError(t, err)

	require.Len(t, gotMessages, 2)
	assert.Equal(t, "original prompt", gotMessages[0].Content)
	assert.Contains(t, gotMessages[1].Content, "resuming at turn 4")
	assert.Contains(t, gotMessages[1].Content, "prior tool output")
	assert.Equal(t, 5, st.TurnIndex)
}

type llmFunc func(ctx context.Context, system string, messages []Message) (Reply, error)

func (f llmFunc) Send(ctx context.Context, system string, messages []Message) (Reply, error) {
	return f(ctx, system, messages)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 100))
	assert.Equal(t, "short", Truncate("short", 0))
	got := Truncate("abcdefgh", 4)
	assert.True(t, strings.HasPrefix(got, "abcd"))
	assert.Contains(t, got, "truncated")
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	// A cap landing mid-rune must back up rather than emit invalid UTF-8.
	s := strings.Repeat("é", 10) // two bytes per rune
	got := Truncate(s, 3)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasPrefix(got, "é\n"))

	got = Truncate(s, 4)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasPrefix(got, "éé\n"))
}

func TestFirstUserPrompt(t *testing.T) {
	got := FirstUserPrompt(TaskContext{
		Platform: "github", Kind: "issue", Ref: "#7",
		Repo: "octo/repo", Title: "Fix the flaky test", Body: "It fails on Tuesdays.",
	})
	assert.Contains(t, got, "github issue #7")
	assert.Contains(t, got, "octo/repo")
	assert.Contains(t, got, "Fix the flaky test")
	assert.Contains(t, got, "It fails on Tuesdays.")
}
