package dialogue

import (
	"bytes"
	"fmt"
	"text/template"
)

// SystemPrompt steers every dialogue turn. The model must answer with a
// single JSON object so the driver can parse its intent.
const SystemPrompt = `You are an autonomous software engineering agent working on a repository task.

You operate in turns. On every turn you must reply with exactly one JSON object, optionally preceded by a short explanation. The JSON forms you may use:

1. Run a tool:
   {"command": {"tool": "<tool_name>", "args": {<tool arguments>}}}
2. Declare the task finished:
   {"done": true, "summary": "<what you did>"}
3. Say something to the humans on the thread without running a tool:
   {"message": "<your message>"}

Rules:
- One JSON object per reply. If you emit several, only the first is honored.
- Tool output from your previous command is provided in the next user message.
- New comments from humans may be injected between turns; treat them as additional instructions.
- Prefer small, verifiable steps. Finish with {"done": true} only when the work is complete.`

// firstUserTemplate seeds the conversation with the task fields.
var firstUserTemplate = template.Must(template.New("first").Parse(
	`You are working on {{.Platform}} {{.Kind}} {{.Ref}} in repository {{.Repo}}.

Title: {{.Title}}

Description:
{{.Body}}
{{if .Comments}}
Recent discussion:
{{.Comments}}
{{end}}
Begin by inspecting the repository state with your tools, then work the task to completion.`))

// TaskContext carries the fields the first user prompt is templated with.
type TaskContext struct {
	Platform string
	Kind     string
	Ref      string // "#7" or "!3"
	Repo     string
	Title    string
	Body     string
	Comments string
}

// FirstUserPrompt renders the opening user message for a fresh dialogue.
func FirstUserPrompt(tc TaskContext) string {
	var buf bytes.Buffer
	if err := firstUserTemplate.Execute(&buf, tc); err != nil {
		// Template and struct are fixed at compile time; this is unreachable
		// short of a programming error.
		return fmt.Sprintf("Work on %s %s %s in %s: %s", tc.Platform, tc.Kind, tc.Ref, tc.Repo, tc.Title)
	}
	return buf.String()
}
