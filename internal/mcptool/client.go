// Package mcptool runs a tool server as a stdio subprocess and exposes its
// tools to the dialogue driver through a small call interface.
package mcptool

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forgepilot/forgepilot/internal/task"
)

// DefaultCallTimeout bounds a single tool invocation. Long-running tools
// (builds, test suites) fit comfortably; a hung subprocess does not.
const DefaultCallTimeout = 5 * time.Minute

// Client wraps one MCP session over a subprocess stdio transport. All calls
// are scoped to a single work item whose repository coordinates are injected
// into every tool invocation.
type Client struct {
	session *mcp.ClientSession
	key     task.Key
	timeout time.Duration
}

// Connect starts the tool server subprocess and performs the MCP handshake.
// Extra environment entries ("KEY=value") are appended to the inherited
// environment.
func Connect(ctx context.Context, command string, args, extraEnv []string, key task.Key) (*Client, error) {
	cmd := exec.Command(command, args...)
	if len(extraEnv) > 0 {
		cmd.Env = append(cmd.Environ(), extraEnv...)
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "forgepilot",
		Version: "v1.0.0",
	}, nil)

	session, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect tool server: %w", err)
	}

	slog.Info("tool server connected", "command", command, "task", key.String())
	return &Client{session: session, key: key, timeout: DefaultCallTimeout}, nil
}

// ListToolNames returns the names the server advertises.
func (c *Client) ListToolNames(ctx context.Context) ([]string, error) {
	res, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	names := make([]string, 0, len(res.Tools))
	for _, t := range res.Tools {
		names = append(names, t.Name)
	}
	return names, nil
}

// Call invokes a named tool and flattens its text content into one string.
// The repository coordinates of the bound work item are injected unless the
// arguments already carry them.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args = c.injectScope(args)

	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("call tool %s: %w", name, err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		return "", fmt.Errorf("tool %s reported error: %s", name, text)
	}
	return text, nil
}

// Close shuts the session down, terminating the subprocess.
func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) injectScope(args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+2)
	for k, v := range args {
		out[k] = v
	}
	switch c.key.Platform {
	case task.PlatformGitHub:
		if _, ok := out["owner"]; !ok {
			out["owner"] = c.key.Owner
		}
		if _, ok := out["repo"]; !ok {
			out["repo"] = c.key.Repo
		}
	case task.PlatformGitLab:
		if _, ok := out["project_id"]; !ok {
			out["project_id"] = strconv.Itoa(c.key.ProjectID)
		}
	}
	return out
}

func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, item := range content {
		if tc, ok := item.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
