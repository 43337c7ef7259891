// forgepilot-tools is the stdio MCP tool server spawned per task by the
// consumer. It exposes forge operations on the task's repository so the
// dialogue can act on the tracker.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forgepilot/forgepilot/internal/forge"
	"github.com/forgepilot/forgepilot/internal/task"
)

func main() {
	scope, err := scopeFromEnv()
	if err != nil {
		log.Fatalf("[tool server] %v", err)
	}

	log.Printf("[tool server] starting for %s", scope.key.String())

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "forgepilot-tools",
		Version: "v1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "post_comment",
		Description: "Post a comment on the work item being processed",
	}, scope.handlePostComment)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_comments",
		Description: "Fetch the discussion thread of the work item, oldest first",
	}, scope.handleGetComments)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_label",
		Description: "Add a label to the work item",
	}, scope.handleAddLabel)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "remove_label",
		Description: "Remove a label from the work item",
	}, scope.handleRemoveLabel)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_branches",
		Description: "List the repository's branch names",
	}, scope.handleListBranches)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[tool server] shutdown signal received")
		cancel()
	}()

	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		log.Fatalf("[tool server] %v", err)
	}
	log.Println("[tool server] stopped")
}

// scope binds the tool handlers to one work item via the env contract set by
// the consumer.
type scope struct {
	forge forge.Forge
	key   task.Key
}

func scopeFromEnv() (*scope, error) {
	platform := task.Platform(os.Getenv("TASK_PLATFORM"))
	kind := task.Kind(os.Getenv("TASK_KIND"))
	token := os.Getenv("FORGE_TOKEN")

	var key task.Key
	var f forge.Forge
	switch platform {
	case task.PlatformGitHub:
		key = task.Key{
			Platform: platform, Kind: kind,
			Owner:  os.Getenv("REPO_OWNER"),
			Repo:   os.Getenv("REPO_NAME"),
			Number: envInt("TASK_NUMBER"),
		}
		f = forge.NewGitHub(context.Background(), token)
	case task.PlatformGitLab:
		key = task.Key{
			Platform: platform, Kind: kind,
			ProjectID: envInt("PROJECT_ID"),
			IID:       envInt("TASK_IID"),
		}
		f = forge.NewGitLab(os.Getenv("FORGE_API_URL"), token)
	}

	if err := key.Validate(); err != nil {
		return nil, err
	}
	return &scope{forge: f, key: key}, nil
}
