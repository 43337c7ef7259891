package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forgepilot/forgepilot/internal/forge"
)

type postCommentParams struct {
	Body string `json:"body" jsonschema:"The comment body to post"`
}

func (s *scope) handlePostComment(ctx context.Context, req *mcp.CallToolRequest, params postCommentParams) (*mcp.CallToolResult, any, error) {
	if params.Body == "" {
		return nil, nil, fmt.Errorf("body parameter is required")
	}
	if err := s.forge.Comment(ctx, s.key, params.Body); err != nil {
		return errorResult(err), nil, nil
	}
	log.Printf("[tool server] posted comment with %d characters", len(params.Body))
	return textResult("comment posted"), nil, nil
}

type getCommentsParams struct{}

func (s *scope) handleGetComments(ctx context.Context, req *mcp.CallToolRequest, params getCommentsParams) (*mcp.CallToolResult, any, error) {
	comments, err := s.forge.GetComments(ctx, s.key)
	if err != nil {
		return errorResult(err), nil, nil
	}

	var b strings.Builder
	for _, c := range comments {
		fmt.Fprintf(&b, "@%s (%s):\n%s\n\n", c.Author, c.CreatedAt.Format("2006-01-02 15:04"), c.Body)
	}
	if b.Len() == 0 {
		return textResult("no comments"), nil, nil
	}
	return textResult(strings.TrimRight(b.String(), "\n")), nil, nil
}

type labelParams struct {
	Name string `json:"name" jsonschema:"The label name"`
}

func (s *scope) handleAddLabel(ctx context.Context, req *mcp.CallToolRequest, params labelParams) (*mcp.CallToolResult, any, error) {
	if params.Name == "" {
		return nil, nil, fmt.Errorf("name parameter is required")
	}
	if err := s.forge.AddLabel(ctx, s.key, params.Name); err != nil {
		return errorResult(err), nil, nil
	}
	return textResult("label added"), nil, nil
}

func (s *scope) handleRemoveLabel(ctx context.Context, req *mcp.CallToolRequest, params labelParams) (*mcp.CallToolResult, any, error) {
	if params.Name == "" {
		return nil, nil, fmt.Errorf("name parameter is required")
	}
	if err := s.forge.RemoveLabel(ctx, s.key, params.Name); err != nil {
		return errorResult(err), nil, nil
	}
	return textResult("label removed"), nil, nil
}

type listBranchesParams struct{}

func (s *scope) handleListBranches(ctx context.Context, req *mcp.CallToolRequest, params listBranchesParams) (*mcp.CallToolResult, any, error) {
	repo := forge.RepoRef{Owner: s.key.Owner, Name: s.key.Repo, ProjectID: s.key.ProjectID}
	branches, err := s.forge.ListBranches(ctx, repo)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return textResult(strings.Join(branches, "\n")), nil, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Error: %v", err)}},
		IsError: true,
	}
}

func envInt(key string) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return n
}
