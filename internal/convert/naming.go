// Package convert turns a labelled issue into a working branch and a draft
// change request, transactionally.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/forgepilot/forgepilot/internal/dialogue"
)

// MaxBranchNameLength is the forge-safe cap on generated branch names,
// collision suffix included.
const MaxBranchNameLength = 50

// maxBaseNameLength reserves headroom under the cap for a collision suffix.
const maxBaseNameLength = MaxBranchNameLength - 2

// maxCollisionSuffix bounds the -2, -3, ... retry suffixes.
const maxCollisionSuffix = 5

var (
	branchNameRE  = regexp.MustCompile(`^(feature|fix|docs|refactor|test|task)/[a-z0-9-]+$`)
	reservedRE    = regexp.MustCompile(`^(main|master|develop|release|hotfix)$`)
	branchCharsRE = regexp.MustCompile(`[^a-z0-9-]+`)
)

// namingSystemPrompt instructs the short branch-naming LLM call. The reply
// must be the branch name alone.
const namingSystemPrompt = `You generate git branch names. Reply with the branch name only, nothing else.

Rules:
- Lowercase letters, digits, and hyphens only after the prefix.
- Must start with one of: feature/, fix/, docs/, refactor/, test/, task/.
- Must contain the bot name "%s" and the issue number %d.
- At most %d characters total.`

// ValidateBranchName enforces the naming rule for a given bot and issue
// number.
func ValidateBranchName(name, botName string, issueNumber int) error {
	if len(name) > maxBaseNameLength {
		return fmt.Errorf("branch name %q exceeds %d characters", name, maxBaseNameLength)
	}
	if reservedRE.MatchString(name) {
		return fmt.Errorf("branch name %q is reserved", name)
	}
	if !branchNameRE.MatchString(name) {
		return fmt.Errorf("branch name %q does not match the naming rule", name)
	}
	if botName != "" && !strings.Contains(name, strings.ToLower(botName)) {
		return fmt.Errorf("branch name %q does not contain bot name %q", name, botName)
	}
	if !strings.Contains(name, strconv.Itoa(issueNumber)) {
		return fmt.Errorf("branch name %q does not contain issue number %d", name, issueNumber)
	}
	return nil
}

// FallbackBranchName is the deterministic name used when the LLM call fails
// or produces an invalid name. The bot name is reduced to the branch
// character set and the result always fits under the suffix-headroom cap.
func FallbackBranchName(botName string, issueNumber int) string {
	bot := strings.Trim(branchCharsRE.ReplaceAllString(strings.ToLower(botName), "-"), "-")
	if bot == "" {
		bot = "bot"
	}
	name := fmt.Sprintf("task/%s-%d-auto-generated", bot, issueNumber)
	if len(name) <= maxBaseNameLength {
		return name
	}
	name = fmt.Sprintf("task/%s-%d", bot, issueNumber)
	if len(name) <= maxBaseNameLength {
		return name
	}
	room := maxBaseNameLength - len(fmt.Sprintf("task/-%d", issueNumber))
	if room < 1 {
		room = 1
	}
	return fmt.Sprintf("task/%s-%d", strings.TrimRight(bot[:room], "-"), issueNumber)
}

// GenerateBranchName asks the LLM for a branch name and falls back to the
// deterministic form on any failure. The result always validates.
func GenerateBranchName(ctx context.Context, llm dialogue.LLM, title, botName string, issueNumber int) string {
	fallback := FallbackBranchName(botName, issueNumber)
	if llm == nil {
		return fallback
	}

	system := fmt.Sprintf(namingSystemPrompt, strings.ToLower(botName), issueNumber, maxBaseNameLength)
	reply, err := llm.Send(ctx, system, []dialogue.Message{
		{Role: "user", Content: fmt.Sprintf("Issue #%d: %s", issueNumber, title)},
	})
	if err != nil {
		slog.Warn("branch naming call failed, using fallback", "issue", issueNumber, "error", err)
		return fallback
	}

	name := cleanBranchReply(reply.Text)
	if err := ValidateBranchName(name, botName, issueNumber); err != nil {
		slog.Warn("generated branch name invalid, using fallback", "name", name, "error", err)
		return fallback
	}
	return name
}

// cleanBranchReply strips the wrapping the model tends to add around a bare
// branch name.
func cleanBranchReply(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "`\"'")
	if i := strings.IndexAny(s, " \n\t"); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(s)
}

// ResolveCollision returns name unchanged when it is free, otherwise the
// first free -2..-5 suffixed variant. Exhaustion is an error.
func ResolveCollision(name string, existing []string) (string, error) {
	taken := make(map[string]struct{}, len(existing))
	for _, b := range existing {
		taken[b] = struct{}{}
	}

	if _, clash := taken[name]; !clash {
		return name, nil
	}
	for i := 2; i <= maxCollisionSuffix; i++ {
		candidate := fmt.Sprintf("%s-%d", name, i)
		if _, clash := taken[candidate]; !clash {
			return candidate, nil
		}
	}
	return "", errors.New("branch name collision suffixes exhausted")
}
