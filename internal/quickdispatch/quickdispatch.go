// Package quickdispatch classifies and runs the narrow set of read-only
// queries and safe mutations spec §4.4's quick_dispatch command is
// allowed to execute immediately, bypassing a full builder session.
// Anything that does not match the allowlist, or matches a blocked
// pattern, is rejected so the caller falls back to a normal dispatch.
package quickdispatch

import (
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Operation is the closed set of quick_dispatch request kinds.
const (
	OperationQuery          = "query"
	OperationSimpleMutation = "simple_mutation"
)

const execTimeout = 30 * time.Second

var queryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^ls\b`),
	regexp.MustCompile(`^tree\b`),
	regexp.MustCompile(`^pwd$`),
	regexp.MustCompile(`^cat\b`),
	regexp.MustCompile(`^head\b`),
	regexp.MustCompile(`^tail\b`),
	regexp.MustCompile(`^find\b.*-type`),
	regexp.MustCompile(`^which\b`),
	regexp.MustCompile(`^wc\b`),
	regexp.MustCompile(`^git\s+(status|log|diff|branch|show)\b`),
	regexp.MustCompile(`^file\b`),
	regexp.MustCompile(`^stat\b`),
}

var mutationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^mkdir\s+(-p\s+)?"?[\w./_-]+"?$`),
	regexp.MustCompile(`^touch\s+"?[\w./_-]+"?$`),
	regexp.MustCompile(`^cp\b`),
	regexp.MustCompile(`^mv\b`),
	regexp.MustCompile(`^git\s+(add|checkout|switch|branch\s+-[dD]?)\b`),
}

var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\b`),
	regexp.MustCompile(`\brmdir\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`--force`),
	regexp.MustCompile(`--hard`),
	regexp.MustCompile(`\|`),
	regexp.MustCompile(`&&`),
	regexp.MustCompile(`;\s*`),
	regexp.MustCompile(`>\s*`),
	regexp.MustCompile(`\bchmod\b.*777`),
}

// Classify reports whether command is safe to run immediately for the
// given operation kind. A false result carries the reason the caller
// should surface back to the user along with a hint to use a full
// dispatch instead.
func Classify(operation, command string) (safe bool, reason string) {
	for _, p := range blockedPatterns {
		if p.MatchString(command) {
			return false, "command contains a blocked pattern; use dispatch for this operation"
		}
	}
	switch operation {
	case OperationQuery:
		for _, p := range queryPatterns {
			if p.MatchString(command) {
				return true, ""
			}
		}
		return false, "query pattern not recognized; use dispatch for safety"
	case OperationSimpleMutation:
		for _, p := range mutationPatterns {
			if p.MatchString(command) {
				return true, ""
			}
		}
		return false, "mutation pattern not recognized; use dispatch for safety"
	default:
		return false, "unknown operation type"
	}
}

// Result is the outcome of Run.
type Result struct {
	Success bool
	Output  string
	Error   string
}

// Run executes an already-classified-safe command through the shell,
// bounded by execTimeout. Callers must call Classify first; Run does not
// re-check safety.
func Run(ctx context.Context, command, workingDir string) Result {
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workingDir != "" {
		cmd.Dir = workingDir
	}
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		if ctx.Err() == context.DeadlineExceeded {
			msg = "command timed out after 30s"
		}
		return Result{Success: false, Error: msg}
	}
	output := strings.TrimSpace(stdout.String())
	if output == "" {
		output = "Done."
	}
	return Result{Success: true, Output: output}
}
