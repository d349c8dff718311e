package git

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
)

// Clone performs a shallow, single-branch clone of repoURL into dest. The
// directory must already exist; builds fetch only what they need and deepen
// afterwards when pinned to an exact commit.
func Clone(ctx context.Context, repoURL, branch, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch, "--single-branch")
	}
	args = append(args, repoURL, ".")
	return run(ctx, dest, args...)
}

// CheckoutCommit deepens a shallow clone and checks out the exact commit.
// Pushes can stack up while a job waits in the queue, so the branch head at
// clone time is not necessarily the commit that triggered the build.
func CheckoutCommit(ctx context.Context, dest, commitSHA string) error {
	if commitSHA == "" {
		return nil
	}
	if err := run(ctx, dest, "fetch", "--unshallow"); err != nil {
		// Already-complete clones reject --unshallow; fall back to a
		// plain fetch before giving up.
		if fetchErr := run(ctx, dest, "fetch"); fetchErr != nil {
			return err
		}
	}
	return run(ctx, dest, "checkout", commitSHA)
}

func run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s failed: %w: %s", args[0], err, redact(string(output)))
	}
	return nil
}

// redact strips embedded credentials from URLs before they reach logs or
// persisted error text.
func redact(s string) string {
	fields := strings.Fields(s)
	for i, field := range fields {
		trimmed := strings.Trim(field, "'\"")
		if !strings.Contains(trimmed, "@") || !strings.Contains(trimmed, "://") {
			continue
		}
		parsed, err := url.Parse(trimmed)
		if err != nil || parsed.User == nil {
			continue
		}
		parsed.User = url.User("REDACTED")
		fields[i] = parsed.String()
	}
	return strings.Join(fields, " ")
}
