// Package materializer invokes the external template materializer: it
// populates a workspace from a template source and refreshes the
// workspace's dependency locks so published content pins versions resolved
// at sync time.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Sub-steps of one materialization, named in command errors.
const (
	StepMaterialize = "materialize"
	StepLockRefresh = "lock-refresh"
)

// Materializer produces a populated workspace from a template source.
type Materializer interface {
	Materialize(ctx context.Context, sourceDir, name, destDir string) error
	RefreshLocks(ctx context.Context, destDir string) error
}

// CommandError reports a failed materializer invocation, carrying the
// failing sub-step and the command's combined output.
type CommandError struct {
	Step    string
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s failed: %s: %v", e.Step, e.Command, e.Err)
	}
	return fmt.Sprintf("%s failed: %s: %v: %s", e.Step, e.Command, e.Err, truncateOutput(out))
}

func (e *CommandError) Unwrap() error { return e.Err }

// Shell runs the materializer as external commands built from argv
// templates. {source}, {name} and {dest} placeholders are replaced per
// invocation.
type Shell struct {
	Command     []string
	LockCommand []string
	Timeout     time.Duration
	Logger      *slog.Logger
}

// NewShell creates a shell materializer.
func NewShell(command, lockCommand []string, timeout time.Duration, logger *slog.Logger) *Shell {
	return &Shell{
		Command:     command,
		LockCommand: lockCommand,
		Timeout:     timeout,
		Logger:      logger,
	}
}

// Materialize populates destDir from sourceDir.
func (s *Shell) Materialize(ctx context.Context, sourceDir, name, destDir string) error {
	argv := expandTemplate(s.Command, sourceDir, name, destDir)
	if err := s.run(ctx, StepMaterialize, argv, destDir); err != nil {
		return err
	}
	return nil
}

// RefreshLocks resolves and pins the workspace's dependency graph.
func (s *Shell) RefreshLocks(ctx context.Context, destDir string) error {
	argv := expandTemplate(s.LockCommand, "", "", destDir)
	return s.run(ctx, StepLockRefresh, argv, destDir)
}

func (s *Shell) run(ctx context.Context, step string, argv []string, workDir string) error {
	if len(argv) == 0 || argv[0] == "" {
		return &CommandError{Step: step, Err: errors.New("empty command")}
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	start := time.Now()
	command := exec.CommandContext(ctx, argv[0], argv[1:]...)
	command.Dir = workDir

	s.Logger.Info("Executing command", "step", step, "cmd", command.String(), "dir", workDir)

	output, err := command.CombinedOutput()
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		s.Logger.Error(
			"Command failed",
			"step", step,
			"cmd", command.String(),
			"exit_code", exitCode,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return &CommandError{
			Step:    step,
			Command: formatCommand(argv),
			Output:  string(output),
			Err:     err,
		}
	}

	s.Logger.Info(
		"Command succeeded",
		"step", step,
		"cmd", command.String(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func expandTemplate(argv []string, sourceDir, name, destDir string) []string {
	replacer := strings.NewReplacer(
		"{source}", sourceDir,
		"{name}", name,
		"{dest}", destDir,
	)
	expanded := make([]string, len(argv))
	for i, arg := range argv {
		expanded[i] = replacer.Replace(arg)
	}
	return expanded
}

func formatCommand(argv []string) string {
	parts := make([]string, 0, len(argv))
	for _, arg := range argv {
		if strings.ContainsAny(arg, " \t") {
			parts = append(parts, fmt.Sprintf("%q", arg))
			continue
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}

func truncateOutput(value string) string {
	const maxLen = 2000
	if len(value) <= maxLen {
		return value
	}
	return value[:maxLen] + "...(truncated)"
}
