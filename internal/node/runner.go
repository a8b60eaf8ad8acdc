// ABOUTME: Runner executes approved node commands and captures their output
// ABOUTME: ShellRunner is the local implementation; tests substitute their own

package node

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Runner executes one approved command. Implementations must honor ctx
// cancellation. A non-zero exit code is not an error: err is reserved for
// failures to run the command at all.
type Runner interface {
	Run(ctx context.Context, command, args, workingDir string) (exitCode int, stdout, stderr string, err error)
}

// ShellRunner runs commands through the local shell. Use only behind the
// approval workflow.
type ShellRunner struct {
	// Shell is the interpreter binary, defaulting to /bin/sh.
	Shell string
}

// Run executes command plus args via the shell, capturing both streams.
func (r *ShellRunner) Run(ctx context.Context, command, args, workingDir string) (int, string, string, error) {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	line := command
	if args != "" {
		line = command + " " + args
	}

	cmd := exec.CommandContext(ctx, shell, "-c", line)
	cmd.Dir = workingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), stdout.String(), stderr.String(), nil
		}
		return -1, stdout.String(), stderr.String(), err
	}

	return 0, stdout.String(), stderr.String(), nil
}

// BaseCommand returns the first token of a command line, used by the
// trusted-command allowlist.
func BaseCommand(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
