// Package command runs the external programs that some pipeline steps
// delegate to, such as skopeo, crane, and nix.
package command

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/input-output-hk/catalyst-forge-libs/executor"

	"github.com/apparentlymart/oci-multiarch-publisher/internal/logging"
)

// Result is the captured outcome of a completed program.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs a program to completion.
//
// A program that starts but exits unsuccessfully produces an [ExitError]
// along with a non-nil result holding whatever output it produced.
type Runner interface {
	Run(ctx context.Context, name string, args []string) (*Result, error)
}

// Exec is a [Runner] that starts real processes.
type Exec struct {
	// Env, if set, is added to the environment inherited from this process.
	Env map[string]string

	// Stderr, if set, additionally receives the program's standard error
	// as it is produced, which is useful for showing progress.
	Stderr io.Writer
}

var _ EnvRunner = (*Exec)(nil)

func (e *Exec) Run(ctx context.Context, name string, args []string) (*Result, error) {
	logger, done := logging.ContextLoggerStep(ctx, "run %s", name)
	defer done()
	logger.Debugf("running %s %s", name, strings.Join(Redact(args), " "))

	opts := []executor.Option{
		executor.WithCapture(true, true, false),
	}
	if len(e.Env) != 0 {
		opts = append(opts, executor.WithEnv(e.Env))
	}
	if e.Stderr != nil {
		opts = append(opts, executor.WithStderrWriter(e.Stderr))
	}

	res, err := executor.New(name, args...).Execute(ctx, opts...)
	if err == nil {
		return &Result{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
	}
	if res == nil || res.ExitCode <= 0 {
		// The program could not be started, or was killed by a signal.
		return nil, fmt.Errorf("failed to run %s: %w", name, err)
	}
	result := &Result{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}
	return result, ExitError{
		Name:   name,
		Code:   res.ExitCode,
		Stderr: strings.TrimSpace(res.Stderr),
	}
}

// WithEnv returns a copy of the runner that additionally sets the given
// environment variables.
func (e *Exec) WithEnv(env map[string]string) Runner {
	merged := make(map[string]string, len(e.Env)+len(env))
	for k, v := range e.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	return &Exec{Env: merged, Stderr: e.Stderr}
}

// EnvRunner is a [Runner] that can also run programs with additional
// environment variables.
type EnvRunner interface {
	Runner
	WithEnv(env map[string]string) Runner
}

// ExitError is returned when a program exits with a non-zero status.
type ExitError struct {
	Name   string
	Code   int
	Stderr string
}

func (err ExitError) Error() string {
	if err.Stderr == "" {
		return fmt.Sprintf("%s exited with status %d", err.Name, err.Code)
	}
	return fmt.Sprintf("%s exited with status %d: %s", err.Name, err.Code, err.Stderr)
}

// secretFlags are the flags of the wrapped tools whose values are
// credentials.
var secretFlags = map[string]bool{
	"--dest-registry-token": true,
	"--dest-creds":          true,
	"--password":            true,
	"-p":                    true,
}

// Redact returns a copy of args with the values of credential flags
// replaced, for use in log output.
func Redact(args []string) []string {
	ret := make([]string, len(args))
	copy(ret, args)
	for i := 0; i < len(ret); i++ {
		arg := ret[i]
		if eq := strings.IndexByte(arg, '='); eq > 0 && secretFlags[arg[:eq]] {
			ret[i] = arg[:eq+1] + redacted
			continue
		}
		if secretFlags[arg] && i+1 < len(ret) {
			ret[i+1] = redacted
			i++
		}
	}
	return ret
}

const redacted = "<redacted>"
