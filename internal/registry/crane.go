package registry

import (
	"context"
	"fmt"
	"os"

	"github.com/apparentlymart/oci-multiarch-publisher/internal/command"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/config"
)

// CraneComposer publishes manifest lists by running "crane index append"
// with an empty base index.
//
// crane reads credentials from the container tool configuration, so the
// token from the settings is used to log in first. When the runner supports
// extra environment variables, the login is written to a temporary
// DOCKER_CONFIG directory that is removed afterwards. Otherwise it is stored
// in the user's own configuration and stays there.
type CraneComposer struct {
	Settings config.PushSettings
	Runner   command.Runner

	// Program overrides the name of the crane executable.
	Program string
}

var _ Composer = (*CraneComposer)(nil)

func (c *CraneComposer) Compose(ctx context.Context, target string, entries []Entry) error {
	if len(entries) == 0 {
		return fmt.Errorf("manifest list %s must reference at least one image", target)
	}
	program := c.Program
	if program == "" {
		program = "crane"
	}

	runner := c.Runner
	login := c.loginArgs(target)
	if envRunner, ok := runner.(command.EnvRunner); ok && login != nil {
		dir, err := os.MkdirTemp("", "crane-auth-")
		if err != nil {
			return fmt.Errorf("failed to create temporary credentials directory: %w", err)
		}
		defer os.RemoveAll(dir)
		runner = envRunner.WithEnv(map[string]string{"DOCKER_CONFIG": dir})
	}

	if login != nil {
		if _, err := runner.Run(ctx, program, login); err != nil {
			return fmt.Errorf("failed to log in to %s: %w", config.TargetRegistry(target), err)
		}
	}
	if _, err := runner.Run(ctx, program, c.appendArgs(target, entries)); err != nil {
		return fmt.Errorf("failed to push manifest list %s: %w", target, err)
	}
	return nil
}

func (c *CraneComposer) loginArgs(target string) []string {
	creds := c.Settings.Credentials
	if creds.Token == "" {
		return nil
	}
	username := creds.Username
	if username == "" {
		username = "oauth2accesstoken"
	}
	args := []string{"auth", "login", config.TargetRegistry(target), "--username", username, "--password", creds.Token}
	if c.Settings.PlainHTTP {
		args = append(args, "--insecure")
	}
	return args
}

func (c *CraneComposer) appendArgs(target string, entries []Entry) []string {
	args := []string{"index", "append", "--tag", target}
	for _, entry := range entries {
		args = append(args, "--manifest", entry.Ref)
	}
	if c.Settings.PlainHTTP {
		args = append(args, "--insecure")
	}
	return args
}
