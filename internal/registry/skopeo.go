package registry

import (
	"context"
	"fmt"

	"github.com/apparentlymart/oci-multiarch-publisher/internal/command"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/config"
)

// SkopeoCopier uploads image archives by running "skopeo copy".
type SkopeoCopier struct {
	Settings config.PushSettings
	Runner   command.Runner

	// Program overrides the name of the skopeo executable.
	Program string
}

var _ Copier = (*SkopeoCopier)(nil)

func (c *SkopeoCopier) Copy(ctx context.Context, archivePath, ref string) error {
	program := c.Program
	if program == "" {
		program = "skopeo"
	}
	_, err := c.Runner.Run(ctx, program, c.args(archivePath, ref))
	if err != nil {
		return fmt.Errorf("failed to push %s: %w", ref, err)
	}
	return nil
}

func (c *SkopeoCopier) args(archivePath, ref string) []string {
	args := []string{"copy"}
	if c.Settings.InsecurePolicy {
		args = append(args, "--insecure-policy")
	}
	creds := c.Settings.Credentials
	switch {
	case creds.Token == "":
	case creds.Username != "":
		args = append(args, "--dest-creds", creds.Username+":"+creds.Token)
	default:
		args = append(args, "--dest-registry-token", creds.Token)
	}
	if c.Settings.PlainHTTP {
		args = append(args, "--dest-tls-verify=false")
	}
	return append(args,
		"--dest-compress",
		"docker-archive:"+archivePath,
		"docker://"+ref,
	)
}
