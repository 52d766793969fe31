package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/gzip"

	"github.com/apparentlymart/oci-multiarch-publisher/internal/command"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/config"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/platform"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/registry/registrytest"
)

func TestRemoteCopierAndComposer(t *testing.T) {
	host := registrytest.NewServer(t)
	dir := t.TempDir()
	settings := config.PushSettings{
		Credentials: config.Credentials{Token: "not-checked"},
		Target:      host + "/example/app:v1",
		PlainHTTP:   true,
	}
	ctx := context.Background()

	copier := NewRemoteCopier(settings)
	var entries []Entry
	for i, raw := range []string{"linux/amd64", "linux/arm64"} {
		p := platform.MustParse(raw)
		archive := filepath.Join(dir, p.SafeName()+".tar.gz")
		// Exercise both compressed and uncompressed archives.
		registrytest.WriteArchive(t, archive, i == 0)

		ref := host + "/example/app:v1-" + p.SafeName()
		if err := copier.Copy(ctx, archive, ref); err != nil {
			t.Fatalf("failed to copy %s: %s", raw, err)
		}
		entries = append(entries, Entry{Ref: ref, Platform: p})
	}

	composer := NewRemoteComposer(settings)
	if err := composer.Compose(ctx, settings.Target, entries); err != nil {
		t.Fatalf("failed to compose: %s", err)
	}

	target, err := name.ParseReference(settings.Target, name.Insecure)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := remote.Index(target)
	if err != nil {
		t.Fatalf("failed to fetch manifest list: %s", err)
	}
	mediaType, err := idx.MediaType()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := mediaType, types.DockerManifestList; got != want {
		t.Errorf("wrong media type\ngot:  %s\nwant: %s", got, want)
	}
	im, err := idx.IndexManifest()
	if err != nil {
		t.Fatal(err)
	}
	var gotPlatforms []string
	for i, desc := range im.Manifests {
		if desc.Platform == nil {
			t.Errorf("manifest %d has no platform", i)
			continue
		}
		gotPlatforms = append(gotPlatforms, desc.Platform.String())

		child, err := name.ParseReference(entries[i].Ref, name.Insecure)
		if err != nil {
			t.Fatal(err)
		}
		head, err := remote.Head(child)
		if err != nil {
			t.Fatalf("failed to fetch %s: %s", entries[i].Ref, err)
		}
		if head.Digest != desc.Digest {
			t.Errorf("manifest %d has digest %s, but %s has %s", i, desc.Digest, entries[i].Ref, head.Digest)
		}
	}
	wantPlatforms := []string{"linux/amd64", "linux/arm64"}
	if diff := cmp.Diff(wantPlatforms, gotPlatforms); diff != "" {
		t.Errorf("wrong platforms\n%s", diff)
	}
}

func TestRemoteCopierGzipArchive(t *testing.T) {
	host := registrytest.NewServer(t)
	dir := t.TempDir()
	plain := filepath.Join(dir, "image.tar")
	registrytest.WriteArchive(t, plain, false)
	compressed := filepath.Join(dir, "image.tar.gz")
	gzipFile(t, plain, compressed)

	copier := NewRemoteCopier(config.PushSettings{PlainHTTP: true})
	ctx := context.Background()
	digests := make(map[string]string)
	for tag, archive := range map[string]string{"plain": plain, "gzip": compressed} {
		ref := host + "/example/app:" + tag
		if err := copier.Copy(ctx, archive, ref); err != nil {
			t.Fatalf("failed to copy %s archive: %s", tag, err)
		}
		parsed, err := name.ParseReference(ref, name.Insecure)
		if err != nil {
			t.Fatal(err)
		}
		head, err := remote.Head(parsed)
		if err != nil {
			t.Fatalf("failed to fetch %s: %s", ref, err)
		}
		digests[tag] = head.Digest.String()
	}
	if digests["plain"] != digests["gzip"] {
		t.Errorf("compressed archive produced a different image\nplain: %s\ngzip:  %s", digests["plain"], digests["gzip"])
	}
}

func gzipFile(t *testing.T, src, dst string) {
	t.Helper()
	raw, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRemoteCopierMissingArchive(t *testing.T) {
	host := registrytest.NewServer(t)
	copier := NewRemoteCopier(config.PushSettings{PlainHTTP: true})
	err := copier.Copy(context.Background(), filepath.Join(t.TempDir(), "nope.tar.gz"), host+"/example/app:v1")
	if err == nil {
		t.Fatal("unexpected success")
	}
	if got, want := err.Error(), "failed to load image archive"; !strings.Contains(got, want) {
		t.Errorf("wrong error\ngot:  %s\nwant substring: %s", got, want)
	}
}

func TestRemoteComposerRejects(t *testing.T) {
	host := registrytest.NewServer(t)
	settings := config.PushSettings{PlainHTTP: true}
	composer := NewRemoteComposer(settings)
	ctx := context.Background()
	amd64 := platform.MustParse("linux/amd64")

	tests := map[string]struct {
		entries []Entry
		want    string
	}{
		"no entries": {
			nil,
			"must reference at least one image",
		},
		"other repository": {
			[]Entry{{Ref: host + "/example/other:v1-linux-amd64", Platform: amd64}},
			"is not in the same repository",
		},
		"not pushed": {
			[]Entry{{Ref: host + "/example/app:v1-linux-amd64", Platform: amd64}},
			"failed to resolve",
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := composer.Compose(ctx, host+"/example/app:v1", test.entries)
			if err == nil {
				t.Fatal("unexpected success")
			}
			if got := err.Error(); !strings.Contains(got, test.want) {
				t.Errorf("wrong error\ngot:  %s\nwant substring: %s", got, test.want)
			}
		})
	}
}

func TestAuthenticator(t *testing.T) {
	tests := map[string]struct {
		creds config.Credentials
		auth  string
	}{
		"anonymous": {config.Credentials{}, ""},
		"bearer":    {config.Credentials{Token: "tok"}, "tok"},
		"basic":     {config.Credentials{Username: "u", Token: "tok"}, "tok"},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			cfg, err := authenticator(test.creds).Authorization()
			if err != nil {
				t.Fatal(err)
			}
			got := cfg.Password
			if test.creds.Username == "" {
				got = cfg.RegistryToken
			}
			if got != test.auth {
				t.Errorf("wrong credential %q; want %q", got, test.auth)
			}
			if cfg.Username != test.creds.Username {
				t.Errorf("wrong username %q; want %q", cfg.Username, test.creds.Username)
			}
		})
	}
}

type fakeRunner struct {
	calls [][]string
	fail  map[string]error
}

func (r *fakeRunner) Run(ctx context.Context, name string, args []string) (*command.Result, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	if len(args) != 0 {
		if err := r.fail[args[0]]; err != nil {
			return &command.Result{ExitCode: 1}, err
		}
	}
	return &command.Result{}, nil
}

func TestSkopeoCopier(t *testing.T) {
	tests := map[string]struct {
		settings config.PushSettings
		want     []string
	}{
		"bearer token": {
			config.PushSettings{
				Credentials: config.Credentials{Token: "tok"},
			},
			[]string{
				"skopeo", "copy",
				"--dest-registry-token", "tok",
				"--dest-compress",
				"docker-archive:/out/images/linux-amd64.tar.gz",
				"docker://ghcr.io/me/app:v1-linux-amd64",
			},
		},
		"basic with options": {
			config.PushSettings{
				Credentials:    config.Credentials{Username: "me", Token: "tok"},
				InsecurePolicy: true,
				PlainHTTP:      true,
			},
			[]string{
				"skopeo", "copy",
				"--insecure-policy",
				"--dest-creds", "me:tok",
				"--dest-tls-verify=false",
				"--dest-compress",
				"docker-archive:/out/images/linux-amd64.tar.gz",
				"docker://ghcr.io/me/app:v1-linux-amd64",
			},
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			runner := &fakeRunner{}
			copier := &SkopeoCopier{Settings: test.settings, Runner: runner}
			err := copier.Copy(context.Background(), "/out/images/linux-amd64.tar.gz", "ghcr.io/me/app:v1-linux-amd64")
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff([][]string{test.want}, runner.calls); diff != "" {
				t.Errorf("wrong commands\n%s", diff)
			}
		})
	}
}

func TestSkopeoCopierFailure(t *testing.T) {
	runner := &fakeRunner{
		fail: map[string]error{"copy": command.ExitError{Name: "skopeo", Code: 1, Stderr: "denied"}},
	}
	copier := &SkopeoCopier{Runner: runner, Program: "/opt/skopeo"}
	err := copier.Copy(context.Background(), "a.tar.gz", "ghcr.io/me/app:v1")
	var exitErr command.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("wrong error %#v; want command.ExitError", err)
	}
	if got, want := runner.calls[0][0], "/opt/skopeo"; got != want {
		t.Errorf("wrong program %q; want %q", got, want)
	}
}

func TestCraneComposer(t *testing.T) {
	entries := []Entry{
		{Ref: "ghcr.io/me/app:v1-linux-amd64", Platform: platform.MustParse("linux/amd64")},
		{Ref: "ghcr.io/me/app:v1-linux-arm64", Platform: platform.MustParse("linux/arm64")},
	}
	runner := &fakeRunner{}
	composer := &CraneComposer{
		Settings: config.PushSettings{Credentials: config.Credentials{Token: "tok"}},
		Runner:   runner,
	}
	if err := composer.Compose(context.Background(), "ghcr.io/me/app:v1", entries); err != nil {
		t.Fatal(err)
	}
	want := [][]string{
		{"crane", "auth", "login", "ghcr.io", "--username", "oauth2accesstoken", "--password", "tok"},
		{
			"crane", "index", "append", "--tag", "ghcr.io/me/app:v1",
			"--manifest", "ghcr.io/me/app:v1-linux-amd64",
			"--manifest", "ghcr.io/me/app:v1-linux-arm64",
		},
	}
	if diff := cmp.Diff(want, runner.calls); diff != "" {
		t.Errorf("wrong commands\n%s", diff)
	}
}

func TestCraneComposerLoginFailure(t *testing.T) {
	runner := &fakeRunner{
		fail: map[string]error{"auth": command.ExitError{Name: "crane", Code: 1}},
	}
	composer := &CraneComposer{
		Settings: config.PushSettings{Credentials: config.Credentials{Username: "me", Token: "tok"}, PlainHTTP: true},
		Runner:   runner,
	}
	err := composer.Compose(context.Background(), "localhost:5000/app:v1", []Entry{
		{Ref: "localhost:5000/app:v1-linux-amd64", Platform: platform.MustParse("linux/amd64")},
	})
	if err == nil {
		t.Fatal("unexpected success")
	}
	want := [][]string{
		{"crane", "auth", "login", "localhost:5000", "--username", "me", "--password", "tok", "--insecure"},
	}
	if diff := cmp.Diff(want, runner.calls); diff != "" {
		t.Errorf("wrong commands\n%s", diff)
	}
}

// envFakeRunner records the environment that each program would run with.
type envFakeRunner struct {
	env  map[string]string
	envs *[]map[string]string
}

func (r *envFakeRunner) Run(ctx context.Context, name string, args []string) (*command.Result, error) {
	*r.envs = append(*r.envs, r.env)
	if r.env != nil {
		if _, err := os.Stat(r.env["DOCKER_CONFIG"]); err != nil {
			return nil, fmt.Errorf("credentials directory is not usable: %w", err)
		}
	}
	return &command.Result{}, nil
}

func (r *envFakeRunner) WithEnv(env map[string]string) command.Runner {
	return &envFakeRunner{env: env, envs: r.envs}
}

func TestCraneComposerTemporaryLogin(t *testing.T) {
	var envs []map[string]string
	composer := &CraneComposer{
		Settings: config.PushSettings{Credentials: config.Credentials{Token: "tok"}},
		Runner:   &envFakeRunner{envs: &envs},
	}
	err := composer.Compose(context.Background(), "ghcr.io/me/app:v1", []Entry{
		{Ref: "ghcr.io/me/app:v1-linux-amd64", Platform: platform.MustParse("linux/amd64")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(envs), 2; got != want {
		t.Fatalf("wrong number of commands %d; want %d", got, want)
	}
	dir := envs[0]["DOCKER_CONFIG"]
	if dir == "" {
		t.Fatal("login did not use a temporary DOCKER_CONFIG")
	}
	if got := envs[1]["DOCKER_CONFIG"]; got != dir {
		t.Errorf("index append used DOCKER_CONFIG %q; want %q", got, dir)
	}
	if _, err := os.Stat(dir); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("temporary DOCKER_CONFIG %s was not removed", dir)
	}
}

func TestNewCopierAndComposer(t *testing.T) {
	settings := config.PushSettings{}
	runner := &fakeRunner{}

	if c, err := NewCopier(config.ToolSkopeo, settings, runner); err != nil {
		t.Errorf("unexpected error: %s", err)
	} else if _, ok := c.(*SkopeoCopier); !ok {
		t.Errorf("wrong copier type %T", c)
	}
	if c, err := NewCopier("", settings, runner); err != nil {
		t.Errorf("unexpected error: %s", err)
	} else if _, ok := c.(*RemoteCopier); !ok {
		t.Errorf("wrong copier type %T", c)
	}
	if _, err := NewCopier("rsync", settings, runner); err == nil {
		t.Error("unexpected success for unknown copy tool")
	}

	if c, err := NewComposer(config.ToolCrane, settings, runner); err != nil {
		t.Errorf("unexpected error: %s", err)
	} else if _, ok := c.(*CraneComposer); !ok {
		t.Errorf("wrong composer type %T", c)
	}
	if _, err := NewComposer(config.ToolSkopeo, settings, runner); err == nil {
		t.Error("unexpected success for skopeo as manifest list tool")
	}
}
