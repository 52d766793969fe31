package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/distribution/reference"
)

// Names of the environment variables read by [PushSettingsFromEnv] and
// [UploadSettingsFromEnv].
const (
	EnvToken          = "REGISTRY_TOKEN"
	EnvUsername       = "REGISTRY_USERNAME"
	EnvTarget         = "IMAGE_TARGET"
	EnvBuildRef       = "IMAGE_BUILD_REF"
	EnvInsecurePolicy = "INSECURE_POLICY"
	EnvPlainHTTP      = "REGISTRY_PLAIN_HTTP"
)

// Credentials authenticate to the target registry.
type Credentials struct {
	// Username is optional. When it is set the token is sent as a password
	// using basic authentication; otherwise the token is sent directly to
	// the registry as a bearer token.
	Username string
	Token    string
}

// PushSettings are the validated inputs shared by every pipeline that
// writes to a registry.
type PushSettings struct {
	Credentials Credentials

	// Target is the normalized, fully-qualified and tagged reference that
	// the pipeline publishes to.
	Target string

	// InsecurePolicy disables signature policy verification in external
	// copy tools that support it.
	InsecurePolicy bool

	// PlainHTTP talks to the registry without TLS.
	PlainHTTP bool
}

// UploadSettings are the validated inputs of a single-image upload.
type UploadSettings struct {
	Push     PushSettings
	BuildRef string
}

// Getenv has the same signature as [os.Getenv].
type Getenv func(key string) string

// PushSettingsFromEnv builds push settings for the given target reference
// using credentials and options from the environment. If target is empty
// then the target is taken from the environment instead.
func PushSettingsFromEnv(getenv Getenv, target string) (PushSettings, error) {
	if target == "" {
		target = getenv(EnvTarget)
	}
	var missing []string
	token := getenv(EnvToken)
	if token == "" {
		missing = append(missing, EnvToken)
	}
	if target == "" {
		missing = append(missing, EnvTarget)
	}
	if len(missing) != 0 {
		return PushSettings{}, MissingEnvError{Names: missing}
	}
	return pushSettings(getenv, token, target)
}

// UploadSettingsFromEnv builds single-image upload settings entirely from
// the environment. All three of the token, target, and build reference are
// required.
func UploadSettingsFromEnv(getenv Getenv) (UploadSettings, error) {
	var missing []string
	token := getenv(EnvToken)
	target := getenv(EnvTarget)
	buildRef := getenv(EnvBuildRef)
	if token == "" {
		missing = append(missing, EnvToken)
	}
	if target == "" {
		missing = append(missing, EnvTarget)
	}
	if buildRef == "" {
		missing = append(missing, EnvBuildRef)
	}
	if len(missing) != 0 {
		return UploadSettings{}, MissingEnvError{Names: missing}
	}

	push, err := pushSettings(getenv, token, target)
	if err != nil {
		return UploadSettings{}, err
	}
	return UploadSettings{
		Push:     push,
		BuildRef: buildRef,
	}, nil
}

func pushSettings(getenv Getenv, token, target string) (PushSettings, error) {
	normalized, err := NormalizeTarget(target)
	if err != nil {
		return PushSettings{}, err
	}
	insecurePolicy, err := envBool(getenv, EnvInsecurePolicy)
	if err != nil {
		return PushSettings{}, err
	}
	plainHTTP, err := envBool(getenv, EnvPlainHTTP)
	if err != nil {
		return PushSettings{}, err
	}
	return PushSettings{
		Credentials: Credentials{
			Username: getenv(EnvUsername),
			Token:    token,
		},
		Target:         normalized,
		InsecurePolicy: insecurePolicy,
		PlainHTTP:      plainHTTP,
	}, nil
}

// NormalizeTarget checks that the given string is a fully-qualified image
// reference naming a tag, and returns it in canonical form. A reference
// without a tag gets the tag "latest".
func NormalizeTarget(target string) (string, error) {
	named, err := reference.ParseNamed(target)
	if err != nil {
		return "", InvalidTargetError{Target: target, Err: err}
	}
	if _, ok := named.(reference.Digested); ok {
		return "", InvalidTargetError{Target: target, Err: fmt.Errorf("must refer to a tag, not a digest")}
	}
	return reference.TagNameOnly(named).String(), nil
}

// TargetRegistry returns the registry host of a normalized target.
func TargetRegistry(target string) string {
	named, err := reference.ParseNamed(target)
	if err != nil {
		return ""
	}
	return reference.Domain(named)
}

func envBool(getenv Getenv, name string) (bool, error) {
	raw := getenv(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, InvalidEnvError{Name: name, Value: raw}
	}
	return v, nil
}

// MissingEnvError is returned when required environment variables are not
// set or are empty.
type MissingEnvError struct {
	Names []string
}

func (err MissingEnvError) Error() string {
	if len(err.Names) == 1 {
		return fmt.Sprintf("required environment variable %s is not set", err.Names[0])
	}
	return fmt.Sprintf("required environment variables are not set: %s", strings.Join(err.Names, ", "))
}

type InvalidEnvError struct {
	Name  string
	Value string
}

func (err InvalidEnvError) Error() string {
	return fmt.Sprintf("environment variable %s has invalid value %q: must be true or false", err.Name, err.Value)
}

// InvalidTargetError is returned when a target reference is not a
// fully-qualified tag reference.
type InvalidTargetError struct {
	Target string
	Err    error
}

func (err InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid target reference %q: %s", err.Target, err.Err)
}

func (err InvalidTargetError) Unwrap() error {
	return err.Err
}
