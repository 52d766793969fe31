package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	hcl "github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/apparentlymart/oci-multiarch-publisher/internal/manifest"
	"github.com/apparentlymart/oci-multiarch-publisher/internal/platform"
)

type Config struct {
	Manifests map[string]*Manifest
	Registry  *Registry
	Upload    *Upload

	Filename string
}

// Manifest is a multi-architecture manifest declared in a "manifest" block.
type Manifest struct {
	Name   string
	Tag    string
	Images []*Image

	DeclRange hcl.Range
}

type Image struct {
	Platform platform.Platform
	Path     string

	DeclRange hcl.Range
}

// Registry selects how images and manifest lists reach the registry.
type Registry struct {
	CopyTool    string
	ComposeTool string
	PlainHTTP   bool

	DeclRange hcl.Range
}

type Upload struct {
	BuildCommand []string

	DeclRange hcl.Range
}

const (
	ToolNative       = "native"
	ToolSkopeo       = "skopeo"
	ToolCrane        = "crane"
	DefaultBuildTool = "nix"
)

// DefaultBuildCommand is the command used to build the image for a
// single-image upload when the configuration doesn't override it. The build
// reference is appended as the final argument.
var DefaultBuildCommand = []string{DefaultBuildTool, "build", "--no-link", "--print-out-paths"}

// DefaultRegistry returns the registry settings used when the configuration
// has no "registry" block.
func DefaultRegistry() *Registry {
	return &Registry{
		CopyTool:    ToolNative,
		ComposeTool: ToolNative,
	}
}

// DefaultUpload returns the upload settings used when the configuration has
// no "upload" block.
func DefaultUpload() *Upload {
	return &Upload{
		BuildCommand: append([]string(nil), DefaultBuildCommand...),
	}
}

// Empty returns the configuration used when there is no configuration file.
func Empty() *Config {
	return &Config{
		Manifests: make(map[string]*Manifest),
		Registry:  DefaultRegistry(),
		Upload:    DefaultUpload(),
	}
}

// Descriptor converts the manifest declaration into the form expected by
// the manifest builder.
func (m *Manifest) Descriptor() *manifest.Descriptor {
	ret := &manifest.Descriptor{
		Name:   m.Name,
		Tag:    m.Tag,
		Images: make([]manifest.Image, len(m.Images)),
	}
	for i, img := range m.Images {
		ret.Images[i] = manifest.Image{
			Platform: img.Platform,
			Path:     img.Path,
		}
	}
	return ret
}

func LoadConfigFile(filename string, environ []string) (*Config, hcl.Diagnostics) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return nil, hcl.Diagnostics{
			{
				Severity: hcl.DiagError,
				Summary:  "Cannot read configuration file",
				Detail:   fmt.Sprintf("Failed to read %s: %s.", filename, err),
			},
		}
	}
	return LoadConfig(src, filename, environ)
}

// LoadConfig parses the given configuration source.
//
// The environ argument, in the same format as [os.Environ], provides the
// values available to expressions as attributes of the "env" object.
func LoadConfig(src []byte, filename string, environ []string) (*Config, hcl.Diagnostics) {
	f, diags := hclsyntax.ParseConfig(src, filename, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, diags
	}

	content, moreDiags := f.Body.Content(rootSchema)
	diags = append(diags, moreDiags...)
	if moreDiags.HasErrors() {
		return nil, diags
	}

	ret := &Config{
		Filename:  filename,
		Manifests: make(map[string]*Manifest),
	}
	evalCtx := newEvalContext(environ)
	basePath := filepath.Dir(filename)

	for _, block := range content.Blocks {

		switch block.Type {
		case "manifest":
			m, moreDiags := decodeManifest(block, evalCtx, basePath)
			if existing, exists := ret.Manifests[m.Name]; exists {
				moreDiags = moreDiags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate manifest name",
					Detail:   fmt.Sprintf("A manifest named %q was already declared at %s. Manifest names must be unique.", m.Name, existing.DeclRange),
					Subject:  block.DefRange.Ptr(),
				})
			}
			diags = append(diags, moreDiags...)
			if moreDiags.HasErrors() {
				continue
			}
			ret.Manifests[m.Name] = m

		case "registry":
			registry, moreDiags := decodeRegistry(block, evalCtx)
			diags = append(diags, moreDiags...)
			if ret.Registry != nil {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate registry configuration",
					Detail:   fmt.Sprintf("The registry was already configured at %s.", ret.Registry.DeclRange),
					Subject:  block.DefRange.Ptr(),
				})
				continue
			}
			ret.Registry = registry

		case "upload":
			upload, moreDiags := decodeUpload(block, evalCtx)
			diags = append(diags, moreDiags...)
			if ret.Upload != nil {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate upload configuration",
					Detail:   fmt.Sprintf("Single-image upload was already configured at %s.", ret.Upload.DeclRange),
					Subject:  block.DefRange.Ptr(),
				})
				continue
			}
			ret.Upload = upload

		default:
			// Should not get here because only the cases above are in our schema.
			panic(fmt.Sprintf("unexpected block type %q", block.Type))
		}
	}

	if ret.Registry == nil {
		ret.Registry = DefaultRegistry()
	}
	if ret.Upload == nil {
		ret.Upload = DefaultUpload()
	}

	return ret, diags
}

func decodeManifest(block *hcl.Block, evalCtx *hcl.EvalContext, basePath string) (*Manifest, hcl.Diagnostics) {
	ret := &Manifest{
		Name:      block.Labels[0],
		Tag:       manifest.DefaultTag,
		DeclRange: block.DefRange,
	}

	content, diags := block.Body.Content(manifestSchema)
	if diags.HasErrors() {
		return ret, diags
	}

	if attr, ok := content.Attributes["tag"]; ok {
		var tag string
		moreDiags := gohcl.DecodeExpression(attr.Expr, evalCtx, &tag)
		diags = append(diags, moreDiags...)
		if !moreDiags.HasErrors() {
			if tag == "" {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Invalid manifest tag",
					Detail:   "The tag must not be empty. Omit the argument to use the default tag \"latest\".",
					Subject:  attr.Expr.Range().Ptr(),
				})
			} else {
				ret.Tag = tag
			}
		}
	}

	seen := make(map[string]*Image)
	for _, imgBlock := range content.Blocks {
		img, moreDiags := decodeImage(imgBlock, evalCtx, basePath)
		diags = append(diags, moreDiags...)
		if moreDiags.HasErrors() {
			continue
		}
		if existing, exists := seen[img.Platform.Key()]; exists {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate platform",
				Detail:   fmt.Sprintf("An image for %s was already declared at %s. Each platform can have only one image.", existing.Platform, existing.DeclRange),
				Subject:  imgBlock.DefRange.Ptr(),
			})
			continue
		}
		seen[img.Platform.Key()] = img
		ret.Images = append(ret.Images, img)
	}

	if len(content.Blocks) == 0 {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Missing images",
			Detail:   fmt.Sprintf("Manifest %q must have at least one image block.", ret.Name),
			Subject:  block.DefRange.Ptr(),
		})
	}

	return ret, diags
}

func decodeImage(block *hcl.Block, evalCtx *hcl.EvalContext, basePath string) (*Image, hcl.Diagnostics) {
	ret := &Image{
		DeclRange: block.DefRange,
	}

	var diags hcl.Diagnostics
	p, err := platform.Parse(block.Labels[0])
	if err != nil {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid platform",
			Detail:   fmt.Sprintf("Invalid platform %q: %s.", block.Labels[0], err),
			Subject:  block.LabelRanges[0].Ptr(),
		})
	}
	ret.Platform = p

	type Config struct {
		Path gohcl.WithRange[string] `hcl:"path"`
	}
	var config Config
	moreDiags := gohcl.DecodeBody(block.Body, evalCtx, &config)
	diags = append(diags, moreDiags...)
	if moreDiags.HasErrors() {
		return ret, diags
	}

	if config.Path.Value == "" {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid image path",
			Detail:   "The path to the image archive must not be empty.",
			Subject:  config.Path.Range.Ptr(),
		})
		return ret, diags
	}
	ret.Path = config.Path.Value
	if !filepath.IsAbs(ret.Path) {
		ret.Path = filepath.Join(basePath, ret.Path)
	}

	return ret, diags
}

func decodeRegistry(block *hcl.Block, evalCtx *hcl.EvalContext) (*Registry, hcl.Diagnostics) {
	ret := DefaultRegistry()
	ret.DeclRange = block.DefRange

	type Config struct {
		CopyTool    gohcl.WithRange[*string] `hcl:"copy_tool,optional"`
		ComposeTool gohcl.WithRange[*string] `hcl:"compose_tool,optional"`
		PlainHTTP   *bool                    `hcl:"plain_http,optional"`
	}
	var config Config
	diags := gohcl.DecodeBody(block.Body, evalCtx, &config)
	if diags.HasErrors() {
		return ret, diags
	}

	if v := config.CopyTool.Value; v != nil {
		if *v != ToolNative && *v != ToolSkopeo {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid copy tool",
				Detail:   fmt.Sprintf("The copy tool must be either %q or %q.", ToolNative, ToolSkopeo),
				Subject:  config.CopyTool.Range.Ptr(),
			})
		} else {
			ret.CopyTool = *v
		}
	}
	if v := config.ComposeTool.Value; v != nil {
		if *v != ToolNative && *v != ToolCrane {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid manifest list tool",
				Detail:   fmt.Sprintf("The manifest list tool must be either %q or %q.", ToolNative, ToolCrane),
				Subject:  config.ComposeTool.Range.Ptr(),
			})
		} else {
			ret.ComposeTool = *v
		}
	}
	if config.PlainHTTP != nil {
		ret.PlainHTTP = *config.PlainHTTP
	}

	return ret, diags
}

func decodeUpload(block *hcl.Block, evalCtx *hcl.EvalContext) (*Upload, hcl.Diagnostics) {
	ret := DefaultUpload()
	ret.DeclRange = block.DefRange

	type Config struct {
		BuildCommand []string `hcl:"build_command,optional"`
	}
	var config Config
	diags := gohcl.DecodeBody(block.Body, evalCtx, &config)
	if diags.HasErrors() {
		return ret, diags
	}

	if config.BuildCommand != nil {
		if len(config.BuildCommand) == 0 || config.BuildCommand[0] == "" {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid build command",
				Detail:   "The build command must include at least the name of the program to run.",
				Subject:  block.DefRange.Ptr(),
			})
		} else {
			ret.BuildCommand = config.BuildCommand
		}
	}

	return ret, diags
}

// newEvalContext returns the context used to evaluate expressions in the
// configuration, which exposes the environment variables and a small set of
// string functions.
func newEvalContext(environ []string) *hcl.EvalContext {
	env := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = cty.StringVal(v)
	}
	envVal := cty.EmptyObjectVal
	if len(env) != 0 {
		envVal = cty.ObjectVal(env)
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": envVal,
		},
		Functions: map[string]function.Function{
			"format":  stdlib.FormatFunc,
			"join":    stdlib.JoinFunc,
			"lower":   stdlib.LowerFunc,
			"replace": stdlib.ReplaceFunc,
			"upper":   stdlib.UpperFunc,
		},
	}
}

var rootSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "manifest", LabelNames: []string{"name"}},
		{Type: "registry"},
		{Type: "upload"},
	},
}

var manifestSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "tag"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "image", LabelNames: []string{"platform"}},
	},
}
