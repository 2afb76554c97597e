// Package config loads client and command definitions from HCL files.
package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"go.uber.org/zap"
)

var configSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{
			Type:       "client",
			LabelNames: []string{"name"},
		},
		{
			Type:       "command",
			LabelNames: []string{"name"},
		},
	},
}

type ConfigBuilder struct {
	logger  *zap.Logger
	sources []any
}

type Config struct {
	Logger    *zap.Logger
	Functions map[string]function.Function
	Constants map[string]cty.Value
	evalCtx   *hcl.EvalContext

	Clients  map[string]*ClientConfig
	Commands map[string]*CommandConfig
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		sources: make([]any, 0),
	}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	cb.logger = logger
	return cb
}

// WithSources adds files, directories (every *.hcl file below them) or raw
// []byte HCL to parse.
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	logger := cb.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	config := &Config{
		Logger:    logger,
		Functions: GetFunctions(),
		Constants: make(map[string]cty.Value),
		Clients:   make(map[string]*ClientConfig),
		Commands:  make(map[string]*CommandConfig),
	}

	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	config.Constants["env"] = GetEnvObject()

	config.evalCtx = &hcl.EvalContext{
		Functions: config.Functions,
		Variables: config.Constants,
	}

	var blocks hcl.Blocks
	for _, body := range bodies {
		content, partialDiags := body.Content(configSchema)
		diags = diags.Extend(partialDiags)
		if content != nil {
			blocks = append(blocks, content.Blocks...)
		}
	}
	if diags.HasErrors() {
		return nil, diags
	}

	// Clients first so commands can refer to them regardless of file order.
	for _, block := range blocks.OfType("client") {
		diags = diags.Extend(config.processClientBlock(block))
	}
	for _, block := range blocks.OfType("command") {
		diags = diags.Extend(config.processCommandBlock(block))
	}

	if diags.HasErrors() {
		return nil, diags
	}

	config.Logger.Info("Config built successfully",
		zap.Int("clients", len(config.Clients)),
		zap.Int("commands", len(config.Commands)))

	return config, diags
}

// Client returns the named client, or the only client when name is empty.
func (c *Config) Client(name string) (*ClientConfig, error) {
	if name == "" {
		switch len(c.Clients) {
		case 0:
			return nil, fmt.Errorf("no client defined")
		case 1:
			for _, client := range c.Clients {
				return client, nil
			}
		default:
			return nil, fmt.Errorf("%d clients defined, one must be chosen", len(c.Clients))
		}
	}

	client, ok := c.Clients[name]
	if !ok {
		return nil, fmt.Errorf("client %q not defined", name)
	}
	return client, nil
}

// Command returns the named command.
func (c *Config) Command(name string) (*CommandConfig, error) {
	cmd, ok := c.Commands[name]
	if !ok {
		return nil, fmt.Errorf("command %q not defined", name)
	}
	return cmd, nil
}

// ScheduledCommands returns the commands that carry a schedule.
func (c *Config) ScheduledCommands() []*CommandConfig {
	var scheduled []*CommandConfig
	for _, cmd := range c.Commands {
		if cmd.Schedule != "" {
			scheduled = append(scheduled, cmd)
		}
	}
	return scheduled
}

func duplicateBlock(kind, name string, block *hcl.Block) *hcl.Diagnostic {
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary:  fmt.Sprintf("Duplicate %s", kind),
		Detail:   fmt.Sprintf("A %s named %q is already defined", kind, name),
		Subject:  &block.DefRange,
	}
}
