package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/miximus/wslink/pkg/wslink/protocol"
	"github.com/tsarna/go2cty2go"
)

type CommandDefinition struct {
	Name     string         `hcl:",label"`
	Topic    string         `hcl:"topic"`
	Client   string         `hcl:"client,optional"`
	Payload  hcl.Expression `hcl:"payload,optional"`
	Schedule string         `hcl:"schedule,optional"`
	DefRange hcl.Range      `hcl:",def_range"`
}

// CommandConfig is a named command ready to be sent. Payload holds the
// topic-specific fields merged into the command envelope.
type CommandConfig struct {
	Name     string
	Topic    string
	Client   string
	Payload  map[string]any
	Schedule string
}

// Message builds the command to put on the wire.
func (cc *CommandConfig) Message() *protocol.Command {
	var payload any
	if len(cc.Payload) > 0 {
		payload = cc.Payload
	}
	return &protocol.Command{Topic: cc.Topic, Payload: payload}
}

func (c *Config) processCommandBlock(block *hcl.Block) hcl.Diagnostics {
	cmdDef := CommandDefinition{}
	diags := gohcl.DecodeBody(block.Body, c.evalCtx, &cmdDef)
	if diags.HasErrors() {
		return diags
	}

	cmdDef.Name = block.Labels[0]

	if _, exists := c.Commands[cmdDef.Name]; exists {
		return diags.Append(duplicateBlock("command", cmdDef.Name, block))
	}

	if cmdDef.Topic == "" {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Missing topic",
			Detail:   fmt.Sprintf("Command %q must name a topic", cmdDef.Name),
			Subject:  &cmdDef.DefRange,
		})
	}

	if cmdDef.Client != "" {
		if _, ok := c.Clients[cmdDef.Client]; !ok {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Unknown client",
				Detail:   fmt.Sprintf("Command %q refers to client %q, which is not defined", cmdDef.Name, cmdDef.Client),
				Subject:  &cmdDef.DefRange,
			})
		}
	}

	if cmdDef.Schedule != "" {
		if _, err := cronParser.Parse(cmdDef.Schedule); err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid schedule",
				Detail:   fmt.Sprintf("Command %q: %s", cmdDef.Name, err),
				Subject:  &cmdDef.DefRange,
			})
		}
	}

	var payload map[string]any
	if IsExpressionProvided(cmdDef.Payload) {
		var addDiags hcl.Diagnostics
		payload, addDiags = c.evaluatePayload(cmdDef.Payload)
		diags = diags.Extend(addDiags)
	}

	if diags.HasErrors() {
		return diags
	}

	c.Commands[cmdDef.Name] = &CommandConfig{
		Name:     cmdDef.Name,
		Topic:    cmdDef.Topic,
		Client:   cmdDef.Client,
		Payload:  payload,
		Schedule: cmdDef.Schedule,
	}
	return diags
}

func (c *Config) evaluatePayload(expr hcl.Expression) (map[string]any, hcl.Diagnostics) {
	val, diags := expr.Value(c.evalCtx)
	if diags.HasErrors() {
		return nil, diags
	}

	if val.IsNull() {
		return nil, diags
	}

	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid payload",
			Detail:   fmt.Sprintf("payload must be an object, got %s", val.Type().FriendlyName()),
			Subject:  expr.Range().Ptr(),
		})
	}

	converted, err := go2cty2go.CtyToAny(val)
	if err != nil {
		return nil, diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid payload",
			Detail:   fmt.Sprintf("Failed to convert payload: %s", err),
			Subject:  expr.Range().Ptr(),
		})
	}

	payload, _ := converted.(map[string]any)
	return payload, diags
}
