package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/miximus/wslink/pkg/wslink/client"
	"go.uber.org/zap"
)

type ClientDefinition struct {
	Name           string            `hcl:",label"`
	URL            string            `hcl:"url,optional"`
	DialTimeout    hcl.Expression    `hcl:"dial_timeout,optional"`
	ReconnectDelay hcl.Expression    `hcl:"reconnect_delay,optional"`
	PingInterval   hcl.Expression    `hcl:"ping_interval,optional"`
	PongTimeout    hcl.Expression    `hcl:"pong_timeout,optional"`
	WriteQueueSize int               `hcl:"write_queue_size,optional"`
	ReadLimit      int64             `hcl:"read_limit,optional"`
	Authorization  string            `hcl:"authorization,optional"`
	Headers        map[string]string `hcl:"headers,optional"`
	DefRange       hcl.Range         `hcl:",def_range"`
}

// ClientConfig holds the settings of one client block. Zero values mean the
// client default applies.
type ClientConfig struct {
	Name           string
	URL            string
	DialTimeout    time.Duration
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteQueueSize int
	ReadLimit      int64
	Authorization  string
	Headers        map[string]string
}

// Builder returns a client builder preloaded with this configuration.
func (cc *ClientConfig) Builder(logger *zap.Logger) *client.ClientBuilder {
	builder := client.NewClient().
		WithLogger(logger).
		WithDialTimeout(cc.DialTimeout).
		WithReconnectDelay(cc.ReconnectDelay).
		WithPingInterval(cc.PingInterval).
		WithPongTimeout(cc.PongTimeout).
		WithWriteQueueSize(cc.WriteQueueSize).
		WithReadLimit(cc.ReadLimit)

	if cc.URL != "" {
		builder = builder.WithURL(cc.URL)
	}
	if cc.Authorization != "" {
		builder = builder.WithAuthorization(cc.Authorization)
	}
	for key, value := range cc.Headers {
		builder = builder.WithHeader(key, value)
	}

	return builder
}

func (c *Config) processClientBlock(block *hcl.Block) hcl.Diagnostics {
	clientDef := ClientDefinition{}
	diags := gohcl.DecodeBody(block.Body, c.evalCtx, &clientDef)
	if diags.HasErrors() {
		return diags
	}

	// DecodeBody does not fill labels
	clientDef.Name = block.Labels[0]

	if _, exists := c.Clients[clientDef.Name]; exists {
		return diags.Append(duplicateBlock("client", clientDef.Name, block))
	}

	cc := &ClientConfig{
		Name:           clientDef.Name,
		URL:            clientDef.URL,
		WriteQueueSize: clientDef.WriteQueueSize,
		ReadLimit:      clientDef.ReadLimit,
		Authorization:  clientDef.Authorization,
		Headers:        clientDef.Headers,
	}

	if cc.URL == "" {
		cc.URL = client.DefaultURL
	} else if parsed, err := url.Parse(cc.URL); err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid URL",
			Detail:   fmt.Sprintf("Client %q: %q is not a ws:// or wss:// URL", cc.Name, cc.URL),
			Subject:  &clientDef.DefRange,
		})
	}

	if cc.WriteQueueSize < 0 {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid write_queue_size",
			Detail:   "write_queue_size must not be negative",
			Subject:  &clientDef.DefRange,
		})
	}

	durations := []struct {
		expr hcl.Expression
		dst  *time.Duration
	}{
		{clientDef.DialTimeout, &cc.DialTimeout},
		{clientDef.ReconnectDelay, &cc.ReconnectDelay},
		{clientDef.PingInterval, &cc.PingInterval},
		{clientDef.PongTimeout, &cc.PongTimeout},
	}
	for _, d := range durations {
		if !IsExpressionProvided(d.expr) {
			continue
		}
		value, addDiags := c.ParseDuration(d.expr)
		diags = diags.Extend(addDiags)
		*d.dst = value
	}

	if diags.HasErrors() {
		return diags
	}

	c.Clients[cc.Name] = cc
	return diags
}
