package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miximus/wslink/pkg/wslink/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const fullConfig = `
client "local" {
  url             = "ws://localhost:7351/"
  dial_timeout    = 5
  reconnect_delay = "PT1S"
  ping_interval   = "2500ms"
  pong_timeout    = "1s"
  write_queue_size = 16
  read_limit       = 65536
  authorization    = "Basic ${base64encode("user:secret")}"
  headers = {
    X-Editor = "headless"
  }
}

client "remote" {
  url = "wss://graph.example.com/ws"
}

command "add_osc" {
  topic  = "add_node"
  client = "local"
  payload = {
    node = {
      id      = "osc-1"
      type    = "oscillator"
      options = { name = upper("osc"), enabled = true }
    }
  }
}

command "refresh" {
  topic    = "config"
  schedule = "@every 30s"
}
`

func TestConfigBuild(t *testing.T) {
	t.Run("clients and commands", func(t *testing.T) {
		cfg, diags := NewConfig().WithLogger(zaptest.NewLogger(t)).WithSources([]byte(fullConfig)).Build()
		require.False(t, diags.HasErrors(), "unexpected diagnostics: %v", diags)

		require.Len(t, cfg.Clients, 2)
		local := cfg.Clients["local"]
		require.NotNil(t, local)
		assert.Equal(t, "ws://localhost:7351/", local.URL)
		assert.Equal(t, 5*time.Second, local.DialTimeout)
		assert.Equal(t, time.Second, local.ReconnectDelay)
		assert.Equal(t, 2500*time.Millisecond, local.PingInterval)
		assert.Equal(t, time.Second, local.PongTimeout)
		assert.Equal(t, 16, local.WriteQueueSize)
		assert.Equal(t, int64(65536), local.ReadLimit)
		assert.Equal(t, "Basic dXNlcjpzZWNyZXQ=", local.Authorization)
		assert.Equal(t, map[string]string{"X-Editor": "headless"}, local.Headers)

		remote := cfg.Clients["remote"]
		require.NotNil(t, remote)
		assert.Equal(t, "wss://graph.example.com/ws", remote.URL)
		assert.Zero(t, remote.PingInterval)

		require.Len(t, cfg.Commands, 2)
		addOsc := cfg.Commands["add_osc"]
		require.NotNil(t, addOsc)
		assert.Equal(t, "add_node", addOsc.Topic)
		assert.Equal(t, "local", addOsc.Client)
		node, ok := addOsc.Payload["node"].(map[string]any)
		require.True(t, ok, "node should decode to a map, got %T", addOsc.Payload["node"])
		assert.Equal(t, "osc-1", node["id"])
		assert.Equal(t, "oscillator", node["type"])
		options, ok := node["options"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "OSC", options["name"])
		assert.Equal(t, true, options["enabled"])

		refresh := cfg.Commands["refresh"]
		require.NotNil(t, refresh)
		assert.Nil(t, refresh.Payload)
		assert.Equal(t, "@every 30s", refresh.Schedule)

		scheduled := cfg.ScheduledCommands()
		require.Len(t, scheduled, 1)
		assert.Equal(t, "refresh", scheduled[0].Name)
	})

	t.Run("client defaults", func(t *testing.T) {
		cfg, diags := NewConfig().WithSources([]byte(`client "default" {}`)).Build()
		require.False(t, diags.HasErrors(), "unexpected diagnostics: %v", diags)

		cc := cfg.Clients["default"]
		require.NotNil(t, cc)
		assert.Equal(t, client.DefaultURL, cc.URL)
		assert.Zero(t, cc.ReconnectDelay)
	})

	t.Run("env variables", func(t *testing.T) {
		t.Setenv("WSLINK_TEST_TOKEN", "abc123")

		cfg, diags := NewConfig().WithSources([]byte(`
client "env" {
  authorization = "Bearer ${env.WSLINK_TEST_TOKEN}"
}
`)).Build()
		require.False(t, diags.HasErrors(), "unexpected diagnostics: %v", diags)
		assert.Equal(t, "Bearer abc123", cfg.Clients["env"].Authorization)
	})

	t.Run("directory source", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "clients.hcl"), []byte(`client "a" {}`), 0o644))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "more"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "more", "commands.hcl"), []byte(`
command "ping_graph" {
  topic  = "config"
  client = "a"
}
`), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not hcl {"), 0o644))

		cfg, diags := NewConfig().WithSources(dir).Build()
		require.False(t, diags.HasErrors(), "unexpected diagnostics: %v", diags)
		assert.Len(t, cfg.Clients, 1)
		assert.Len(t, cfg.Commands, 1)
	})

	t.Run("file source", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "wslink.hcl")
		require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o644))

		cfg, diags := NewConfig().WithSources(path).Build()
		require.False(t, diags.HasErrors(), "unexpected diagnostics: %v", diags)
		assert.Len(t, cfg.Clients, 2)
	})
}

func TestConfigBuildErrors(t *testing.T) {
	tests := []struct {
		name   string
		source any
	}{
		{name: "missing file", source: filepath.Join(os.TempDir(), "does-not-exist.hcl")},
		{name: "invalid source type", source: 42},
		{name: "syntax error", source: []byte(`client "a" {`)},
		{name: "unknown block", source: []byte(`server "a" {}`)},
		{name: "unknown attribute", source: []byte(`client "a" { bogus = 1 }`)},
		{name: "duplicate client", source: []byte("client \"a\" {}\nclient \"a\" {}")},
		{name: "bad url scheme", source: []byte(`client "a" { url = "http://localhost/" }`)},
		{name: "negative duration", source: []byte(`client "a" { ping_interval = -1 }`)},
		{name: "bad duration", source: []byte(`client "a" { pong_timeout = "soon" }`)},
		{name: "negative queue", source: []byte(`client "a" { write_queue_size = -1 }`)},
		{name: "command without topic", source: []byte(`command "c" {}`)},
		{name: "command with empty topic", source: []byte(`command "c" { topic = "" }`)},
		{name: "command with unknown client", source: []byte(`command "c" {
  topic  = "config"
  client = "nope"
}`)},
		{name: "command with bad schedule", source: []byte(`command "c" {
  topic    = "config"
  schedule = "every now and then"
}`)},
		{name: "command with non-object payload", source: []byte(`command "c" {
  topic   = "config"
  payload = "text"
}`)},
		{name: "duplicate command", source: []byte("command \"c\" { topic = \"config\" }\ncommand \"c\" { topic = \"config\" }")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, diags := NewConfig().WithSources(tt.source).Build()
			assert.True(t, diags.HasErrors(), "expected diagnostics")
			assert.Nil(t, cfg)
		})
	}
}

func TestConfigLookup(t *testing.T) {
	build := func(t *testing.T, src string) *Config {
		t.Helper()
		cfg, diags := NewConfig().WithSources([]byte(src)).Build()
		require.False(t, diags.HasErrors(), "unexpected diagnostics: %v", diags)
		return cfg
	}

	t.Run("only client is the default", func(t *testing.T) {
		cfg := build(t, `client "solo" {}`)

		cc, err := cfg.Client("")
		require.NoError(t, err)
		assert.Equal(t, "solo", cc.Name)
	})

	t.Run("several clients need a name", func(t *testing.T) {
		cfg := build(t, "client \"a\" {}\nclient \"b\" {}")

		_, err := cfg.Client("")
		assert.Error(t, err)

		cc, err := cfg.Client("b")
		require.NoError(t, err)
		assert.Equal(t, "b", cc.Name)
	})

	t.Run("no clients", func(t *testing.T) {
		cfg := build(t, ``)

		_, err := cfg.Client("")
		assert.Error(t, err)
	})

	t.Run("unknown names", func(t *testing.T) {
		cfg := build(t, `client "a" {}`)

		_, err := cfg.Client("z")
		assert.Error(t, err)

		_, err = cfg.Command("z")
		assert.Error(t, err)
	})
}

func TestClientConfigBuilder(t *testing.T) {
	t.Run("builds a client", func(t *testing.T) {
		cfg, diags := NewConfig().WithSources([]byte(fullConfig)).Build()
		require.False(t, diags.HasErrors(), "unexpected diagnostics: %v", diags)

		c, err := cfg.Clients["local"].Builder(zaptest.NewLogger(t)).Build()
		require.NoError(t, err)
		assert.Equal(t, client.StateDisconnected, c.State())
		c.Destroy()
	})
}

func TestCommandConfigMessage(t *testing.T) {
	t.Run("with payload", func(t *testing.T) {
		cc := &CommandConfig{Topic: "remove_node", Payload: map[string]any{"id": "n1"}}

		msg := cc.Message()
		assert.Equal(t, "remove_node", msg.Topic)
		assert.Equal(t, map[string]any{"id": "n1"}, msg.Payload)
	})

	t.Run("without payload", func(t *testing.T) {
		cc := &CommandConfig{Topic: "config"}

		msg := cc.Message()
		assert.Equal(t, "config", msg.Topic)
		assert.Nil(t, msg.Payload)
	})
}
