package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, DefaultNamespace, c.Bridge.Namespace)
	assert.Equal(t, DefaultPollInterval, c.PollInterval())
	assert.Equal(t, DefaultQueueCapacity, c.Bridge.QueueCapacity)
	assert.Equal(t, DefaultSlowThreshold, c.SlowThreshold())
	assert.Nil(t, c.Gateway)
	assert.Zero(t, c.Limits.Rate)
}

func TestParseFull(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tools.star"), []byte("def one(): return 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.star"), []byte("def hi(): return 'hi'\n"), 0o644))
	t.Setenv("SB_TEST_NAMESPACE", "host")

	src := `
bridge {
  namespace      = env.SB_TEST_NAMESPACE
  poll_interval  = "20ms"
  queue_capacity = 64
  codec          = "json"
}

log {
  level  = "debug"
  format = "json"
}

gateway {
  listen         = "127.0.0.1:9400"
  etcd_endpoints = ["127.0.0.1:2379"]
  host           = "render-1"
}

limits {
  rate  = 100
  burst = 10
  slow_threshold = "250ms"
}

module "inline" {
  source = "def f(a, b):\n  return a + b\n"
}

module "tools" {
  path = "tools.star"
}

module "greet" {
  source = file("greet.star")
}
`
	c, err := Parse([]byte(src), "bridge.hcl", dir)
	require.NoError(t, err)

	assert.Equal(t, "host", c.Bridge.Namespace)
	assert.Equal(t, 20*time.Millisecond, c.PollInterval())
	assert.Equal(t, 64, c.Bridge.QueueCapacity)
	assert.Equal(t, "json", c.Bridge.Codec)
	assert.Equal(t, "debug", c.Log.Level)

	require.NotNil(t, c.Gateway)
	assert.Equal(t, "127.0.0.1:9400", c.Gateway.Advertise)
	assert.Equal(t, DefaultService, c.Gateway.Service)
	assert.Equal(t, []string{"127.0.0.1:2379"}, c.Gateway.EtcdEndpoints)
	assert.Equal(t, "render-1", c.Gateway.Host)
	assert.Equal(t, int64(DefaultRegisterTTL), c.Gateway.TTL)

	assert.Equal(t, 100.0, c.Limits.Rate)
	assert.Equal(t, 250*time.Millisecond, c.SlowThreshold())

	require.Len(t, c.Modules, 3)
	assert.Equal(t, "def f(a, b):\n  return a + b\n", c.Modules[0].Source)
	assert.Equal(t, "def one(): return 1\n", c.Modules[1].Source)
	assert.Equal(t, "def hi(): return 'hi'\n", c.Modules[2].Source)
}

func TestLoadResolvesAgainstFileDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scripts", "m.star"), []byte("x = 1\n"), 0o644))
	path := filepath.Join(dir, "bridge.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`module "m" { path = "scripts/m.star" }`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c.Modules, 1)
	assert.Equal(t, "x = 1\n", c.Modules[0].Source)
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"syntax":          `bridge {`,
		"unknown block":   `nonsense {}`,
		"bad namespace":   `bridge { namespace = "a.b" }`,
		"bad interval":    `bridge { poll_interval = "soon" }`,
		"bad codec":       `bridge { codec = "xml" }`,
		"bad level":       `log { level = "loud" }`,
		"bad format":      `log { format = "yaml" }`,
		"gateway listen":  `gateway {}`,
		"dotted module":   `module "a.b" { source = "x = 1" }`,
		"duplicate":       "module \"a\" { source = \"x = 1\" }\nmodule \"a\" { source = \"x = 2\" }",
		"empty module":    `module "a" {}`,
		"both":            "module \"a\" {\n  source = \"x\"\n  path = \"a.star\"\n}",
		"missing file":    `module "a" { path = "nope.star" }`,
		"negative limits": `limits { rate = -1 }`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(src), "bad.hcl", t.TempDir())
			assert.Error(t, err)
		})
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	c := Default()
	c.Bridge.Codec = "xml"
	c.Log.Format = "yaml"
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge.codec")
	assert.Contains(t, err.Error(), "log.format")
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		logger, err := NewLogger(&Log{Level: "warn", Format: format})
		require.NoError(t, err)
		assert.False(t, logger.Core().Enabled(-1))
		assert.True(t, logger.Core().Enabled(1))
	}
	_, err := NewLogger(&Log{Level: "loud", Format: "json"})
	assert.Error(t, err)
}
