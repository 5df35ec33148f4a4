// Package config loads the host configuration from an HCL file.
//
//	bridge {
//	  namespace      = "bridge"
//	  poll_interval  = "100ms"
//	  queue_capacity = 10000
//	  codec          = "binary"
//	}
//
//	log {
//	  level  = "info"
//	  format = "console"
//	}
//
//	gateway {
//	  listen         = ":9400"
//	  advertise      = "10.0.0.5:9400"
//	  etcd_endpoints = ["127.0.0.1:2379"]
//	  service        = "scriptbridge"
//	}
//
//	limits {
//	  rate           = 200
//	  burst          = 50
//	  slow_threshold = "1s"
//	}
//
//	module "greet" {
//	  source = "def hello(name): return 'hi ' + name"
//	}
//
//	module "tools" {
//	  path = "scripts/tools.star"
//	}
//
// Expressions may use env.NAME for process environment variables and file(path)
// for the contents of a file relative to the configuration file.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

const (
	DefaultNamespace     = "bridge"
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultQueueCapacity = 10000
	DefaultCodec         = "binary"
	DefaultService       = "scriptbridge"
	DefaultSlowThreshold = time.Second
	DefaultRegisterTTL   = 10
)

// Config is the decoded file. Optional blocks stay nil when absent.
type Config struct {
	Bridge  *Bridge   `hcl:"bridge,block"`
	Log     *Log      `hcl:"log,block"`
	Gateway *Gateway  `hcl:"gateway,block"`
	Limits  *Limits   `hcl:"limits,block"`
	Modules []*Module `hcl:"module,block"`
}

type Bridge struct {
	Namespace     string `hcl:"namespace,optional"`
	PollInterval  string `hcl:"poll_interval,optional"`
	QueueCapacity int    `hcl:"queue_capacity,optional"`
	Codec         string `hcl:"codec,optional"`
}

type Log struct {
	Level  string `hcl:"level,optional"`
	Format string `hcl:"format,optional"`
}

// Gateway enables the network front. Without etcd endpoints the gateway only listens.
type Gateway struct {
	Listen        string   `hcl:"listen"`
	Advertise     string   `hcl:"advertise,optional"`
	EtcdEndpoints []string `hcl:"etcd_endpoints,optional"`
	Service       string   `hcl:"service,optional"`
	Host          string   `hcl:"host,optional"`
	Weight        int      `hcl:"weight,optional"`
	TTL           int64    `hcl:"ttl,optional"`
}

// Limits shapes the dispatcher. A zero rate disables rate limiting.
type Limits struct {
	Rate          float64 `hcl:"rate,optional"`
	Burst         int     `hcl:"burst,optional"`
	SlowThreshold string  `hcl:"slow_threshold,optional"`
}

// Module is preloaded into the module registry at startup. Exactly one of
// Source and Path is set; Path is read into Source while parsing.
type Module struct {
	Name   string `hcl:"name,label"`
	Source string `hcl:"source,optional"`
	Path   string `hcl:"path,optional"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load parses, decodes and validates the file at path.
func Load(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(src, path, filepath.Dir(path))
}

// Parse decodes src. Relative module paths and file() arguments resolve against baseDir.
func Parse(src []byte, filename, baseDir string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "parse config %s", filename)
	}

	var c Config
	diags = gohcl.DecodeBody(file.Body, evalContext(baseDir), &c)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "decode config %s", filename)
	}

	for _, m := range c.Modules {
		if m.Path == "" {
			continue
		}
		if m.Source != "" {
			return nil, errors.Errorf("module %q sets both source and path", m.Name)
		}
		data, err := os.ReadFile(resolve(baseDir, m.Path))
		if err != nil {
			return nil, errors.Wrapf(err, "module %q", m.Name)
		}
		m.Source = string(data)
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Bridge == nil {
		c.Bridge = &Bridge{}
	}
	if c.Bridge.Namespace == "" {
		c.Bridge.Namespace = DefaultNamespace
	}
	if c.Bridge.PollInterval == "" {
		c.Bridge.PollInterval = DefaultPollInterval.String()
	}
	if c.Bridge.QueueCapacity == 0 {
		c.Bridge.QueueCapacity = DefaultQueueCapacity
	}
	if c.Bridge.Codec == "" {
		c.Bridge.Codec = DefaultCodec
	}

	if c.Log == nil {
		c.Log = &Log{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Gateway != nil {
		if c.Gateway.Service == "" {
			c.Gateway.Service = DefaultService
		}
		if c.Gateway.Advertise == "" {
			c.Gateway.Advertise = c.Gateway.Listen
		}
		if c.Gateway.Weight == 0 {
			c.Gateway.Weight = 1
		}
		if c.Gateway.TTL == 0 {
			c.Gateway.TTL = DefaultRegisterTTL
		}
	}

	if c.Limits == nil {
		c.Limits = &Limits{}
	}
	if c.Limits.SlowThreshold == "" {
		c.Limits.SlowThreshold = DefaultSlowThreshold.String()
	}
	if c.Limits.Rate > 0 && c.Limits.Burst == 0 {
		c.Limits.Burst = 1
	}
}

// PollInterval is the parsed bridge.poll_interval.
func (c *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Bridge.PollInterval)
	return d
}

// SlowThreshold is the parsed limits.slow_threshold.
func (c *Config) SlowThreshold() time.Duration {
	d, _ := time.ParseDuration(c.Limits.SlowThreshold)
	return d
}

// evalContext exposes env.* and file() to expressions.
func evalContext(baseDir string) *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !hclsyntax.ValidIdentifier(k) {
			continue
		}
		env[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
		},
		Functions: map[string]function.Function{
			"file": fileFunc(baseDir),
		},
	}
}

func fileFunc(baseDir string) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "path", Type: cty.String},
		},
		Type: function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			data, err := os.ReadFile(resolve(baseDir, args[0].AsString()))
			if err != nil {
				return cty.UnknownVal(cty.String), err
			}
			return cty.StringVal(string(data)), nil
		},
	})
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
