package config

import (
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"scriptbridge/codec"
)

// Validate reports every problem in c, not just the first.
func (c *Config) Validate() error {
	var err error
	fail := func(format string, args ...interface{}) {
		err = multierr.Append(err, errors.Errorf(format, args...))
	}

	if !hclsyntax.ValidIdentifier(c.Bridge.Namespace) || strings.Contains(c.Bridge.Namespace, "-") {
		fail("bridge.namespace %q is not an identifier", c.Bridge.Namespace)
	}
	if d, perr := time.ParseDuration(c.Bridge.PollInterval); perr != nil || d <= 0 {
		fail("bridge.poll_interval %q is not a positive duration", c.Bridge.PollInterval)
	}
	if c.Bridge.QueueCapacity < 0 {
		fail("bridge.queue_capacity must be positive, got %d", c.Bridge.QueueCapacity)
	}
	if _, perr := codec.ParseCodecType(c.Bridge.Codec); perr != nil {
		fail("bridge.codec: %v", perr)
	}

	if _, perr := zapcore.ParseLevel(c.Log.Level); perr != nil {
		fail("log.level %q is unknown", c.Log.Level)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		fail("log.format %q is not console or json", c.Log.Format)
	}

	if g := c.Gateway; g != nil {
		if g.Listen == "" {
			fail("gateway.listen is required")
		}
		if g.Weight < 0 {
			fail("gateway.weight must not be negative")
		}
		if g.TTL < 0 {
			fail("gateway.ttl must not be negative")
		}
	}

	if c.Limits.Rate < 0 || c.Limits.Burst < 0 {
		fail("limits.rate and limits.burst must not be negative")
	}
	if d, perr := time.ParseDuration(c.Limits.SlowThreshold); perr != nil || d < 0 {
		fail("limits.slow_threshold %q is not a duration", c.Limits.SlowThreshold)
	}

	seen := make(map[string]bool, len(c.Modules))
	for _, m := range c.Modules {
		if m.Name == "" || strings.Contains(m.Name, ".") {
			fail("module name %q must be a bare name", m.Name)
		}
		if seen[m.Name] {
			fail("module %q declared twice", m.Name)
		}
		seen[m.Name] = true
		if m.Path == "" && m.Source == "" {
			fail("module %q needs source or path", m.Name)
		}
	}
	return err
}
