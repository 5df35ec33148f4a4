package importhook

import (
	"fmt"

	"go.starlark.net/starlark"

	"scriptbridge/transport"
)

// Channel is a script-held handle whose send posts to its own target instead of the
// default controller.
type Channel struct {
	target transport.Target
	sender Sender
	send   *starlark.Builtin
}

var _ starlark.HasAttrs = (*Channel)(nil)

func newChannel(target transport.Target, sender Sender) *Channel {
	c := &Channel{target: target, sender: sender}
	c.send = starlark.NewBuiltin("send", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return send(c.sender, c.target, b, args, kwargs)
	})
	return c
}

// Target returns the queue this channel posts to.
func (c *Channel) Target() transport.Target { return c.target }

func (c *Channel) String() string        { return fmt.Sprintf("<Channel %d>", c.target) }
func (c *Channel) Type() string          { return "Channel" }
func (c *Channel) Freeze()               {}
func (c *Channel) Truth() starlark.Bool  { return starlark.True }
func (c *Channel) Hash() (uint32, error) { return uint32(c.target), nil }

func (c *Channel) Attr(name string) (starlark.Value, error) {
	switch name {
	case "send":
		return c.send, nil
	case "target":
		return starlark.MakeUint(uint(c.target)), nil
	}
	return nil, nil
}

func (c *Channel) AttrNames() []string {
	return []string{"send", "target"}
}
