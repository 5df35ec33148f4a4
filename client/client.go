package client

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"

	"scriptbridge/codec"
	"scriptbridge/loadbalance"
	"scriptbridge/message"
	"scriptbridge/registry"
	"scriptbridge/transport"
)

// Client is the remote controller: it discovers gateways in a registry, picks one and
// sends requests over pooled multiplexed connections.
type Client struct {
	registry   registry.Registry
	balancer   loadbalance.Balancer
	ring       *loadbalance.ConsistentHashBalancer // Host affinity when no gateway advertises the host
	service    string
	codecType  codec.CodecType
	poolSize   int
	mu         sync.Mutex
	transports map[string]chan *transport.ClientTransport // Idle transports per gateway address
}

// NewClient creates a client that picks gateways of service from reg through bal and
// keeps up to poolSize idle transports per gateway.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, service string, codecType codec.CodecType, poolSize int) *Client {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Client{
		registry:   reg,
		balancer:   bal,
		ring:       loadbalance.NewConsistentHashBalancer(),
		service:    service,
		codecType:  codecType,
		poolSize:   poolSize,
		transports: make(map[string]chan *transport.ClientTransport),
	}
}

// Dial builds a Client for one known gateway address, no discovery involved.
func Dial(addr, service string, codecType codec.CodecType) *Client {
	reg := registry.NewMemoryRegistry()
	reg.Register(context.Background(), service, registry.Instance{Addr: addr}, 0)
	return NewClient(reg, &loadbalance.RoundRobinBalancer{}, service, codecType, 1)
}

// Call sends msg to a gateway fronting host (any gateway when host is empty) and waits
// for the response text. A failure trace comes back as *RemoteError.
func (c *Client) Call(ctx context.Context, host string, msg *message.RPCMessage) (string, error) {
	addr, t, err := c.acquire(ctx, host)
	if err != nil {
		return "", err
	}

	_, ch, err := t.Send(msg, true)
	if err != nil {
		t.Close()
		return "", err
	}

	select {
	case reply := <-ch:
		if reply.Err != nil {
			t.Close()
			return "", reply.Err
		}
		c.release(addr, t)
		if message.LooksLikeFailure(reply.Text) {
			return "", &RemoteError{Trace: reply.Text}
		}
		return reply.Text, nil
	case <-ctx.Done():
		// The reply may still arrive; the transport stays usable.
		c.release(addr, t)
		return "", ctx.Err()
	}
}

// Notify sends msg without waiting for an answer.
func (c *Client) Notify(ctx context.Context, host string, msg *message.RPCMessage) error {
	addr, t, err := c.acquire(ctx, host)
	if err != nil {
		return err
	}
	if _, _, err := t.Send(msg, false); err != nil {
		t.Close()
		return err
	}
	c.release(addr, t)
	return nil
}

// Close shuts every idle transport.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, pool := range c.transports {
		close(pool)
		for t := range pool {
			t.Close()
		}
		delete(c.transports, addr)
	}
}

func (c *Client) acquire(ctx context.Context, host string) (string, *transport.ClientTransport, error) {
	instances, err := c.registry.Discover(ctx, c.service)
	if err != nil {
		return "", nil, err
	}
	instance, err := c.pick(instances, host)
	if err != nil {
		return "", nil, err
	}
	t, err := c.getTransport(ctx, instance.Addr)
	if err != nil {
		return "", nil, err
	}
	return instance.Addr, t, nil
}

// pick prefers gateways that advertise host; without any, host is hashed onto the ring
// so the same host keeps reaching the same gateway.
func (c *Client) pick(instances []registry.Instance, host string) (*registry.Instance, error) {
	if host == "" {
		return c.balancer.Pick(instances)
	}
	var matched []registry.Instance
	for _, inst := range instances {
		if inst.Host == host {
			matched = append(matched, inst)
		}
	}
	if len(matched) > 0 {
		return c.balancer.Pick(matched)
	}
	c.ring.Reset(instances)
	return c.ring.Pick(host)
}

func (c *Client) getTransport(ctx context.Context, addr string) (*transport.ClientTransport, error) {
	c.mu.Lock()
	pool, ok := c.transports[addr]
	if !ok {
		pool = make(chan *transport.ClientTransport, c.poolSize)
		c.transports[addr] = pool
	}
	c.mu.Unlock()

	select {
	case t, ok := <-pool:
		if ok {
			return t, nil
		}
	default:
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial gateway %s", addr)
	}
	return transport.NewClientTransport(conn, c.codecType), nil
}

func (c *Client) release(addr string, t *transport.ClientTransport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pool, ok := c.transports[addr]
	if !ok {
		t.Close()
		return
	}
	select {
	case pool <- t:
	default:
		t.Close()
	}
}
