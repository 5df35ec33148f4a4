// Package registry publishes gateway endpoints so remote controllers can find the
// host they want to drive.
//
//	Key:   /scriptbridge/{service}/{addr}
//	Value: JSON-encoded Instance
package registry

import "context"

// KeyPrefix roots every key this package writes.
const KeyPrefix = "/scriptbridge/"

// Instance describes one running gateway.
type Instance struct {
	Addr    string `json:"addr"`
	Host    string `json:"host"`   // Name of the host process behind the gateway
	Weight  int    `json:"weight"` // Relative capacity for weighted balancing
	Version string `json:"version"`
}

type Registry interface {
	Register(ctx context.Context, service string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	Watch(ctx context.Context, service string) <-chan []Instance
	Close() error
}

func servicePrefix(service string) string {
	return KeyPrefix + service + "/"
}

func instanceKey(service, addr string) string {
	return servicePrefix(service) + addr
}
