package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegisterAndDiscover(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	inst1 := Instance{Addr: "127.0.0.1:7001", Host: "alpha", Weight: 10}
	inst2 := Instance{Addr: "127.0.0.1:7002", Host: "beta", Weight: 5}
	require.NoError(t, reg.Register(ctx, "bridge", inst1, 10))
	require.NoError(t, reg.Register(ctx, "bridge", inst2, 10))

	instances, err := reg.Discover(ctx, "bridge")
	require.NoError(t, err)
	assert.Equal(t, []Instance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "bridge", inst1.Addr))
	instances, err = reg.Discover(ctx, "bridge")
	require.NoError(t, err)
	assert.Equal(t, []Instance{inst2}, instances)
}

func TestMemoryWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewMemoryRegistry()
	ch := reg.Watch(ctx, "bridge")

	require.NoError(t, reg.Register(ctx, "bridge", Instance{Addr: "a"}, 10))
	require.NoError(t, reg.Register(ctx, "bridge", Instance{Addr: "b"}, 10))

	select {
	case instances := <-ch:
		assert.Len(t, instances, 2)
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	for range ch {
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "/scriptbridge/bridge/127.0.0.1:7001", instanceKey("bridge", "127.0.0.1:7001"))
}

// Needs an etcd on localhost:2379; skipped otherwise.
func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, time.Second, nil)
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := reg.Discover(ctx, "ping"); err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}

	inst1 := Instance{Addr: "127.0.0.1:8001", Host: "alpha", Weight: 10, Version: "1"}
	inst2 := Instance{Addr: "127.0.0.1:8002", Host: "beta", Weight: 5, Version: "1"}
	require.NoError(t, reg.Register(ctx, "bridge-test", inst1, 10))
	require.NoError(t, reg.Register(ctx, "bridge-test", inst2, 10))
	defer reg.Deregister(context.Background(), "bridge-test", inst2.Addr)

	instances, err := reg.Discover(ctx, "bridge-test")
	require.NoError(t, err)
	require.Len(t, instances, 2)

	require.NoError(t, reg.Deregister(ctx, "bridge-test", inst1.Addr))
	instances, err = reg.Discover(ctx, "bridge-test")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, inst2.Addr, instances[0].Addr)
}
