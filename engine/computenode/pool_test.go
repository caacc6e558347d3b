// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.
package computenode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/riskflow/engine/model"
	"github.com/pingcap/riskflow/engine/pkg/clock"
	cerrors "github.com/pingcap/riskflow/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type fakeConnection struct {
	id      string
	addr    string
	healthy atomic.Bool
	closed  atomic.Bool
}

func newFakeConnection(id string) *fakeConnection {
	conn := &fakeConnection{id: id}
	conn.healthy.Store(true)
	return conn
}

func (c *fakeConnection) ID() string {
	return c.id
}

func (c *fakeConnection) Submit(context.Context, *model.JobSpec) <-chan Completion {
	return completed(Completion{Err: cerrors.ErrNodeUnavailable.GenWithStackByArgs(c.id)})
}

func (c *fakeConnection) Healthy() bool {
	return c.healthy.Load() && !c.closed.Load()
}

func (c *fakeConnection) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu    sync.Mutex
	conns map[string]*fakeConnection
}

func (f *fakeFactory) NewConnection(id, addr string) (Connection, error) {
	if addr == "" {
		return nil, errors.Errorf("empty address of %s", id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := newFakeConnection(id)
	conn.addr = addr
	f.conns[id] = conn
	return conn, nil
}

func (f *fakeFactory) get(id string) *fakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[id]
}

func availableIDs(p *Pool) []string {
	var ids []string
	for _, conn := range p.Available() {
		ids = append(ids, conn.ID())
	}
	return ids
}

func TestPoolAddRemove(t *testing.T) {
	t.Parallel()

	p := NewPool(nil, clock.NewMock(), nil, nil, nil)
	a, b, c := newFakeConnection("a"), newFakeConnection("b"), newFakeConnection("c")
	require.NoError(t, p.Add(c))
	require.NoError(t, p.Add(a))
	require.NoError(t, p.Add(b))
	err := p.Add(newFakeConnection("a"))
	require.True(t, cerrors.Is(err, cerrors.ErrNodeAlreadyExists))

	require.Equal(t, 3, p.Len())
	require.Equal(t, []string{"a", "b", "c"}, availableIDs(p))

	b.healthy.Store(false)
	require.Equal(t, []string{"a", "c"}, availableIDs(p))

	require.NoError(t, p.Remove("a"))
	require.True(t, a.closed.Load())
	_, ok := p.Get("a")
	require.False(t, ok)
	err = p.Remove("a")
	require.True(t, cerrors.Is(err, cerrors.ErrNodeNotFound))

	require.NoError(t, p.Close())
	require.True(t, c.closed.Load())
	require.Equal(t, 0, p.Len())
}

func TestPoolBackoffAndEviction(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	cfg := newTestBackoffConfig()
	cfg.MaxFailures = 2
	p := NewPool(cfg, clk, nil, nil, nil)
	require.NoError(t, p.Add(newFakeConnection("a")))
	require.NoError(t, p.Add(newFakeConnection("b")))

	_, ok := p.NextAvailable()
	require.False(t, ok)

	p.MarkFailed("a", errors.New("connection reset"))
	require.Equal(t, []string{"b"}, availableIDs(p))
	next, ok := p.NextAvailable()
	require.True(t, ok)
	require.Equal(t, clk.Now().Add(time.Second), next)

	clk.Add(time.Second)
	require.Equal(t, []string{"a", "b"}, availableIDs(p))

	p.MarkFailed("a", errors.New("connection reset"))
	clk.Add(time.Hour)
	require.Equal(t, []string{"b"}, availableIDs(p))
	_, ok = p.NextAvailable()
	require.False(t, ok)

	require.NoError(t, p.Readmit("a"))
	require.Equal(t, []string{"a", "b"}, availableIDs(p))
	require.True(t, cerrors.Is(p.Readmit("z"), cerrors.ErrNodeNotFound))

	// unknown nodes are ignored
	p.MarkFailed("z", errors.New("unknown"))
	p.MarkSucceeded("z")
}

func TestPoolMarkSucceededClearsFailures(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	cfg := newTestBackoffConfig()
	cfg.MaxFailures = 2
	p := NewPool(cfg, clk, nil, nil, nil)
	require.NoError(t, p.Add(newFakeConnection("a")))

	p.MarkFailed("a", errors.New("timeout"))
	clk.Add(time.Second)
	p.MarkSucceeded("a")
	p.MarkFailed("a", errors.New("timeout"))
	clk.Add(2 * time.Second)
	require.Equal(t, []string{"a"}, availableIDs(p))
}

func TestPoolUpdateNodeList(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{conns: make(map[string]*fakeConnection)}
	p := NewPool(nil, clock.NewMock(), factory, nil, nil)
	defer p.Close()

	require.NoError(t, p.UpdateNodeList(map[string]string{"a": "10.0.0.1:9000", "b": "10.0.0.2:9000"}))
	require.Equal(t, []string{"a", "b"}, availableIDs(p))
	a, b := factory.get("a"), factory.get("b")

	require.NoError(t, p.UpdateNodeList(map[string]string{"a": "10.0.0.1:9000", "c": "10.0.0.3:9000"}))
	require.Equal(t, []string{"a", "c"}, availableIDs(p))
	require.True(t, b.closed.Load())
	conn, ok := p.Get("a")
	require.True(t, ok)
	require.Same(t, a, conn)

	// an address change reconnects
	require.NoError(t, p.UpdateNodeList(map[string]string{"a": "10.0.0.9:9000", "c": "10.0.0.3:9000"}))
	require.True(t, a.closed.Load())
	conn, ok = p.Get("a")
	require.True(t, ok)
	require.Equal(t, "10.0.0.9:9000", conn.(*fakeConnection).addr)

	err := p.UpdateNodeList(map[string]string{"a": "10.0.0.9:9000", "d": ""})
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty address of d")
	require.Equal(t, []string{"a"}, availableIDs(p))
}

func TestPoolWaitAvailable(t *testing.T) {
	t.Parallel()

	cfg := newTestBackoffConfig()
	cfg.InitialInterval = 50 * time.Millisecond
	p := NewPool(cfg, clock.New(), nil, nil, nil)
	require.NoError(t, p.Add(newFakeConnection("a")))
	p.MarkFailed("a", errors.New("connection refused"))
	require.Empty(t, p.Available())

	conns, err := p.WaitAvailable(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.Equal(t, "a", conns[0].ID())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Remove("a"))
	_, err = p.WaitAvailable(ctx)
	require.Error(t, err)
}

type pingConnection struct {
	*fakeConnection
	reachable atomic.Bool
	pings     atomic.Int32
}

func (c *pingConnection) Ping(context.Context) (*PingResponse, error) {
	c.pings.Inc()
	if !c.reachable.Load() {
		return nil, cerrors.ErrNodeUnavailable.GenWithStackByArgs(c.id)
	}
	return &PingResponse{NodeID: c.id, Healthy: true}, nil
}

func TestPoolCheckEvicted(t *testing.T) {
	t.Parallel()

	cfg := newTestBackoffConfig()
	cfg.MaxFailures = 1
	p := NewPool(cfg, clock.NewMock(), nil, nil, nil)
	a := &pingConnection{fakeConnection: newFakeConnection("a")}
	b := &pingConnection{fakeConnection: newFakeConnection("b")}
	require.NoError(t, p.Add(a))
	require.NoError(t, p.Add(b))
	// evicted without ping support, never readmitted here
	require.NoError(t, p.Add(newFakeConnection("c")))

	for _, id := range []string{"a", "b", "c"} {
		p.MarkFailed(id, errors.New("connection refused"))
	}
	require.Empty(t, availableIDs(p))

	a.reachable.Store(true)
	require.Equal(t, []string{"a"}, p.CheckEvicted(context.Background()))
	require.Equal(t, []string{"a"}, availableIDs(p))
	require.Equal(t, int32(1), b.pings.Load())

	// available nodes are not pinged
	require.Empty(t, p.CheckEvicted(context.Background()))
	require.Equal(t, int32(1), a.pings.Load())
	require.Equal(t, int32(2), b.pings.Load())

	b.reachable.Store(true)
	require.Equal(t, []string{"b"}, p.CheckEvicted(context.Background()))
	require.Equal(t, []string{"a", "b"}, availableIDs(p))
}

func TestPoolRunReadmitsEvictedNodes(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	cfg := newTestBackoffConfig()
	cfg.MaxFailures = 1
	cfg.HealthCheckInterval = time.Second
	p := NewPool(cfg, clk, nil, nil, nil)
	a := &pingConnection{fakeConnection: newFakeConnection("a")}
	require.NoError(t, p.Add(a))
	p.MarkFailed("a", errors.New("connection refused"))
	a.reachable.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return len(availableIDs(p)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	err := <-errCh
	require.True(t, errors.Cause(err) == context.Canceled)
}
