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

package notifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/riskflow/pkg/leakutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

func TestNotifierBroadcastInOrder(t *testing.T) {
	n := NewNotifier[int]()
	defer n.Close()

	const (
		numReceivers = 5
		numEvents    = 1000
	)
	var wg sync.WaitGroup
	receivers := make([]*Receiver[int], numReceivers)
	for i := range receivers {
		receivers[i] = n.NewReceiver()
	}
	for _, r := range receivers {
		wg.Add(1)
		go func(r *Receiver[int]) {
			defer wg.Done()
			defer r.Close()
			for i := 1; i <= numEvents; i++ {
				ev := <-r.C
				require.Equal(t, i, ev)
			}
		}(r)
	}

	for i := 1; i <= numEvents; i++ {
		n.Notify(i)
	}
	wg.Wait()
}

func TestNotifierFlush(t *testing.T) {
	n := NewNotifier[int]()
	defer n.Close()

	r := n.NewReceiver()
	defer r.Close()

	for i := 0; i < 10; i++ {
		n.Notify(i)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Flush(ctx))
	require.Len(t, r.C, 10)
}

func TestNotifierCloseClosesReceivers(t *testing.T) {
	n := NewNotifier[string]()
	r := n.NewReceiver()
	n.Close()
	_, ok := <-r.C
	require.False(t, ok)

	// Notify after close is a no-op.
	n.Notify("ignored")
	n.Close()
}
