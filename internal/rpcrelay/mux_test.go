package rpcrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/metrics"
)

func newTestMultiplexer(t *testing.T, peer *fakePeer, timeout time.Duration) (*Multiplexer, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	mx := NewMultiplexer(listenRelaySocket(t), peer.addr(), Config{Timeout: timeout}, m, nil)
	t.Cleanup(func() { _ = mx.Close() })
	return mx, m
}

func TestMultiplexer_RoutesOutOfOrderReplies(t *testing.T) {
	const n = 3

	var (
		mu    sync.Mutex
		batch []Request
	)
	peer := startFakePeer(t, func(req Request, _ []byte) [][]byte {
		mu.Lock()
		defer mu.Unlock()
		batch = append(batch, req)
		if len(batch) < n {
			return nil
		}
		// Answer the whole batch in reverse arrival order.
		var out [][]byte
		for i := len(batch) - 1; i >= 0; i-- {
			out = append(out, resultReply(batch[i].ID, batch[i].Method))
		}
		batch = nil
		return out
	})
	mx, _ := newTestMultiplexer(t, peer, 5*time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := fmt.Sprintf("m%d", i)
			reply, err := mx.Call(context.Background(), method, nil)
			if err != nil {
				errs <- err
				return
			}
			var env struct {
				Result string `json:"result"`
			}
			if err := json.Unmarshal(reply, &env); err != nil {
				errs <- err
				return
			}
			if env.Result != method {
				errs <- fmt.Errorf("call %s got reply for %s", method, env.Result)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestMultiplexer_IDsIncrease(t *testing.T) {
	peer := startFakePeer(t, func(req Request, _ []byte) [][]byte {
		return [][]byte{resultReply(req.ID, nil)}
	})
	mx, _ := newTestMultiplexer(t, peer, time.Second)

	for i := 0; i < 3; i++ {
		_, err := mx.Call(context.Background(), "ping", nil)
		require.NoError(t, err)
	}
	var ids []uint64
	for i := 0; i < 3; i++ {
		ids = append(ids, (<-peer.requests).ID)
	}
	require.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestMultiplexer_TimeoutAndStaleReply(t *testing.T) {
	peer := startFakePeer(t, func(req Request, _ []byte) [][]byte {
		if req.Method == "slow" {
			time.Sleep(200 * time.Millisecond)
		}
		return [][]byte{resultReply(req.ID, req.Method)}
	})
	mx, m := newTestMultiplexer(t, peer, 100*time.Millisecond)

	_, err := mx.Call(context.Background(), "slow", nil)
	require.ErrorIs(t, err, ErrTimeout)

	require.Eventually(t, func() bool {
		return m.Get(metrics.RelayStaleDiscarded) == 1
	}, 5*time.Second, 10*time.Millisecond)

	reply, err := mx.Call(context.Background(), "fast", nil)
	require.NoError(t, err)
	require.Contains(t, string(reply), `"fast"`)
}

func TestMultiplexer_MalformedRepliesAreDropped(t *testing.T) {
	peer := startFakePeer(t, func(req Request, _ []byte) [][]byte {
		return [][]byte{[]byte("garbage"), []byte(`{"result":1}`), resultReply(req.ID, "ok")}
	})
	mx, m := newTestMultiplexer(t, peer, time.Second)

	reply, err := mx.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	require.Contains(t, string(reply), `"ok"`)
	require.Eventually(t, func() bool {
		return m.Get(metrics.RelayProtocolErrors) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMultiplexer_StringIDDoesNotMatchNumericCall(t *testing.T) {
	peer := startFakePeer(t, func(req Request, _ []byte) [][]byte {
		spoofed := []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":"%d","result":"spoofed"}`, req.ID))
		return [][]byte{spoofed, resultReply(req.ID, "real")}
	})
	mx, m := newTestMultiplexer(t, peer, time.Second)

	reply, err := mx.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	require.Contains(t, string(reply), `"real"`)
	require.Equal(t, uint64(1), m.Get(metrics.RelayProtocolErrors))
}

func TestMultiplexer_CloseFailsPendingCalls(t *testing.T) {
	peer := startFakePeer(t, func(Request, []byte) [][]byte { return nil })
	mx, _ := newTestMultiplexer(t, peer, 10*time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := mx.Call(context.Background(), "ping", nil)
		errCh <- err
	}()

	<-peer.requests
	require.NoError(t, mx.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call did not fail after Close")
	}

	_, err := mx.Call(context.Background(), "ping", nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestReplyID(t *testing.T) {
	cases := map[string]struct {
		id uint64
		ok bool
	}{
		`{"id":7}`:        {7, true},
		`{"id":"7"}`:      {0, false},
		`{"id":-1}`:       {0, false},
		`{"result":true}`: {0, false},
		`[1,2]`:           {0, false},
		`{"id":1.5}`:      {0, false},
		`{"id":null}`:     {0, false},
		`{"id":7e0}`:      {0, false},
		`{"id": 12 }`:     {12, true},
	}
	for in, want := range cases {
		id, ok := replyID([]byte(in))
		require.Equal(t, want.ok, ok, in)
		require.Equal(t, want.id, id, in)
	}
}
