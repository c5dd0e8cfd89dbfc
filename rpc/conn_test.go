package rpc_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openclear/clearway/clearwaytest"
	"github.com/openclear/clearway/errors"
	"github.com/openclear/clearway/rpc"
	"github.com/openclear/clearway/wire"
)

func dial(t *testing.T, node *clearwaytest.Node) *rpc.Conn {
	t.Helper()
	conn, err := rpc.Dial(context.Background(), node.URL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestCallResolvesOnExpectedMethod(t *testing.T) {
	node := clearwaytest.NewNode(t)
	node.Respond("transfer", "transfer", map[string]interface{}{
		"transactions": []map[string]interface{}{{"id": 7}},
	})
	conn := dial(t, node)

	payload, err := conn.Call(context.Background(),
		wire.NewRequest(conn.NextID(), "transfer", nil), "transfer", time.Second)
	require.NoError(t, err)

	var resp struct {
		Transactions []struct {
			ID int64 `json:"id"`
		} `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(payload, &resp))
	require.Len(t, resp.Transactions, 1)
	require.Equal(t, int64(7), resp.Transactions[0].ID)
}

func TestCallFailsFastOnRPCError(t *testing.T) {
	node := clearwaytest.NewNode(t)
	node.Handle("create_channel", func(id uint64, _ json.RawMessage) []clearwaytest.Frame {
		return []clearwaytest.Frame{clearwaytest.MethodErr(id, "insufficient balance")}
	})
	conn := dial(t, node)

	start := time.Now()
	_, err := conn.Call(context.Background(),
		wire.NewRequest(conn.NextID(), "create_channel", nil), "create_channel", time.Minute)
	require.True(t, errors.ErrProtocol.Is(err), "want protocol error, got %+v", err)
	require.Contains(t, err.Error(), "insufficient balance")
	// The one-minute timeout must not be what settled the call.
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestTopLevelErrorFailsAllPending(t *testing.T) {
	node := clearwaytest.NewNode(t)
	conn := dial(t, node)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, method := range []string{"transfer", "get_channels"} {
		wg.Add(1)
		go func(i int, method string) {
			defer wg.Done()
			_, errs[i] = conn.Call(context.Background(),
				wire.NewRequest(conn.NextID(), method, nil), method, time.Minute)
		}(i, method)
	}

	// Give both calls a moment to register their waiters.
	waitForRequests(t, node, 2)
	node.PushRaw(clearwaytest.TopErr(500, "session expired"))
	wg.Wait()

	for _, err := range errs {
		require.True(t, errors.ErrProtocol.Is(err), "want protocol error, got %+v", err)
	}
}

func TestCallTimesOut(t *testing.T) {
	node := clearwaytest.NewNode(t)
	conn := dial(t, node)

	_, err := conn.Call(context.Background(),
		wire.NewRequest(conn.NextID(), "transfer", nil), "transfer", 50*time.Millisecond)
	require.True(t, errors.ErrTimeout.Is(err), "want timeout, got %+v", err)
}

func TestCallHonorsContextCancellation(t *testing.T) {
	node := clearwaytest.NewNode(t)
	conn := dial(t, node)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(ctx,
			wire.NewRequest(conn.NextID(), "transfer", nil), "transfer", time.Minute)
		done <- err
	}()

	waitForRequests(t, node, 1)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		require.False(t, errors.ErrTimeout.Is(err), "cancellation must not be reported as timeout")
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled call did not return")
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	node := clearwaytest.NewNode(t)
	node.Handle("transfer", func(id uint64, _ json.RawMessage) []clearwaytest.Frame {
		return []clearwaytest.Frame{
			clearwaytest.Raw("not json at all"),
			clearwaytest.Raw(`{"res":[1]}`),
			clearwaytest.Res(id, "transfer", map[string]string{"ok": "yes"}),
		}
	})
	conn := dial(t, node)

	payload, err := conn.Call(context.Background(),
		wire.NewRequest(conn.NextID(), "transfer", nil), "transfer", time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":"yes"}`, string(payload))
}

func TestNotifyObservesCallResponses(t *testing.T) {
	node := clearwaytest.NewNode(t)
	node.Respond("get_channels", "get_channels", map[string][]string{"channels": {}})
	conn := dial(t, node)

	observed := make(chan json.RawMessage, 1)
	cancel := conn.Notify("get_channels", func(payload json.RawMessage) {
		observed <- payload
	})
	defer cancel()

	_, err := conn.Call(context.Background(),
		wire.NewRequest(conn.NextID(), "get_channels", nil), "get_channels", time.Second)
	require.NoError(t, err)

	select {
	case payload := <-observed:
		require.JSONEq(t, `{"channels":[]}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("subscriber did not observe the response")
	}
}

func TestNotifyReceivesPushes(t *testing.T) {
	node := clearwaytest.NewNode(t)
	conn := dial(t, node)

	observed := make(chan json.RawMessage, 1)
	conn.Notify("tr", func(payload json.RawMessage) {
		observed <- payload
	})

	node.Push("tr", map[string]interface{}{"transactions": []interface{}{}})

	select {
	case <-observed:
	case <-time.After(time.Second):
		t.Fatal("push notification not delivered")
	}
}

func TestConcurrentSameMethodCallsDoNotCrossTalk(t *testing.T) {
	node := clearwaytest.NewNode(t)
	node.Handle("transfer", func(id uint64, params json.RawMessage) []clearwaytest.Frame {
		// Echo the request params so each caller can verify it got
		// its own response.
		return []clearwaytest.Frame{clearwaytest.Res(id, "transfer", json.RawMessage(params))}
	})
	conn := dial(t, node)

	const callers = 5
	var wg sync.WaitGroup
	failures := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := wire.NewRequest(conn.NextID(), "transfer", map[string]int{"n": i})
			payload, err := conn.Call(context.Background(), req, "transfer", 5*time.Second)
			if err != nil {
				failures <- err.Error()
				return
			}
			var got struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(payload, &got); err != nil || got.N != i {
				failures <- string(payload)
			}
		}(i)
	}
	wg.Wait()
	close(failures)
	for f := range failures {
		t.Errorf("cross-talk or failure: %s", f)
	}
}

func TestConnectionLossFailsPending(t *testing.T) {
	node := clearwaytest.NewNode(t)
	conn := dial(t, node)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(),
			wire.NewRequest(conn.NextID(), "transfer", nil), "transfer", time.Minute)
		done <- err
	}()

	waitForRequests(t, node, 1)
	require.NoError(t, conn.Close())

	select {
	case err := <-done:
		require.True(t, errors.ErrNetwork.Is(err), "want network error, got %+v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call survived connection loss")
	}
}

func waitForRequests(t *testing.T, node *clearwaytest.Node, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(node.Requests()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("node did not receive %d requests", n)
}
