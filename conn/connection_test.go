package conn

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/myelnet/rpx/marshal"
	"github.com/myelnet/rpx/wire"
	"github.com/stretchr/testify/require"
)

// newTestPair wires two Connections together over an in-memory,
// full-duplex net.Pipe, the way two peers would sit on either end of a
// socket. Each side gets its own Dispatcher so tests can exercise
// genuinely symmetric client/server behavior.
func newTestPair(t *testing.T, dA, dB Dispatcher) (a, b *Connection) {
	t.Helper()
	connA, connB := net.Pipe()
	a = New(wire.NopFlushStream{ReadWriteCloser: connA}, marshal.New(nil, nil, nil), dA)
	b = New(wire.NopFlushStream{ReadWriteCloser: connB}, marshal.New(nil, nil, nil), dB)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.ServeForever(context.Background()) }()
	go func() { defer wg.Done(); b.ServeForever(context.Background()) }()

	t.Cleanup(func() {
		a.Close()
		b.Close()
		wg.Wait()
	})
	return a, b
}

const (
	codeEcho wire.Code = wire.FirstRequestCode + iota
	codeFail
	codeAskPeer
	codeSlow
	codeFatal
)

func echoHandler(_ context.Context, args interface{}) (interface{}, error) {
	return args, nil
}

func TestSimpleRequestResponse(t *testing.T) {
	a, _ := newTestPair(t, nil, Dispatcher{codeEcho: echoHandler})

	result, err := a.SendRequest(context.Background(), codeEcho, "hello")
	require.NoError(t, err)
	require.Equal(t, "hello", result)
}

func TestSimpleRequestResponseTuple(t *testing.T) {
	a, _ := newTestPair(t, nil, Dispatcher{codeEcho: echoHandler})

	result, err := a.SendRequest(context.Background(), codeEcho, marshal.Tuple{uint64(1), "two", int64(3)})
	require.NoError(t, err)
	tup, ok := result.(marshal.Tuple)
	require.True(t, ok)
	require.Equal(t, marshal.Tuple{uint64(1), "two", int64(3)}, tup)
}

func TestRemoteExceptionPropagates(t *testing.T) {
	failing := func(_ context.Context, _ interface{}) (interface{}, error) {
		return nil, &testError{"boom"}
	}
	a, _ := newTestPair(t, nil, Dispatcher{codeFail: failing})

	_, err := a.SendRequest(context.Background(), codeFail, nil)
	require.Error(t, err)
	var remote *RemoteException
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "boom", remote.Value)
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

// TestNestedSyncRequest exercises the core reentrancy guarantee: B's
// handler for codeAskPeer calls back into A (the connection that asked
// it in the first place) before answering, and that nested call must
// complete without either side deadlocking on the single scheduling
// mutex.
func TestNestedSyncRequest(t *testing.T) {
	var bConn *Connection

	askPeerHandler := func(ctx context.Context, args interface{}) (interface{}, error) {
		nestedResult, err := bConn.SendRequest(ctx, codeEcho, "nested-call")
		if err != nil {
			return nil, err
		}
		return marshal.Tuple{args, nestedResult}, nil
	}

	a, b := newTestPair(t, Dispatcher{codeEcho: echoHandler}, Dispatcher{codeAskPeer: askPeerHandler})
	bConn = b

	result, err := a.SendRequest(context.Background(), codeAskPeer, "outer-call")
	require.NoError(t, err)
	tup, ok := result.(marshal.Tuple)
	require.True(t, ok)
	require.Equal(t, marshal.Tuple{"outer-call", "nested-call"}, tup)
}

// TestConcurrentTopLevelRequests issues many independent requests from
// separate goroutines at once and checks every response lands back with
// the goroutine that sent it, i.e. FIFO handler matching holds under
// concurrency.
func TestConcurrentTopLevelRequests(t *testing.T) {
	a, _ := newTestPair(t, nil, Dispatcher{codeEcho: echoHandler})

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			v, err := a.SendRequest(context.Background(), codeEcho, int64(i))
			if err != nil {
				errs[i] = err
				return
			}
			if v != int64(i) {
				errs[i] = &testError{"mismatched echo"}
			}
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

// TestCloseUnblocksOutstandingSenders verifies that closing a connection
// wakes every goroutine blocked in SendRequest rather than hanging them
// forever.
func TestCloseUnblocksOutstandingSenders(t *testing.T) {
	connA, connB := net.Pipe()
	a := New(wire.NopFlushStream{ReadWriteCloser: connA}, marshal.New(nil, nil, nil), nil)
	b := New(wire.NopFlushStream{ReadWriteCloser: connB}, marshal.New(nil, nil, nil), Dispatcher{
		codeEcho: func(_ context.Context, _ interface{}) (interface{}, error) {
			time.Sleep(50 * time.Millisecond)
			return "late", nil
		},
	})
	go a.ServeForever(context.Background())
	go b.ServeForever(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := a.SendRequest(context.Background(), codeEcho, nil)
		done <- err
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, a.Close())
	b.Close()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SendRequest did not unblock after Close")
	}
}

// TestHandlerObservesContextCancellation verifies that canceling the
// context passed to ServeForever is visible inside a handler blocked
// mid-request, letting it exit and report cancellation as an exception
// rather than leaking until Close.
func TestHandlerObservesContextCancellation(t *testing.T) {
	slow := func(ctx context.Context, _ interface{}) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	connA, connB := net.Pipe()
	a := New(wire.NopFlushStream{ReadWriteCloser: connA}, marshal.New(nil, nil, nil), nil)
	b := New(wire.NopFlushStream{ReadWriteCloser: connB}, marshal.New(nil, nil, nil), Dispatcher{codeSlow: slow})

	serveCtx, cancel := context.WithCancel(context.Background())
	go a.ServeForever(context.Background())
	go b.ServeForever(serveCtx)

	done := make(chan error, 1)
	go func() {
		_, err := a.SendRequest(context.Background(), codeSlow, nil)
		done <- err
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		var remote *RemoteException
		require.ErrorAs(t, err, &remote)
	case <-time.After(2 * time.Second):
		t.Fatal("SendRequest did not unblock after handler observed context cancellation")
	}

	require.NoError(t, a.Close())
	b.Close()
}

// TestFatalExitPropagates verifies that a handler returning *FatalExit
// both answers the peer with the exit code and propagates out of
// ServeForever on the handling side, rather than being logged and
// swallowed.
func TestFatalExitPropagates(t *testing.T) {
	fatalHandler := func(_ context.Context, _ interface{}) (interface{}, error) {
		return nil, &FatalExit{Code: "bye"}
	}

	connA, connB := net.Pipe()
	a := New(wire.NopFlushStream{ReadWriteCloser: connA}, marshal.New(nil, nil, nil), nil)
	b := New(wire.NopFlushStream{ReadWriteCloser: connB}, marshal.New(nil, nil, nil), Dispatcher{codeFatal: fatalHandler})

	serveErr := make(chan error, 1)
	go a.ServeForever(context.Background())
	go func() { serveErr <- b.ServeForever(context.Background()) }()

	result, err := a.SendRequest(context.Background(), codeFatal, nil)
	require.NoError(t, err)
	require.Equal(t, "bye", result)

	select {
	case err := <-serveErr:
		var fatal *FatalExit
		require.ErrorAs(t, err, &fatal)
		require.Equal(t, "bye", fatal.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeForever did not return after a FatalExit handler")
	}

	a.Close()
	b.Close()
}

func TestSendRequestAfterCloseFailsFast(t *testing.T) {
	a, _ := newTestPair(t, nil, Dispatcher{codeEcho: echoHandler})
	require.NoError(t, a.Close())

	_, err := a.SendRequest(context.Background(), codeEcho, "x")
	require.ErrorIs(t, err, ErrConnectionClosed)
}
