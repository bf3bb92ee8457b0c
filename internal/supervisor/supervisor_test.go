//go:build linux

package supervisor

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thriftpool/thriftpool/internal/apperr"
	"github.com/thriftpool/thriftpool/internal/applog"
	"github.com/thriftpool/thriftpool/internal/broker"
	"github.com/thriftpool/thriftpool/internal/config"
	"github.com/thriftpool/thriftpool/internal/hub"
	"github.com/thriftpool/thriftpool/internal/rpcproc"
	"github.com/thriftpool/thriftpool/internal/worker"
)

// childEnvVar re-execs this test binary as a real worker process: init runs
// before any test and, when set, never returns into the testing machinery.
const childEnvVar = "THRIFTPOOL_SUPERVISOR_TEST_CHILD"

func init() {
	if os.Getenv(childEnvVar) == "1" {
		runTestWorkerChild()
		os.Exit(0)
	}
}

// runTestWorkerChild performs the worker side of the IPC triad over the
// fds exec.Cmd.ExtraFiles placed at 3 (handshake), 4 (incoming), 5
// (outgoing), then blocks forever servicing requests until killed.
func runTestWorkerChild() {
	h := hub.New(applog.For(applog.New(nil), "test-worker-child"))
	if err := h.Start(); err != nil {
		os.Exit(1)
	}
	w := worker.New(h, applog.For(applog.New(nil), "test-worker-child"), 3, 4, 5, 0, rpcproc.DemoProcessor{})
	if err := w.Run(); err != nil {
		os.Exit(1)
	}
	select {}
}

func newTestHub(t *testing.T) *hub.Hub {
	t.Helper()
	h := hub.New(applog.For(applog.New(nil), "supervisor-test"))
	require.NoError(t, h.Start())
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

func testConfig(t *testing.T, workers int, ttl time.Duration) config.Config {
	t.Helper()
	require.NoError(t, os.Setenv(childEnvVar, "1"))
	t.Cleanup(func() { _ = os.Unsetenv(childEnvVar) })
	return config.Config{
		Workers:             workers,
		WorkerType:          config.WorkerTypeSync,
		WorkerTTL:           ttl,
		ProcessStartTimeout: 5 * time.Second,
		ProcessStopTimeout:  2 * time.Second,
		Concurrency:         4,
		MaxFrameSize:        0,
		WorkerCommand:       []string{os.Args[0]},
		ListenAddr:          "127.0.0.1:0",
	}
}

func TestManagerSpawnsHandshakesAndRegistersWorkers(t *testing.T) {
	h := newTestHub(t)
	br := broker.New(h, applog.For(applog.New(nil), "supervisor-test"), 4, 16)
	cfg := testConfig(t, 2, 0)

	var mu sync.Mutex
	var ready []int
	mgr := New(h, applog.For(applog.New(nil), "supervisor-test"), br, cfg, func(id int, _ broker.Proxy) {
		mu.Lock()
		ready = append(ready, id)
		mu.Unlock()
	})

	require.NoError(t, mgr.Start())

	mu.Lock()
	gotReady := len(ready)
	mu.Unlock()
	require.Equal(t, 2, gotReady)

	require.NoError(t, h.Callback(func() {
		require.Len(t, br.Keys(), 2)
	}))

	require.NoError(t, mgr.Stop())

	require.NoError(t, h.Callback(func() {
		require.Empty(t, br.Keys())
	}))
}

func TestManagerRecyclesCrashedWorker(t *testing.T) {
	h := newTestHub(t)
	br := broker.New(h, applog.For(applog.New(nil), "supervisor-test"), 4, 16)
	cfg := testConfig(t, 1, 0)

	readyCh := make(chan int, 4)
	mgr := New(h, applog.For(applog.New(nil), "supervisor-test"), br, cfg, func(id int, _ broker.Proxy) {
		readyCh <- id
	})

	require.NoError(t, mgr.Start())

	var firstID int
	select {
	case firstID = <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never became ready")
	}

	require.NoError(t, h.Callback(func() {
		m := mgr
		m.mu.Lock()
		p, ok := m.procs[firstID]
		m.mu.Unlock()
		require.True(t, ok)
		require.NoError(t, p.cmd.Process.Kill())
	}))

	select {
	case secondID := <-readyCh:
		require.NotEqual(t, firstID, secondID)
	case <-time.After(5 * time.Second):
		t.Fatal("replacement worker never became ready")
	}

	require.NoError(t, mgr.Stop())
}

// A worker command that never performs the handshake must surface
// SystemTerminate from Start within the configured budget.
func TestStartTimesOutOnStalledHandshake(t *testing.T) {
	h := newTestHub(t)
	br := broker.New(h, applog.For(applog.New(nil), "supervisor-test"), 4, 16)
	cfg := config.Config{
		Workers:             1,
		WorkerType:          config.WorkerTypeSync,
		ProcessStartTimeout: 500 * time.Millisecond,
		ProcessStopTimeout:  2 * time.Second,
		Concurrency:         4,
		WorkerCommand:       []string{"/bin/sleep", "3600"},
		ListenAddr:          "127.0.0.1:0",
	}

	mgr := New(h, applog.For(applog.New(nil), "supervisor-test"), br, cfg, nil)

	start := time.Now()
	err := mgr.Start()
	require.Error(t, err)
	var st *apperr.SystemTerminate
	require.ErrorAs(t, err, &st)
	require.Equal(t, apperr.ReasonTimeout, st.Reason)
	require.Less(t, time.Since(start), 1500*time.Millisecond)

	require.NoError(t, mgr.Stop())
}

// With one worker and a short TTL, the worker id changes while the pool
// stays at full strength.
func TestRenewerRecyclesAgedWorker(t *testing.T) {
	h := newTestHub(t)
	br := broker.New(h, applog.For(applog.New(nil), "supervisor-test"), 4, 16)
	cfg := testConfig(t, 1, 500*time.Millisecond)

	readyCh := make(chan int, 4)
	mgr := New(h, applog.For(applog.New(nil), "supervisor-test"), br, cfg, func(id int, _ broker.Proxy) {
		readyCh <- id
	})

	require.NoError(t, mgr.Start())

	var firstID int
	select {
	case firstID = <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never became ready")
	}

	mgr.StartRenewer()

	select {
	case secondID := <-readyCh:
		require.NotEqual(t, firstID, secondID)
	case <-time.After(10 * time.Second):
		t.Fatal("aged worker was never recycled")
	}

	require.NoError(t, mgr.Stop())
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestForwardStreamCopiesAllOutput(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)

	var mu sync.Mutex
	var out bytes.Buffer
	done := make(chan struct{})
	go func() {
		forwardStream(r, writerFunc(func(p []byte) (int, error) {
			mu.Lock()
			defer mu.Unlock()
			return out.Write(p)
		}))
		close(done)
	}()

	for i := 0; i < 10; i++ {
		_, err := fmt.Fprintf(w, "line %d\n", i)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder never drained")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 10; i++ {
		require.Contains(t, out.String(), fmt.Sprintf("line %d\n", i))
	}
}
