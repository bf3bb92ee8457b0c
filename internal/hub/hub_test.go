package hub

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thriftpool/thriftpool/internal/applog"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	log := applog.For(applog.New(nil), applog.CompHub)
	h := New(log)
	require.NoError(t, h.Start())
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

func TestStartIdempotent(t *testing.T) {
	h := newTestHub(t)
	require.NoError(t, h.Start())
}

func TestSubmitRunsOnLoopGoroutine(t *testing.T) {
	h := newTestHub(t)

	var sawLoopThread bool
	done := make(chan struct{})
	require.NoError(t, h.Submit(func() {
		sawLoopThread = h.isLoopThread()
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submitted task")
	}
	assert.True(t, sawLoopThread)
}

func TestCallbackBlocksUntilRun(t *testing.T) {
	h := newTestHub(t)

	var ran atomic.Bool
	require.NoError(t, h.Callback(func() {
		time.Sleep(10 * time.Millisecond)
		ran.Store(true)
	}))
	assert.True(t, ran.Load())
}

func TestCallbackPropagatesPanic(t *testing.T) {
	h := newTestHub(t)
	err := h.Callback(func() { panic("boom") })
	assert.Error(t, err)
}

func TestSubmitFIFOPerPoster(t *testing.T) {
	h := newTestHub(t)

	const n = 100
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		require.NoError(t, h.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestScheduleTimerFires(t *testing.T) {
	h := newTestHub(t)

	done := make(chan struct{})
	h.ScheduleTimer(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestScheduleTimerCancel(t *testing.T) {
	h := newTestHub(t)

	fired := make(chan struct{}, 1)
	timer := h.ScheduleTimer(20*time.Millisecond, func() { fired <- struct{}{} })
	require.NoError(t, h.Callback(func() { timer.Cancel() }))

	select {
	case <-fired:
		t.Fatal("canceled timer fired")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestScheduleRepeating(t *testing.T) {
	h := newTestHub(t)

	var count atomic.Int32
	done := make(chan struct{})
	timer := h.ScheduleRepeating(5*time.Millisecond, func() {
		if count.Add(1) == 3 {
			close(done)
		}
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("repeating timer did not fire three times")
	}
	require.NoError(t, h.Callback(func() { timer.Cancel() }))
}

func TestStopIsIdempotent(t *testing.T) {
	h := newTestHub(t)
	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
}

func TestSubmitAfterStopFails(t *testing.T) {
	h := newTestHub(t)
	require.NoError(t, h.Stop())
	err := h.Submit(func() {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegisterFDRoundTrip(t *testing.T) {
	h := newTestHub(t)

	r, w, err := pipeFDs()
	require.NoError(t, err)

	// The watcher is level-triggered: it keeps firing while the byte sits
	// unread, so readyCh is closed only on the first readable event.
	readyCh := make(chan struct{})
	var readyOnce sync.Once
	require.NoError(t, h.Callback(func() {
		require.NoError(t, h.RegisterFD(r, EventRead, func(events FDEvents) {
			if events&EventRead != 0 {
				readyOnce.Do(func() { close(readyCh) })
			}
		}))
	}))

	_, err = writeFD(w, []byte("x"))
	require.NoError(t, err)

	select {
	case <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("fd readiness never observed")
	}

	require.NoError(t, h.Callback(func() {
		require.NoError(t, h.UnregisterFD(r))
	}))
	closeFD(r)
	closeFD(w)
}
