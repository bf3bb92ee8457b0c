// Package admin implements the read-only introspection surface: listing
// registered workers and fetching one worker's counters, timers, and
// in-flight call stack. These are plain functions over
// internal/broker.Broker, callable from whatever HTTP (or other) layer a
// caller wires up — this package is deliberately not itself an HTTP
// server.
package admin

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/thriftpool/thriftpool/internal/apperr"
	"github.com/thriftpool/thriftpool/internal/broker"
	"github.com/thriftpool/thriftpool/internal/ctrlproto"
	"github.com/thriftpool/thriftpool/internal/hub"
)

// ErrUnknownWorker is returned when pid names no currently registered
// worker.
var ErrUnknownWorker = errors.New("admin: unknown worker id")

// ErrTimeout is returned when a worker does not reply within the caller's
// deadline.
var ErrTimeout = errors.New("admin: request timed out")

// Clients lists the currently registered worker ids, sorted for stable
// output.
func Clients(h *hub.Hub, br *broker.Broker) ([]int, error) {
	var ids []int
	if err := h.Callback(func() {
		ids = br.Keys()
		sort.Ints(ids)
	}); err != nil {
		return nil, err
	}
	return ids, nil
}

// Counters fetches one worker's per-method request counters.
func Counters(h *hub.Hub, br *broker.Broker, pid int, timeout time.Duration) (map[string]uint64, error) {
	raw, err := callCtrl(h, br, pid, timeout, func(p broker.Proxy, cb broker.CtrlCallback) error {
		return p.GetCounters(cb)
	})
	if err != nil {
		return nil, err
	}
	var out map[string]uint64
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Timers fetches one worker's per-method average latency.
func Timers(h *hub.Hub, br *broker.Broker, pid int, timeout time.Duration) (map[string]float64, error) {
	raw, err := callCtrl(h, br, pid, timeout, func(p broker.Proxy, cb broker.CtrlCallback) error {
		return p.GetTimers(cb)
	})
	if err != nil {
		return nil, err
	}
	var out map[string]float64
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stack fetches a snapshot of one worker's currently in-flight calls.
func Stack(h *hub.Hub, br *broker.Broker, pid int, timeout time.Duration) ([]ctrlproto.StackEntry, error) {
	raw, err := callCtrl(h, br, pid, timeout, func(p broker.Proxy, cb broker.CtrlCallback) error {
		return p.GetStack(cb)
	})
	if err != nil {
		return nil, err
	}
	var out []ctrlproto.StackEntry
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// callCtrl submits one control request to pid's proxy on the loop
// goroutine, then waits (off the loop goroutine) for the asynchronous
// reply or timeout.
func callCtrl(h *hub.Hub, br *broker.Broker, pid int, timeout time.Duration, submit func(broker.Proxy, broker.CtrlCallback) error) ([]byte, error) {
	type outcome struct {
		raw []byte
		err error
	}
	resultCh := make(chan outcome, 1)

	err := h.Callback(func() {
		proxy, ok := br.Get(pid)
		if !ok {
			resultCh <- outcome{err: ErrUnknownWorker}
			return
		}
		if err := submit(proxy, func(ok bool, raw []byte, errStr string) {
			switch {
			case !ok:
				resultCh <- outcome{err: apperr.ErrWorkerGone}
			case errStr != "":
				resultCh <- outcome{err: errors.New(errStr)}
			default:
				resultCh <- outcome{raw: raw}
			}
		}); err != nil {
			resultCh <- outcome{err: err}
		}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-resultCh:
		return r.raw, r.err
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}
