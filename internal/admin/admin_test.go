package admin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thriftpool/thriftpool/internal/applog"
	"github.com/thriftpool/thriftpool/internal/broker"
	"github.com/thriftpool/thriftpool/internal/ctrlproto"
	"github.com/thriftpool/thriftpool/internal/hub"
	"github.com/thriftpool/thriftpool/internal/ipc"
)

func newTestHub(t *testing.T) *hub.Hub {
	t.Helper()
	h := hub.New(applog.For(applog.New(nil), applog.CompAdmin))
	require.NoError(t, h.Start())
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

// fakeCtrlWorker answers CTRL get_counters/get_timers/get_stack with fixed
// payloads, standing in for a real worker's internal/rpcproc.Registry.
func fakeCtrlWorker(t *testing.T, h *hub.Hub, childIncoming, childOutgoing int) {
	t.Helper()
	var out *ipc.Channel
	in := ipc.New(h, applog.For(applog.New(nil), "fake-ctrl-worker"), childIncoming, 0, func(frame []byte) {
		seq := frame[1:9]
		env, err := ctrlproto.Decode(frame[9:])
		require.NoError(t, err)

		var body []byte
		switch env.Cmd {
		case ctrlproto.GetCounters:
			body = []byte(`{"Iface.ping":3}`)
		case ctrlproto.GetTimers:
			body = []byte(`{"Iface.ping":1.5}`)
		case ctrlproto.GetStack:
			body = []byte(`[{"method":"Iface.ping","arg":""}]`)
		}
		reply := append([]byte{byte(ipc.StatusOK)}, seq...)
		reply = append(reply, body...)
		_ = out.WriteFrame(reply)
	}, func(error) {})
	out = ipc.New(h, applog.For(applog.New(nil), "fake-ctrl-worker"), childOutgoing, 0, nil, func(error) {})
	require.NoError(t, h.Callback(func() {
		require.NoError(t, in.Start())
		require.NoError(t, out.Start())
	}))
}

func setupAdminFixture(t *testing.T) (*hub.Hub, *broker.Broker, int) {
	h := newTestHub(t)
	br := broker.New(h, applog.For(applog.New(nil), applog.CompAdmin), 4, 8)

	masterIn, childIn, err := ipc.NewStreamPair()
	require.NoError(t, err)
	masterOut, childOut, err := ipc.NewStreamPair()
	require.NoError(t, err)

	fakeCtrlWorker(t, h, childIn, childOut)
	require.NoError(t, h.Callback(func() {
		require.NoError(t, br.Register(42, masterIn, masterOut, 0))
	}))
	return h, br, 42
}

func TestClientsListsRegisteredWorkers(t *testing.T) {
	h, br, pid := setupAdminFixture(t)
	ids, err := Clients(h, br)
	require.NoError(t, err)
	require.Equal(t, []int{pid}, ids)
}

func TestCountersFetchesWorkerSnapshot(t *testing.T) {
	h, br, pid := setupAdminFixture(t)
	counters, err := Counters(h, br, pid, time.Second)
	require.NoError(t, err)
	require.Equal(t, uint64(3), counters["Iface.ping"])
}

func TestTimersFetchesWorkerSnapshot(t *testing.T) {
	h, br, pid := setupAdminFixture(t)
	timers, err := Timers(h, br, pid, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1.5, timers["Iface.ping"])
}

func TestStackFetchesWorkerSnapshot(t *testing.T) {
	h, br, pid := setupAdminFixture(t)
	stack, err := Stack(h, br, pid, time.Second)
	require.NoError(t, err)
	require.Len(t, stack, 1)
	require.Equal(t, "Iface.ping", stack[0].Method)
}

func TestCountersUnknownWorker(t *testing.T) {
	h, br, _ := setupAdminFixture(t)
	_, err := Counters(h, br, 9999, time.Second)
	require.ErrorIs(t, err, ErrUnknownWorker)
}
