//go:build linux

package worker

import (
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thriftpool/thriftpool/internal/applog"
	"github.com/thriftpool/thriftpool/internal/ctrlproto"
	"github.com/thriftpool/thriftpool/internal/hub"
	"github.com/thriftpool/thriftpool/internal/ipc"
	"github.com/thriftpool/thriftpool/internal/rpcproc"
)

func newTestHub(t *testing.T) *hub.Hub {
	t.Helper()
	h := hub.New(applog.For(applog.New(nil), "worker-test"))
	require.NoError(t, h.Start())
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

type testMaster struct {
	handshake, incoming, outgoing *ipc.Channel
	replies                       chan []byte
}

func setupWorker(t *testing.T) (*testMaster, *Worker, *hub.Hub) {
	t.Helper()
	h := newTestHub(t)

	masterHS, childHS, err := ipc.NewStreamPair()
	require.NoError(t, err)
	masterIn, childIn, err := ipc.NewStreamPair()
	require.NoError(t, err)
	masterOut, childOut, err := ipc.NewStreamPair()
	require.NoError(t, err)

	m := &testMaster{replies: make(chan []byte, 16)}
	readyCh := make(chan []byte, 1)
	require.NoError(t, h.Callback(func() {
		m.handshake = ipc.New(h, applog.For(applog.New(nil), "test-master"), masterHS, 0, func(frame []byte) {
			readyCh <- frame
		}, func(error) {})
		m.incoming = ipc.New(h, applog.For(applog.New(nil), "test-master"), masterIn, 0, nil, func(error) {})
		m.outgoing = ipc.New(h, applog.For(applog.New(nil), "test-master"), masterOut, 0, func(frame []byte) {
			m.replies <- frame
		}, func(error) {})
		require.NoError(t, m.handshake.Start())
		require.NoError(t, m.incoming.Start())
		require.NoError(t, m.outgoing.Start())
	}))

	w := New(h, applog.For(applog.New(nil), "worker-test"), childHS, childIn, childOut, 0, rpcproc.DemoProcessor{})
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run() }()

	snapshot, err := json.Marshal(HandshakePayload{Workers: 1, Concurrency: 1, WorkerType: "sync"})
	require.NoError(t, err)
	require.NoError(t, h.Callback(func() {
		require.NoError(t, m.handshake.WriteFrame(snapshot))
	}))

	select {
	case frame := <-readyCh:
		require.Equal(t, ReadyMarker, frame)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never completed")
	}
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned")
	}

	return m, w, h
}

func sendRequest(t *testing.T, h *hub.Hub, m *testMaster, tag ipc.Tag, seq uint64, payload []byte) {
	t.Helper()
	frame := make([]byte, 0, 9+len(payload))
	frame = append(frame, byte(tag))
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	frame = append(frame, seqBuf[:]...)
	frame = append(frame, payload...)
	require.NoError(t, h.Callback(func() {
		require.NoError(t, m.incoming.WriteFrame(frame))
	}))
}

func TestWorkerHandlesPing(t *testing.T) {
	m, _, h := setupWorker(t)
	sendRequest(t, h, m, ipc.TagRPC, 1, rpcproc.EncodePing())

	select {
	case reply := <-m.replies:
		require.Equal(t, byte(ipc.StatusOK), reply[0])
		require.Equal(t, uint64(1), binary.BigEndian.Uint64(reply[1:9]))
		require.Empty(t, reply[9:])
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
}

func TestWorkerHandlesEchoString(t *testing.T) {
	m, _, h := setupWorker(t)
	want := []byte("hello world")
	sendRequest(t, h, m, ipc.TagRPC, 7, rpcproc.EncodeEchoString(want))

	select {
	case reply := <-m.replies:
		require.Equal(t, byte(ipc.StatusOK), reply[0])
		require.Equal(t, uint64(7), binary.BigEndian.Uint64(reply[1:9]))
		require.Equal(t, want, reply[9:])
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
}

func TestWorkerCtrlChangeTitleAndCounters(t *testing.T) {
	m, w, h := setupWorker(t)

	titleArg, err := ctrlproto.Encode(ctrlproto.ChangeTitle, "thriftworker-test")
	require.NoError(t, err)
	sendRequest(t, h, m, ipc.TagCTRL, 1, titleArg)
	<-m.replies
	require.Eventually(t, func() bool { return w.Title() == "thriftworker-test" }, time.Second, 10*time.Millisecond)

	sendRequest(t, h, m, ipc.TagRPC, 2, rpcproc.EncodePing())
	<-m.replies

	countersArg, err := ctrlproto.Encode(ctrlproto.GetCounters, nil)
	require.NoError(t, err)
	sendRequest(t, h, m, ipc.TagCTRL, 3, countersArg)

	select {
	case reply := <-m.replies:
		require.Equal(t, byte(ipc.StatusOK), reply[0])
		var counters map[string]uint64
		require.NoError(t, json.Unmarshal(reply[9:], &counters))
		require.Equal(t, uint64(1), counters["Iface.ping"])
	case <-time.After(2 * time.Second):
		t.Fatal("no counters reply")
	}
}
