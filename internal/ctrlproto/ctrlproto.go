// Package ctrlproto defines the wire shape of CTRL-tagged IPC frames: a
// command name plus a JSON argument, carried as a CTRL payload instead of
// a generated Thrift control service, since this repo implements no Thrift
// protocol codec. Both the master's Broker.Proxy (the sender) and the
// worker's control dispatcher (the receiver) share these definitions so
// the envelope can only drift in one place.
package ctrlproto

import "encoding/json"

// Command names for the administrative operations the broker's per-worker
// control proxy exposes.
const (
	ChangeTitle       = "change_title"
	RegisterAcceptors = "register_acceptors"
	StartAcceptor     = "start_acceptor"
	StopAcceptor      = "stop_acceptor"
	GetCounters       = "get_counters"
	GetTimers         = "get_timers"
	GetStack          = "get_stack"
)

// Envelope is the whole of a CTRL payload's body.
type Envelope struct {
	Cmd string          `json:"cmd"`
	Arg json.RawMessage `json:"arg,omitempty"`
}

// Encode marshals cmd and its argument (nil for no-argument commands) into
// a CTRL payload.
func Encode(cmd string, arg any) ([]byte, error) {
	var rawArg json.RawMessage
	if arg != nil {
		encoded, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		rawArg = encoded
	}
	return json.Marshal(Envelope{Cmd: cmd, Arg: rawArg})
}

// Decode parses a CTRL payload back into its envelope.
func Decode(payload []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(payload, &e)
	return e, err
}

// StackEntry is one currently in-flight call, as captured by the worker's
// call-stack registry and surfaced by GetStack.
type StackEntry struct {
	Method string `json:"method"`
	Arg    string `json:"arg"`
}
