// Package qmp speaks the QEMU Machine Protocol over an arbitrary pair of
// byte streams — typically the child process's stdin/stdout pipes rather
// than a unix domain socket, since this launcher never runs QEMU with a
// separate QMP socket.
package qmp

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/qemu-launcher/qemu-launcher/internal/config"
)

// Conn is a handshaken QMP session. Replies to synchronous commands and
// asynchronous "event"-tagged messages arrive interleaved on the wire; a
// reader goroutine splits them into two channels since QMP carries no
// request id to correlate a reply to its command; they are just consumed in
// the order they were sent.
type Conn struct {
	dec *json.Decoder
	enc *json.Encoder

	messageSync  chan map[string]any
	messageAsync chan map[string]any
	readErr      chan error
}

// Dial performs the QMP greeting handshake over r/w and starts the reader
// goroutine. The greeting must carry a QMP.capabilities field, the same
// check the original client makes before ever attempting qmp_capabilities;
// a non-QEMU child emitting some other valid JSON as its first line is
// rejected here rather than accepted and only failing later.
func Dial(r io.Reader, w io.Writer) (*Conn, error) {
	c := &Conn{
		dec:          json.NewDecoder(r),
		enc:          json.NewEncoder(w),
		messageSync:  make(chan map[string]any, 16),
		messageAsync: make(chan map[string]any, 16),
		readErr:      make(chan error, 1),
	}

	greeting, err := c.readRaw()
	if err != nil {
		return nil, &Error{Op: "greeting", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	if err := validateGreeting(greeting); err != nil {
		return nil, &Error{Op: "greeting", Err: err}
	}

	if err := c.enc.Encode(map[string]any{"execute": "qmp_capabilities"}); err != nil {
		return nil, &Error{Op: "qmp_capabilities", Err: err}
	}

	// Asynchronous events may arrive before the reply; they are discarded
	// the same way the steady-state reader filters them.
	var reply map[string]any

	for {
		reply, err = c.readRaw()
		if err != nil {
			return nil, &Error{Op: "qmp_capabilities", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
		}

		if _, isEvent := reply["event"]; !isEvent {
			break
		}
	}

	if _, ok := reply["return"]; !ok {
		return nil, &Error{Op: "qmp_capabilities", Err: ErrCommandFailed}
	}

	go c.reader()

	return c, nil
}

// validateGreeting checks the welcome message carries QMP.capabilities,
// mirroring the original client's check that response["QMP"]["capabilities"]
// is present before ever sending qmp_capabilities.
func validateGreeting(greeting map[string]any) error {
	qmp, ok := greeting["QMP"].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: missing QMP field in greeting", ErrMalformed)
	}

	if _, ok := qmp["capabilities"]; !ok {
		return fmt.Errorf("%w: missing QMP.capabilities field in greeting", ErrMalformed)
	}

	return nil
}

func (c *Conn) readRaw() (map[string]any, error) {
	var v map[string]any
	if err := c.dec.Decode(&v); err != nil {
		return nil, err
	}

	return v, nil
}

// reader splits the steady-state stream of decoded messages into the event
// and reply channels for as long as the connection stays open; it exits
// (closing both channels) the moment decoding fails, which is how EOF from
// the child's exit is surfaced to any in-flight command.
func (c *Conn) reader() {
	defer close(c.messageSync)
	defer close(c.messageAsync)

	for {
		v, err := c.readRaw()
		if err != nil {
			c.readErr <- err

			return
		}

		if _, isEvent := v["event"]; isEvent {
			// Events are queued only while the buffer has room; once it
			// is full, further events are dropped so that replies keep
			// flowing.
			select {
			case c.messageAsync <- v:
			default:
			}
		} else {
			c.messageSync <- v
		}
	}
}

// execute sends a command and returns its synchronous reply, or the
// terminal read error if the connection closed before one arrived.
func (c *Conn) execute(op string, cmd map[string]any) (map[string]any, error) {
	if err := c.enc.Encode(cmd); err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	reply, ok := <-c.messageSync
	if !ok {
		err := <-c.readErr

		return nil, &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	if errPayload, failed := reply["error"]; failed {
		return nil, &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrCommandFailed, errPayload)}
	}

	return reply, nil
}

// cpuEntry mirrors one element of query-cpus-fast's return array: the
// pieces this launcher correlates against vcpu_pinning and nothing else.
type cpuEntry struct {
	Props struct {
		SocketID *int `json:"socket-id"`
		CoreID   *int `json:"core-id"`
		ThreadID *int `json:"thread-id"`
	} `json:"props"`
	ThreadID *int `json:"thread-id"`
}

// Topology maps a guest vCPU's (socket, core, thread) coordinate to its
// host thread id, as reported by query-cpus-fast.
type Topology map[config.VCPU]int

// QueryTopology issues query-cpus-fast and correlates each entry's props to
// a host thread id.
func (c *Conn) QueryTopology() (Topology, error) {
	const op = "query-cpus-fast"

	reply, err := c.execute(op, map[string]any{"execute": op})
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(reply["return"])
	if err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	var entries []cpuEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	topology := make(Topology, len(entries))

	for _, e := range entries {
		if e.Props.SocketID == nil || e.Props.CoreID == nil || e.Props.ThreadID == nil {
			return nil, &Error{Op: op, Err: fmt.Errorf("%w: entry missing props coordinate", ErrMalformed)}
		}

		if e.ThreadID == nil {
			return nil, &Error{Op: op, Err: fmt.Errorf("%w: entry missing thread-id", ErrMalformed)}
		}

		vcpu := config.VCPU{Socket: *e.Props.SocketID, Core: *e.Props.CoreID, Thread: *e.Props.ThreadID}

		if _, dup := topology[vcpu]; dup {
			return nil, &Error{Op: op, Err: fmt.Errorf("%w: duplicate topology entry for %+v", ErrMalformed, vcpu)}
		}

		topology[vcpu] = *e.ThreadID
	}

	return topology, nil
}

// ResolveHostThreads correlates the requested pinning map against the
// topology returned by QEMU, failing closed on a partial mismatch (spec's
// resolution of the "partial pinning" open question): a vCPU pinned in
// configuration but absent from the topology is an error, never skipped.
// Topology entries that no pinning entry requests are not checked and are
// left out of the result.
func (t Topology) ResolveHostThreads(pinning config.PinningMap) (map[config.VCPU]int, error) {
	resolved := make(map[config.VCPU]int, len(pinning))

	for _, entry := range pinning.Entries() {
		hostTID, ok := t[entry.VCPU]
		if !ok {
			return nil, &Error{
				Op: "resolve-topology",
				Err: fmt.Errorf(
					"%w: vCPU socket=%d core=%d thread=%d requested but not reported by QEMU",
					ErrTopologyMismatch, entry.Socket, entry.Core, entry.Thread,
				),
			}
		}

		resolved[entry.VCPU] = hostTID
	}

	return resolved, nil
}
