package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"diskforge/internal/blockdev"
)

var (
	// ErrTimeout reports a request whose response never arrived within
	// the window. The helper may still be executing the work; only the
	// wait is abandoned.
	ErrTimeout = errors.New("request to privileged helper timed out")

	// ErrConnectionLost fails requests pending at the moment the channel
	// dropped. The bridge reconnects on its own.
	ErrConnectionLost = errors.New("connection to privileged helper lost")

	// ErrNotConnected rejects a request sent before the first successful
	// connect or during a reconnect window.
	ErrNotConnected = errors.New("not connected to privileged helper")
)

// Bridge is the controller-side client. It maintains one connection to
// the helper, retrying on a fixed backoff forever, since the helper may
// still be starting. Responses are routed back to callers by request ID.
type Bridge struct {
	socketPath string
	timeout    time.Duration
	backoff    time.Duration
	log        zerolog.Logger

	// dial is a test seam.
	dial func() (net.Conn, error)

	mu      sync.Mutex
	conn    net.Conn
	pending map[string]chan Message
}

func NewBridge(socketPath string, timeout, backoff time.Duration, log zerolog.Logger) *Bridge {
	b := &Bridge{
		socketPath: socketPath,
		timeout:    timeout,
		backoff:    backoff,
		log:        log,
		pending:    make(map[string]chan Message),
	}
	b.dial = func() (net.Conn, error) { return net.Dial("unix", socketPath) }
	return b
}

// Run connects and keeps the bridge connected until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	for {
		conn, err := b.dial()
		if err != nil {
			b.log.Debug().Err(err).Dur("backoff", b.backoff).Msg("helper not reachable; retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.backoff):
				continue
			}
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		b.log.Info().Str("socket", b.socketPath).Msg("connected to privileged helper")

		b.readLoop(ctx, conn)

		b.dropConn(conn)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.backoff):
		}
	}
}

func (b *Bridge) readLoop(ctx context.Context, conn net.Conn) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var msg Message
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			b.log.Warn().Err(err).Msg("malformed response dropped")
			continue
		}
		b.mu.Lock()
		ch, ok := b.pending[msg.RequestID]
		if ok {
			delete(b.pending, msg.RequestID)
		}
		b.mu.Unlock()
		if !ok {
			// late response whose waiter already timed out
			b.log.Debug().Str("requestId", msg.RequestID).Msg("unmatched response dropped")
			continue
		}
		ch <- msg
	}
}

// dropConn fails every pending request distinctly from a timeout.
func (b *Bridge) dropConn(conn net.Conn) {
	conn.Close()
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	dropped := b.pending
	b.pending = make(map[string]chan Message)
	b.mu.Unlock()
	for _, ch := range dropped {
		close(ch)
	}
	if len(dropped) > 0 {
		b.log.Warn().Int("pending", len(dropped)).Msg("connection lost with requests in flight")
	}
}

// Request sends one command and waits for its correlated response.
func (b *Bridge) Request(ctx context.Context, command string, data json.RawMessage) (Message, error) {
	id := uuid.NewString()
	ch := make(chan Message, 1)

	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return Message{}, ErrNotConnected
	}
	b.pending[id] = ch
	b.mu.Unlock()

	line, err := json.Marshal(Message{Command: command, RequestID: id, Data: data})
	if err != nil {
		b.forget(id)
		return Message{}, err
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		b.forget(id)
		return Message{}, ErrConnectionLost
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-ch:
		if !ok {
			return Message{}, ErrConnectionLost
		}
		return msg, nil
	case <-timer.C:
		// The timeout removes its own pending entry; the helper's work,
		// if any, continues unobserved.
		b.forget(id)
		return Message{}, ErrTimeout
	case <-ctx.Done():
		b.forget(id)
		return Message{}, ctx.Err()
	}
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// List asks the helper for the current block-device inventory, letting
// the bridge stand in for a local enumerator.
func (b *Bridge) List(ctx context.Context) ([]blockdev.Device, error) {
	resp, err := b.Request(ctx, CmdListDevices, nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	var devices []blockdev.Device
	if err := json.Unmarshal(resp.Data, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}
