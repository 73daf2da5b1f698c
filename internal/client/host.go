package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/victorarias/rbroker/internal/logging"
	"github.com/victorarias/rbroker/internal/msgpipe"
)

// Host is an attached broker session. Messages are the host's payloads,
// one WebSocket binary message each.
//
// A reader goroutine drains the connection into a queue of receiveQueue
// messages, so heartbeats are answered whether or not Receive is called.
// When the queue is full reading stalls until Receive catches up.
type Host struct {
	name      string
	conn      *websocket.Conn
	callbacks Callbacks
	logf      logging.LogFunc

	incoming *msgpipe.End

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
}

const receiveQueue = msgpipe.DefaultCapacity

func newHost(name string, conn *websocket.Conn, callbacks Callbacks, heartbeat time.Duration, logf logging.LogFunc) *Host {
	conn.SetReadLimit(msgpipe.MaxFrameSize)
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		name:      name,
		conn:      conn,
		callbacks: callbacks,
		logf:      logging.OrNop(logf),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	queue := msgpipe.New(receiveQueue, nil)
	// Both ends of a fresh pipe always connect.
	in, _ := queue.ConnectHost(0)
	h.incoming, _ = queue.ConnectClient()
	go h.readLoop(in)
	if heartbeat > 0 {
		go h.heartbeatLoop(heartbeat)
	}
	return h
}

// Name returns the unique broker session name
func (h *Host) Name() string {
	return h.name
}

// Send writes one message to the host
func (h *Host) Send(ctx context.Context, msg []byte) error {
	if err := h.conn.Write(ctx, websocket.MessageBinary, msg); err != nil {
		return h.fail(err)
	}
	return nil
}

// Receive waits for the next message from the host. Messages that arrived
// before a disconnect are still delivered; after that Receive returns the
// disconnect error. Cancelling ctx leaves the host connected.
func (h *Host) Receive(ctx context.Context) ([]byte, error) {
	data, err := h.incoming.Read(ctx)
	if err == nil {
		return data, nil
	}
	if errors.Is(err, msgpipe.ErrPipeDisconnected) || errors.Is(err, msgpipe.ErrPipeClosed) {
		if cur := h.Err(); cur != nil {
			return nil, cur
		}
		return nil, disconnected(err, "connection to R host %s was closed", h.name)
	}
	return nil, err
}

// readLoop reads until the connection fails and queues binary messages.
// Control frames, pongs included, are handled inside conn.Read.
func (h *Host) readLoop(in *msgpipe.End) {
	defer in.Close()
	for {
		typ, data, err := h.conn.Read(context.Background())
		if err != nil {
			h.fail(err)
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if err := in.Write(h.ctx, data); err != nil {
			return
		}
	}
}

// Done is closed once the host is disconnected or closed
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// Err returns why the host disconnected, nil while connected or after Close
func (h *Host) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close detaches from the session. The broker stops the host once its client
// is gone.
func (h *Host) Close() error {
	h.finish(nil)
	return h.conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Host) fail(err error) error {
	select {
	case <-h.done:
		if cur := h.Err(); cur != nil {
			return cur
		}
		return disconnected(err, "connection to R host %s was closed", h.name)
	default:
	}
	var dErr *HostDisconnectedError
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		dErr = disconnected(err, "R host %s exited", h.name)
	} else {
		dErr = disconnected(err, "connection to R host %s was lost: %v", h.name, err)
	}
	h.finish(dErr)
	return dErr
}

func (h *Host) finish(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		h.cancel()
		close(h.done)
		if err != nil && h.callbacks != nil {
			h.callbacks.Disconnected(h, err)
		}
	})
}

// heartbeatLoop pings every timeout/2 and drops the connection when a pong
// does not arrive within the timeout.
func (h *Host) heartbeatLoop(timeout time.Duration) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := h.conn.Ping(ctx)
		cancel()
		if err != nil {
			select {
			case <-h.done:
				return
			default:
			}
			h.logf("host %s: heartbeat failed: %v", h.name, err)
			h.finish(disconnected(err, "R host %s stopped responding", h.name))
			h.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
			return
		}
	}
}
