package msgpipe

import (
	"context"
	"errors"
	"sync"

	"github.com/victorarias/rbroker/internal/logging"
)

// DefaultCapacity is the number of messages buffered per direction.
const DefaultCapacity = 256

var (
	ErrPipeAlreadyConnected = errors.New("pipe end already connected")
	ErrPipeDisconnected     = errors.New("pipe disconnected")
	ErrPipeClosed           = errors.New("pipe end closed")
)

type side int

const (
	hostSide side = iota
	clientSide
)

func (s side) String() string {
	if s == hostSide {
		return "host"
	}
	return "client"
}

// Pipe is a bounded, in-memory, two-ended message queue. Messages written to
// the host end are read from the client end and vice versa. Each direction is
// an independent FIFO.
type Pipe struct {
	logf       logging.LogFunc
	logPackets bool

	toHost   chan []byte
	toClient chan []byte

	hostDone   chan struct{}
	clientDone chan struct{}

	mu         sync.Mutex
	host       *End
	client     *End
	hostPID    int
	hostOnce   sync.Once
	clientOnce sync.Once
}

// New creates a pipe with capacity messages buffered per direction. A
// capacity <= 0 selects DefaultCapacity.
func New(capacity int, logf logging.LogFunc) *Pipe {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pipe{
		logf:       logging.OrNop(logf),
		toHost:     make(chan []byte, capacity),
		toClient:   make(chan []byte, capacity),
		hostDone:   make(chan struct{}),
		clientDone: make(chan struct{}),
	}
}

// SetLogPackets turns per-message logging on or off. Call before connecting.
func (p *Pipe) SetLogPackets(enabled bool) {
	p.logPackets = enabled
}

// ConnectHost binds the host end, recording the id of the process behind it.
func (p *Pipe) ConnectHost(pid int) (*End, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.host != nil {
		return nil, ErrPipeAlreadyConnected
	}
	p.hostPID = pid
	p.host = &End{
		pipe:     p,
		side:     hostSide,
		in:       p.toHost,
		out:      p.toClient,
		done:     p.hostDone,
		peerDone: p.clientDone,
		closeFn:  func() { p.hostOnce.Do(func() { close(p.hostDone) }) },
	}
	return p.host, nil
}

// ConnectClient binds the client end.
func (p *Pipe) ConnectClient() (*End, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return nil, ErrPipeAlreadyConnected
	}
	p.client = &End{
		pipe:     p,
		side:     clientSide,
		in:       p.toClient,
		out:      p.toHost,
		done:     p.clientDone,
		peerDone: p.hostDone,
		closeFn:  func() { p.clientOnce.Do(func() { close(p.clientDone) }) },
	}
	return p.client, nil
}

// HostPID returns the process id given to ConnectHost, or 0.
func (p *Pipe) HostPID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hostPID
}

// IsHostConnected reports whether a host end was bound and not yet closed.
func (p *Pipe) IsHostConnected() bool {
	p.mu.Lock()
	host := p.host
	p.mu.Unlock()
	return host != nil && !host.Closed()
}

// IsClientConnected reports whether a client end was bound and not yet closed.
func (p *Pipe) IsClientConnected() bool {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	return client != nil && !client.Closed()
}

// End is one side of a Pipe.
type End struct {
	pipe     *Pipe
	side     side
	in       <-chan []byte
	out      chan<- []byte
	done     chan struct{}
	peerDone chan struct{}
	closeFn  func()
}

// Read waits for the next message sent from the opposite end. Messages
// already queued are delivered before ErrPipeDisconnected is reported.
func (e *End) Read(ctx context.Context) ([]byte, error) {
	if e.Closed() {
		return nil, ErrPipeClosed
	}
	select {
	case msg := <-e.in:
		e.logPacket("recv", msg)
		return msg, nil
	case <-e.done:
		return nil, ErrPipeClosed
	case <-e.peerDone:
		select {
		case msg := <-e.in:
			e.logPacket("recv", msg)
			return msg, nil
		default:
			return nil, ErrPipeDisconnected
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write copies msg and queues it toward the opposite end. It returns as soon
// as there is room; a full queue blocks until the peer reads, either end is
// closed, or ctx ends.
func (e *End) Write(ctx context.Context, msg []byte) error {
	if e.Closed() {
		return ErrPipeClosed
	}
	if isClosed(e.peerDone) {
		return ErrPipeDisconnected
	}
	buf := make([]byte, len(msg))
	copy(buf, msg)

	select {
	case e.out <- buf:
		e.logPacket("send", buf)
		return nil
	default:
	}

	select {
	case e.out <- buf:
		e.logPacket("send", buf)
		return nil
	case <-e.done:
		return ErrPipeClosed
	case <-e.peerDone:
		return ErrPipeDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disposes the end. The peer's pending and future reads fail with
// ErrPipeDisconnected once its queue drains.
func (e *End) Close() error {
	e.closeFn()
	return nil
}

// Closed reports whether Close was called on this end.
func (e *End) Closed() bool {
	return isClosed(e.done)
}

// Done is closed when this end is closed.
func (e *End) Done() <-chan struct{} {
	return e.done
}

func (e *End) logPacket(op string, msg []byte) {
	if !e.pipe.logPackets {
		return
	}
	e.pipe.logf("pipe %s %s: %d bytes", e.side, op, len(msg))
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
