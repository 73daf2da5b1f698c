package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"

	"nhooyr.io/websocket"

	"github.com/victorarias/rbroker/internal/msgpipe"
	"github.com/victorarias/rbroker/internal/protocol"
	"github.com/victorarias/rbroker/internal/session"
)

// handlePipe upgrades to a WebSocket and bridges its binary messages to the
// session's client end. Either side ending closes both. Closing the client
// end makes the session's pump kill the host.
func (s *Server) handlePipe(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	owner := ownerFrom(r.Context())

	sess, ok := s.manager.GetSession(owner, id)
	if !ok {
		writeAPIError(w, protocol.NewAPIError(protocol.ErrSessionNotFound, "%s", id))
		return
	}
	// The client end is bound only once the upgrade has succeeded, so a
	// failed upgrade leaves the session free for another attempt.
	if err := sess.CheckClient(); err != nil {
		s.writeClientError(w, id, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{protocol.PipeSubprotocol},
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logf("session %s/%s: websocket accept error: %v", owner, id, err)
		return
	}
	if conn.Subprotocol() != protocol.PipeSubprotocol {
		s.logf("session %s/%s: client did not negotiate %q", owner, id, protocol.PipeSubprotocol)
		conn.Close(websocket.StatusPolicyViolation, "subprotocol "+protocol.PipeSubprotocol+" required")
		return
	}
	end, err := sess.ConnectClient()
	if err != nil {
		s.logf("session %s/%s: connect client: %v", owner, id, err)
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	conn.SetReadLimit(msgpipe.MaxFrameSize)

	if !s.bridges.add(conn) {
		conn.Close(websocket.StatusGoingAway, "broker shutting down")
		end.Close()
		return
	}
	defer s.bridges.remove(conn)

	s.logf("session %s/%s: client connected from %s", owner, id, r.RemoteAddr)
	if err := bridge(r.Context(), conn, end); err != nil {
		s.logf("session %s/%s: pipe failed: %v", owner, id, err)
	}
	s.logf("session %s/%s: client disconnected", owner, id)
}

func (s *Server) writeClientError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, session.ErrSessionTerminated) {
		writeAPIError(w, protocol.NewAPIError(protocol.ErrSessionNotFound, "%s", id))
		return
	}
	writeAPIError(w, s.apiError(err))
}

// bridge copies messages both ways until one direction stops, then closes
// the socket and the client end. It returns nil when the bridge ended the
// ordinary way: the host exiting, the client closing or the broker stopping.
func bridge(ctx context.Context, conn *websocket.Conn, end *msgpipe.End) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- socketToPipe(ctx, conn, end) }()
	go func() { errs <- pipeToSocket(ctx, conn, end) }()

	first := <-errs
	// The close handshake runs before the reader's context is cancelled,
	// which would drop the connection without a status.
	switch {
	case errors.Is(first, msgpipe.ErrPipeDisconnected):
		conn.Close(websocket.StatusNormalClosure, "host exited")
	case isExpectedClose(first):
		conn.CloseNow()
	default:
		conn.Close(websocket.StatusInternalError, "pipe failed")
	}
	cancel()
	end.Close()
	<-errs

	if errors.Is(first, msgpipe.ErrPipeDisconnected) || isExpectedClose(first) {
		return nil
	}
	return first
}

func socketToPipe(ctx context.Context, conn *websocket.Conn, end *msgpipe.End) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if err := end.Write(ctx, data); err != nil {
			return err
		}
	}
}

func pipeToSocket(ctx context.Context, conn *websocket.Conn, end *msgpipe.End) error {
	for {
		msg, err := end.Read(ctx)
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageBinary, msg); err != nil {
			return err
		}
	}
}

// isExpectedClose reports whether err is an ordinary end of a bridge: the
// client closing the socket, the connection dropping or the broker shutting
// down.
func isExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, msgpipe.ErrPipeClosed) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// bridgeSet tracks live WebSocket bridges. http.Server.Shutdown does not
// close hijacked connections, so the broker closes them itself.
type bridgeSet struct {
	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func (b *bridgeSet) add(conn *websocket.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if b.conns == nil {
		b.conns = make(map[*websocket.Conn]struct{})
	}
	b.conns[conn] = struct{}{}
	b.wg.Add(1)
	return true
}

func (b *bridgeSet) remove(conn *websocket.Conn) {
	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
	b.wg.Done()
}

// CloseConnections drops every attached pipe and waits for the bridges to
// finish. http.Server.Shutdown leaves hijacked connections alone.
func (s *Server) CloseConnections(ctx context.Context) error {
	return s.bridges.closeAll(ctx)
}

// closeAll refuses new bridges, closes the live ones and waits for their
// handlers to return or ctx to end.
func (b *bridgeSet) closeAll(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	for _, conn := range conns {
		conn.CloseNow()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
