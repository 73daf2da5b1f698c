package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/victorarias/rbroker/internal/msgpipe"
	"github.com/victorarias/rbroker/internal/rhost"
	"github.com/victorarias/rbroker/internal/rhost/rhosttest"
)

func TestMain(m *testing.M) {
	rhosttest.Run()
	os.Exit(m.Run())
}

type transition struct {
	from, to State
}

type recorder struct {
	mu   sync.Mutex
	seen []transition
}

func (r *recorder) observe(_ *Session, from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, transition{from, to})
}

func (r *recorder) count(to State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, tr := range r.seen {
		if tr.to == to {
			n++
		}
	}
	return n
}

func TestSession_TerminationIsIdempotent(t *testing.T) {
	rec := &recorder{}
	s := New(Options{ID: "s1"}, nil, t.Logf, rec.observe)

	s.SetState(Runnable)
	s.SetState(Terminated)
	s.SetState(Terminated)
	s.SetState(Runnable)

	if got := s.State(); got != Terminated {
		t.Fatalf("State() = %s, want Terminated", got)
	}
	if n := rec.count(Terminated); n != 1 {
		t.Fatalf("Terminated fired %d times, want 1", n)
	}
	if n := rec.count(Runnable); n != 1 {
		t.Fatalf("Runnable fired %d times, want 1 (no transition out of Terminated)", n)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done() should be closed after termination")
	}
}

func TestSession_HostToClientDeliversFramedMessage(t *testing.T) {
	s := New(Options{ID: "s1"}, nil, t.Logf)
	hostEnd, err := s.pipe.ConnectHost(1)
	if err != nil {
		t.Fatalf("ConnectHost() error: %v", err)
	}
	clientEnd, err := s.ConnectClient()
	if err != nil {
		t.Fatalf("ConnectClient() error: %v", err)
	}

	stdout := io.NopCloser(bytes.NewReader([]byte{0x05, 0, 0, 0, 'h', 'e', 'l', 'l', 'o'}))
	s.hostToClient(stdout, hostEnd)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := clientEnd.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read() = %q, want hello", got)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if _, err := clientEnd.Read(ctx2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Read() error = %v, want exactly one message", err)
	}
}

type closeRecorder struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestSession_ClientToHostFramesAndStopsOnDisconnect(t *testing.T) {
	s := New(Options{ID: "s1"}, nil, t.Logf)
	hostEnd, _ := s.pipe.ConnectHost(1)
	clientEnd, _ := s.ConnectClient()
	ctx := context.Background()

	clientEnd.Write(ctx, []byte("abc"))
	clientEnd.Write(ctx, nil)
	clientEnd.Close()

	stdin := &closeRecorder{}
	s.clientToHost(stdin, hostEnd)

	want := []byte{3, 0, 0, 0, 'a', 'b', 'c', 0, 0, 0, 0}
	if !bytes.Equal(stdin.Bytes(), want) {
		t.Fatalf("stdin = %v, want %v", stdin.Bytes(), want)
	}
	if !stdin.closed {
		t.Fatal("stdin should be closed when the pump exits")
	}
}

func TestSession_ConnectClientOnce(t *testing.T) {
	rec := &recorder{}
	s := New(Options{ID: "s1"}, nil, nil, rec.observe)

	if _, err := s.ConnectClient(); err != nil {
		t.Fatalf("ConnectClient() error: %v", err)
	}
	if _, err := s.ConnectClient(); !errors.Is(err, ErrClientAlreadyConnected) {
		t.Fatalf("second ConnectClient() error = %v, want ErrClientAlreadyConnected", err)
	}
	if s.State() != Runnable {
		t.Fatalf("State() = %s, want Runnable", s.State())
	}
}

func TestSession_StartHostLifecycle(t *testing.T) {
	baseDir := rhosttest.Install(t)
	rhosttest.UseMode(t, rhosttest.ModeEcho)
	launcher := &rhost.Launcher{Locator: rhost.Locator{BaseDir: baseDir}, Logf: t.Logf}

	rec := &recorder{}
	s := New(Options{ID: "echo", Interpreter: rhost.Interpreter{InstallPath: t.TempDir()}}, launcher, t.Logf, rec.observe)
	if err := s.StartHost("", VerbosityMinimal); err != nil {
		t.Fatalf("StartHost() error: %v", err)
	}
	if err := s.StartHost("", VerbosityMinimal); !errors.Is(err, ErrHostAlreadyRunning) {
		t.Fatalf("second StartHost() error = %v, want ErrHostAlreadyRunning", err)
	}
	if s.State() != Connected {
		t.Fatalf("State() = %s, want Connected", s.State())
	}

	client, err := s.ConnectClient()
	if err != nil {
		t.Fatalf("ConnectClient() error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Write(ctx, []byte("round trip")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	got, err := client.Read(ctx)
	if err != nil || string(got) != "round trip" {
		t.Fatalf("Read() = %q, %v", got, err)
	}
	if info := s.Info(); info.HostPID == 0 || !info.ClientConnected || info.State != Runnable {
		t.Fatalf("Info() = %+v", info)
	}

	if err := s.KillHost(); err != nil {
		t.Fatalf("KillHost() error: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate after host was killed")
	}
	if _, err := client.Read(ctx); !errors.Is(err, msgpipe.ErrPipeDisconnected) {
		t.Fatalf("Read() after host exit error = %v, want ErrPipeDisconnected", err)
	}
	if err := s.KillHost(); err != nil {
		t.Fatalf("KillHost() on exited host error = %v, want nil", err)
	}
	if n := rec.count(Terminated); n != 1 {
		t.Fatalf("Terminated fired %d times, want 1", n)
	}
}
