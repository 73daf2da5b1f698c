package client

import (
	"context"
	"errors"
	"os/user"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/victorarias/rbroker/internal/protocol"
)

var ErrCredentialsExhausted = errors.New("broker rejected the credentials")

// Credentials supply HTTP Basic credentials for broker requests. Lock
// serializes attempts so that one rejection invalidates the credentials
// once rather than once per concurrent request.
type Credentials interface {
	Lock(ctx context.Context) (unlock func(), err error)
	Get() (username, password string, err error)
	Invalidate()
}

type credentialLock struct {
	sem *semaphore.Weighted
}

func newCredentialLock() credentialLock {
	return credentialLock{sem: semaphore.NewWeighted(1)}
}

func (l credentialLock) Lock(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { l.sem.Release(1) }) }, nil
}

// StaticCredentials are a fixed user name and password. There is nothing to
// fall back to once the broker rejects them.
type StaticCredentials struct {
	credentialLock
	username string
	password string

	mu      sync.Mutex
	invalid bool
}

func NewStaticCredentials(username, password string) *StaticCredentials {
	return &StaticCredentials{credentialLock: newCredentialLock(), username: username, password: password}
}

func (c *StaticCredentials) Get() (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invalid {
		return "", "", ErrCredentialsExhausted
	}
	return c.username, c.password, nil
}

func (c *StaticCredentials) Invalidate() {
	c.mu.Lock()
	c.invalid = true
	c.mu.Unlock()
}

// LocalCredentials authenticate against a broker this process started. The
// password is generated once and handed to the broker on its command line.
type LocalCredentials struct {
	credentialLock
	username string
	password string
}

func NewLocalCredentials() *LocalCredentials {
	name := protocol.DefaultUser
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	return &LocalCredentials{
		credentialLock: newCredentialLock(),
		username:       name,
		password:       uuid.NewString(),
	}
}

func (c *LocalCredentials) Get() (string, string, error) {
	return c.username, c.password, nil
}

func (c *LocalCredentials) Password() string {
	return c.password
}

// Invalidate is a no-op: a rejected local password means the broker is not
// up yet, and the same password stays the right one.
func (c *LocalCredentials) Invalidate() {}
