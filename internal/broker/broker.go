// Package broker serves R host sessions over HTTP and WebSocket.
package broker

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/victorarias/rbroker/internal/config"
	"github.com/victorarias/rbroker/internal/interpreters"
	"github.com/victorarias/rbroker/internal/logging"
	"github.com/victorarias/rbroker/internal/rhost"
	"github.com/victorarias/rbroker/internal/session"
	"github.com/victorarias/rbroker/internal/store"
)

const (
	announceTimeout = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Run starts a broker from cfg and blocks until ctx ends or the watched
// parent process exits. Every host still running is killed before it
// returns.
func Run(ctx context.Context, cfg config.Broker, version string, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.NewWriter(io.Discard)
	}
	logf := logger.Logf()
	instanceID := uuid.NewString()
	logf("broker %s starting (instance %s, version %s)", cfg.Name, instanceID, version)

	interps := interpreters.New(cfg.Interpreters, logger.Named("interpreters").Logf())
	launcher := &rhost.Launcher{
		Locator:       rhost.Locator{BaseDir: cfg.HostBaseDir},
		Logf:          logger.Named("rhost").Logf(),
		LogHostOutput: cfg.LogHostOutput,
	}
	manager := session.NewManager(launcher, session.ManagerOptions{
		LogFolder:     cfg.LogFolder,
		LogPackets:    cfg.LogPackets,
		LogHostOutput: cfg.LogHostOutput,
	}, logger.Named("session").Logf())

	if cfg.JournalPath != "" {
		journal, err := store.OpenJournal(cfg.JournalPath, instanceID, cfg.Name)
		if err != nil {
			logger.Warnf("session journal disabled: %v", err)
		} else {
			defer journal.Close()
			if n, err := ReapOrphans(journal, logf); err != nil {
				logger.Warnf("reap orphaned hosts: %v", err)
			} else if n > 0 {
				logf("closed %d journal rows left by earlier brokers", n)
			}
			manager.AddObserver(newJournalRecorder(journal, logger.Named("journal").Logf()).observe)
		}
	}

	listeners, urls, err := Listen(SplitURLs(cfg.URLs))
	if err != nil {
		return err
	}

	srv := NewServer(manager, interps, Options{
		Name:       cfg.Name,
		Version:    version,
		InstanceID: instanceID,
		Secret:     cfg.Secret,
	}, logger.Named("http").Logf())

	if cfg.URLsPipe != "" {
		actx, cancel := context.WithTimeout(ctx, announceTimeout)
		err := Announce(actx, cfg.URLsPipe, urls)
		cancel()
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	parentGone := WatchParent(ctx, cfg.ParentPID, parentPollInterval)
	go func() {
		<-parentGone
		if ctx.Err() == nil {
			logf("parent process %d exited, shutting down", cfg.ParentPID)
		}
		cancel()
	}()

	serveErr := srv.Serve(ctx, listeners, shutdownTimeout)

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("session shutdown: %v", err)
	}
	logf("broker %s stopped", cfg.Name)
	return serveErr
}
