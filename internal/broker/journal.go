package broker

import (
	"sync"

	"github.com/victorarias/rbroker/internal/logging"
	"github.com/victorarias/rbroker/internal/protocol"
	"github.com/victorarias/rbroker/internal/rhost"
	"github.com/victorarias/rbroker/internal/session"
	"github.com/victorarias/rbroker/internal/store"
)

// journalRecorder mirrors session transitions into the journal. Events for a
// session arrive from several goroutines; once a session's row is ended any
// late event for it is dropped.
type journalRecorder struct {
	journal *store.Journal
	logf    logging.LogFunc

	mu   sync.Mutex
	rows map[*session.Session]int64
}

func newJournalRecorder(j *store.Journal, logf logging.LogFunc) *journalRecorder {
	return &journalRecorder{
		journal: j,
		logf:    logging.OrNop(logf),
		rows:    make(map[*session.Session]int64),
	}
}

// observe is a session.Observer.
func (r *journalRecorder) observe(s *session.Session, from, to session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if from == "" {
		seq, err := r.journal.Begin(s.Info())
		if err != nil {
			r.logf("journal: %v", err)
			return
		}
		r.rows[s] = seq
		return
	}

	seq, ok := r.rows[s]
	if !ok {
		return
	}
	if to == session.Terminated {
		delete(r.rows, s)
		if err := r.journal.End(seq, exitCode(s.Process())); err != nil {
			r.logf("journal: end session %s: %v", s.ID(), err)
		}
		return
	}
	pid := 0
	if proc := s.Process(); proc != nil {
		pid = proc.PID()
	}
	if err := r.journal.Update(seq, to, pid); err != nil {
		r.logf("journal: update session %s: %v", s.ID(), err)
	}
}

func exitCode(proc *rhost.Process) *int {
	if proc == nil || !proc.HasExited() {
		return nil
	}
	return protocol.Ptr(proc.ExitCode())
}

// ReapOrphans kills hosts that an earlier broker instance journaled as live
// and marks their rows Terminated. It returns how many rows it closed.
func ReapOrphans(j *store.Journal, logf logging.LogFunc) (int, error) {
	logf = logging.OrNop(logf)
	orphans, err := j.Orphans()
	if err != nil {
		return 0, err
	}
	for _, o := range orphans {
		if o.HostPID > 0 && rhost.LeadsProcessGroup(o.HostPID) {
			logf("reaping host pid=%d of session %s/%s left by broker %s", o.HostPID, o.Owner, o.SessionID, o.BrokerInstance)
			if err := rhost.KillPID(o.HostPID); err != nil {
				logf("kill orphaned host pid=%d: %v", o.HostPID, err)
			}
		}
		if err := j.End(o.Seq, nil); err != nil {
			return 0, err
		}
	}
	return len(orphans), nil
}
