package cluster

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSyncTimeout bounds how long a joining node waits for the first
// BlockchainResult reply during cold-start sync.
const DefaultSyncTimeout = 1 * time.Second

// Sync implements the one-shot cold-start handshake: a joining node
// broadcasts AskForBlockchain and adopts whichever BlockchainResult
// arrives first; later replies are ignored.
type Sync struct {
	log *logrus.Entry

	mu     sync.Mutex
	done   *signal
	result *Ledger
}

// NewSync returns a fresh, unfired Sync.
func NewSync(log *logrus.Entry) *Sync {
	return &Sync{log: log, done: newSignal()}
}

// HandleBlockchainResult processes one inbound BlockchainResult payload.
// The first well-formed reply wins and fires done. A later reply is
// ignored; if it is well-formed and its root differs from the one already
// adopted, that disagreement is logged as a warning rather than silently
// dropped.
func (s *Sync) HandleBlockchainResult(serialized string) {
	ledger, err := ParseLedger(serialized)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done.IsSet() {
		s.warnIfDiffersLocked(ledger)
		return
	}
	s.result = ledger
	s.done.Set()
}

// warnIfDiffersLocked logs a warning when a late BlockchainResult disagrees
// with the one already adopted. Must be called with s.mu held.
func (s *Sync) warnIfDiffersLocked(late *Ledger) {
	if s.log == nil || s.result == nil {
		return
	}
	if late.Serialize() == s.result.Serialize() {
		return
	}
	lateRoot, _ := late.MerkleRoot()
	adoptedRoot, _ := s.result.MerkleRoot()
	s.log.WithFields(logrus.Fields{
		"adopted_root": formatRoot(adoptedRoot),
		"late_root":    formatRoot(lateRoot),
	}).Warn("late BlockchainResult disagrees with already-adopted ledger")
}

// Await blocks up to T_sync for the first BlockchainResult. It returns
// (ledger, true) if one arrived in time, or (nil, false) on timeout — in
// which case the node proceeds with its own (presumably empty) ledger.
func (s *Sync) Await(timeout time.Duration) (*Ledger, bool) {
	if !s.done.Wait(timeout) {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, true
}
