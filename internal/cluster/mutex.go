package cluster

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultAcquireTimeout bounds how long a requester waits for OKACQ.
// DefaultReleaseTimeout bounds how long the coordinator waits for RELEA
// before reclaiming a lock it granted.
const (
	DefaultAcquireTimeout = 5 * time.Second
	DefaultReleaseTimeout = 10 * time.Second
)

// pendingAcquire is one outstanding lock request, held either by a remote
// peer (its HandleAcquire call blocks on released until RELEA or a
// release timeout) or by this node acting as its own requester when it is
// the coordinator (its caller releases explicitly once its critical
// section finishes, with no network round-trip or timeout).
type pendingAcquire struct {
	addr     string
	local    bool
	granted  chan struct{}
	released *signal
}

// MutexServer implements the centralized lock server run by whichever node
// currently holds the coordinator role. Callers are expected to gate
// HandleAcquire/HandleRelease on Election.IsLeader() before routing to it;
// non-coordinator nodes ignore ACQUI and RELEA silently.
type MutexServer struct {
	transport Transport
	log       *logrus.Entry
	timeout   time.Duration

	mu      sync.Mutex
	taken   bool
	current *pendingAcquire
	queue   []*pendingAcquire
}

// NewMutexServer builds a MutexServer. Its state is only meaningful while
// this node holds the leader role, but it costs nothing to keep it
// allocated on every node.
func NewMutexServer(transport Transport, log *logrus.Entry) *MutexServer {
	return &MutexServer{transport: transport, log: log, timeout: DefaultReleaseTimeout}
}

func (s *MutexServer) enqueueOrGrant(req *pendingAcquire) {
	s.mu.Lock()
	if !s.taken {
		s.taken = true
		s.current = req
		s.mu.Unlock()
		close(req.granted)
		return
	}
	s.queue = append(s.queue, req)
	s.mu.Unlock()
}

// release pops the next waiting requester (if any) and grants it,
// otherwise frees the lock.
func (s *MutexServer) release() {
	s.mu.Lock()
	var next *pendingAcquire
	if len(s.queue) > 0 {
		next = s.queue[0]
		s.queue = s.queue[1:]
		s.current = next
	} else {
		s.taken = false
		s.current = nil
	}
	s.mu.Unlock()

	if next != nil {
		s.log.WithField("owner", next.addr).Debug("draining queued acquire")
		close(next.granted)
	}
}

// HandleAcquire processes an inbound ACQUI from senderAddr. It blocks the
// calling worker goroutine until the lock is granted, sends OKACQ, then
// blocks again until either RELEA arrives (via HandleRelease) or the
// release timer fires, before draining the queue.
func (s *MutexServer) HandleAcquire(senderAddr string) {
	req := &pendingAcquire{addr: senderAddr, released: newSignal(), granted: make(chan struct{})}
	s.enqueueOrGrant(req)

	<-req.granted
	s.log.WithField("owner", senderAddr).Debug("granting ACQUI")
	s.transport.Send(senderAddr, EncodeOkAcquire())

	if !req.released.Wait(s.timeout) {
		s.log.WithField("owner", senderAddr).Warn("release timeout: reclaiming lock")
	}
	s.release()
}

// HandleRelease processes an inbound RELEA. A release with no current
// holder, or one addressed to a locally-held acquisition, is ignored —
// the latter can only be released by the local caller finishing its own
// critical section.
func (s *MutexServer) HandleRelease(senderAddr string) {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()

	if cur == nil || cur.local {
		return
	}
	s.log.WithField("owner", senderAddr).Debug("processing RELEA")
	cur.released.Set()
}

// AcquireLocal lets this node take the lock as its own requester, for the
// case where the coordinator's own operator issues add_grade. The returned channel closes once the lock is
// granted; the caller must call Release when its critical section ends.
func (s *MutexServer) AcquireLocal(selfAddr string) <-chan struct{} {
	req := &pendingAcquire{addr: selfAddr, local: true, granted: make(chan struct{})}
	s.enqueueOrGrant(req)
	return req.granted
}

// Release ends the current local hold taken via AcquireLocal and drains
// the next queued requester, if any.
func (s *MutexServer) Release() {
	s.release()
}

// MutexClient implements the requester side of the centralized lock
// protocol: send ACQUI, wait for OKACQ, run the critical section, send
// RELEA.
type MutexClient struct {
	transport Transport
	election  *Election
	log       *logrus.Entry
	timeout   time.Duration

	gotOKAcquire *signal
}

// NewMutexClient builds a MutexClient routed through election for the
// current coordinator's identity.
func NewMutexClient(transport Transport, election *Election, log *logrus.Entry) *MutexClient {
	return &MutexClient{
		transport:    transport,
		election:     election,
		log:          log,
		timeout:      DefaultAcquireTimeout,
		gotOKAcquire: newSignal(),
	}
}

// AcquireAndRelease sends ACQUI to the current coordinator, waits up to
// the acquire timeout for OKACQ, runs work while holding the lock, then
// sends RELEA. On timeout it clears gotOKAcquire before returning a
// transient error, so a stale OKACQ arriving after the timeout can't be
// mistaken for a grant of a later acquire. The caller is expected to
// trigger an election and retry.
func (c *MutexClient) AcquireAndRelease(work func()) error {
	leaderID := c.election.LeaderID()
	addr, ok := c.transport.AddressForID(leaderID)
	if !ok {
		return Transient("no known address for leader %d", leaderID)
	}

	c.gotOKAcquire.Reset()
	c.log.WithField("coordinator", addr).Debug("sending ACQUI")
	c.transport.Send(addr, EncodeAcquire())

	if !c.gotOKAcquire.Wait(c.timeout) {
		c.gotOKAcquire.Reset()
		return Transient("coordinator %s unreachable: acquire timed out", addr)
	}

	work()

	c.log.WithField("coordinator", addr).Debug("sending RELEA")
	c.transport.Send(addr, EncodeRelease())
	c.gotOKAcquire.Reset()
	return nil
}

// HandleOkAcquire processes an inbound OKACQ.
func (c *MutexClient) HandleOkAcquire() {
	c.gotOKAcquire.Set()
}
