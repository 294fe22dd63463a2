package cluster

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultElectionTimeout bounds how long a node waits for an OK reply
// before concluding no higher peer is alive; it uses the upper end of the
// suggested 1-3s range so slow peers have time to answer before a node
// self-elects.
const DefaultElectionTimeout = 3 * time.Second

// Transport is the subset of node behavior the election (and the mutex
// state machines) need from the outside world: knowing the
// peer set, knowing self, and sending a raw payload to an address. node.go
// implements this by wrapping the UDP socket and FEC codec.
type Transport interface {
	SelfID() int
	Peers() []NodeIdentity
	Send(addr string, payload []byte)
	AddressForID(id int) (string, bool)
}

// NodeIdentity pairs a node's id with its network address; id is the
// listening port and is also the numeric value the bully algorithm
// compares.
type NodeIdentity struct {
	ID      int
	Address string
}

// Election implements the bully algorithm's state machine, guarding its
// fields with a dedicated lock and using signals for timeout-aware waits
// rather than a single coarse lock.
type Election struct {
	transport Transport
	log       *logrus.Entry
	timeout   time.Duration

	mu         sync.Mutex
	leaderID   int
	inElection bool

	gotOK        *signal
	electionDone *signal

	onBecomeLeader func()
	onNewLeader    func(leaderID int)
}

// NewElection builds an Election state machine for a node identified by
// its own Transport. leaderID is initialized to self's id.
func NewElection(transport Transport, log *logrus.Entry) *Election {
	return &Election{
		transport:    transport,
		log:          log,
		timeout:      DefaultElectionTimeout,
		leaderID:     transport.SelfID(),
		gotOK:        newSignal(),
		electionDone: newSignal(),
	}
}

// OnBecomeLeader registers a callback invoked (without the election lock
// held) whenever this node wins an election.
func (e *Election) OnBecomeLeader(fn func()) { e.onBecomeLeader = fn }

// OnNewLeader registers a callback invoked whenever a COORDINATOR message
// installs a new leader (including self, via make_coordinator).
func (e *Election) OnNewLeader(fn func(leaderID int)) { e.onNewLeader = fn }

// LeaderID returns the currently known coordinator id.
func (e *Election) LeaderID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderID
}

// IsLeader reports whether this node currently believes it is the
// coordinator.
func (e *Election) IsLeader() bool {
	return e.LeaderID() == e.transport.SelfID()
}

// MakeCoordinator unconditionally installs self as leader, for the
// operator-triggered `make_coordinator` command. It only updates local
// state and does not broadcast COORDINATOR, leaving peers to discover the
// new leader via the next election or mutex round-trip.
func (e *Election) MakeCoordinator() {
	self := e.transport.SelfID()
	e.mu.Lock()
	e.leaderID = self
	e.mu.Unlock()
	if e.onNewLeader != nil {
		e.onNewLeader(self)
	}
}

// BeginElection starts the bully algorithm. Re-entry is
// guarded: if an election is already in progress, BeginElection returns
// immediately.
func (e *Election) BeginElection() {
	e.mu.Lock()
	if e.inElection {
		e.mu.Unlock()
		return
	}
	e.inElection = true
	e.gotOK.Reset()
	e.electionDone.Reset()
	self := e.transport.SelfID()
	higherPeers := make([]NodeIdentity, 0)
	for _, p := range e.transport.Peers() {
		if p.ID > self {
			higherPeers = append(higherPeers, p)
		}
	}
	e.mu.Unlock()

	for _, p := range higherPeers {
		e.log.WithField("peer", p.Address).Debug("sending ELECTION")
		e.transport.Send(p.Address, EncodeElection())
	}

	if len(higherPeers) == 0 {
		e.finishAsLeader()
		return
	}

	if !e.gotOK.Wait(e.timeout) {
		e.finishAsLeader()
		return
	}

	// We received at least one OK: wait for the eventual COORDINATOR
	// announcement to clear in_election. No further timeout here — a lost
	// COORDINATOR leaves us stale until the next election.
	e.electionDone.Wait(0)
}

func (e *Election) finishAsLeader() {
	e.becomeLeader()
	e.mu.Lock()
	e.inElection = false
	e.mu.Unlock()
	e.electionDone.Set()
}

func (e *Election) becomeLeader() {
	self := e.transport.SelfID()
	e.mu.Lock()
	e.leaderID = self
	e.mu.Unlock()

	e.log.Info("no higher peer answered: becoming coordinator")
	for _, p := range e.transport.Peers() {
		e.transport.Send(p.Address, EncodeCoordinator())
	}
	if e.onBecomeLeader != nil {
		e.onBecomeLeader()
	}
}

// HandleElection processes an inbound ELECTION message from sender: if
// sender's id is lower than self, reply OK_ELECTION and spawn a fresh
// election of our own if not already running.
func (e *Election) HandleElection(senderID int, senderAddr string) {
	self := e.transport.SelfID()
	if senderID >= self {
		return
	}
	e.transport.Send(senderAddr, EncodeOkElection())
	go e.BeginElection()
}

// HandleOkElection processes an inbound OK_ELECTION message.
func (e *Election) HandleOkElection() {
	e.gotOK.Set()
}

// HandleCoordinator processes an inbound COORDINATOR message: the sender
// is unconditionally accepted as the new leader. There are no term numbers
// or quorum checks, so during a network partition each side accepts
// whichever coordinator announces itself, and the two sides may diverge.
func (e *Election) HandleCoordinator(senderID int) {
	e.mu.Lock()
	e.leaderID = senderID
	e.inElection = false
	e.mu.Unlock()
	e.electionDone.Set()

	e.log.WithField("leader_id", senderID).Info("new coordinator")
	if e.onNewLeader != nil {
		e.onNewLeader(senderID)
	}
}
