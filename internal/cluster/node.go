package cluster

import (
	"fmt"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
)

// Node wires Ledger, Election, MutexClient, MutexServer, the FEC codec and
// the UDP socket together into a single runnable cluster peer. It
// implements Transport for the state machines it owns.
type Node struct {
	selfID   int
	selfAddr string
	peers    []NodeIdentity
	addrByID map[int]string

	conn net.PacketConn
	fec  *fecCodec
	log  *logrus.Entry

	Ledger      *Ledger
	Election    *Election
	MutexClient *MutexClient
	MutexServer *MutexServer
	Sync        *Sync
}

// NewNode builds a Node bound to selfAddr ("host:port") with the given
// peer set (self excluded). It does not start listening; call Listen to
// begin the receive loop.
func NewNode(selfID int, selfAddr string, peers []NodeIdentity, log *logrus.Entry) (*Node, error) {
	conn, err := net.ListenPacket("udp4", selfAddr)
	if err != nil {
		return nil, Startup("binding udp socket on %s: %v", selfAddr, err)
	}

	fec, err := newFECCodec(DefaultDataShards, DefaultParityShards)
	if err != nil {
		conn.Close()
		return nil, err
	}

	addrByID := make(map[int]string, len(peers)+1)
	addrByID[selfID] = selfAddr
	for _, p := range peers {
		addrByID[p.ID] = p.Address
	}

	n := &Node{
		selfID:   selfID,
		selfAddr: selfAddr,
		peers:    peers,
		addrByID: addrByID,
		conn:     conn,
		fec:      fec,
		log:      log,
		Ledger:   NewLedger(),
		Sync:     NewSync(log.WithField("component", "sync")),
	}

	n.Election = NewElection(n, log.WithField("component", "election"))
	n.MutexClient = NewMutexClient(n, n.Election, log.WithField("component", "mutex_client"))
	n.MutexServer = NewMutexServer(n, log.WithField("component", "mutex_server"))
	n.Election.OnBecomeLeader(func() {
		log.Info("promoted to coordinator")
	})
	n.Election.OnNewLeader(func(leaderID int) {
		log.WithField("leader_id", leaderID).Info("leader updated")
	})

	return n, nil
}

// --- Transport ---

func (n *Node) SelfID() int           { return n.selfID }
func (n *Node) Peers() []NodeIdentity { return n.peers }

func (n *Node) AddressForID(id int) (string, bool) {
	addr, ok := n.addrByID[id]
	return addr, ok
}

// Send erasure-codes payload and fires every resulting shard at addr as an
// independent datagram.
func (n *Node) Send(addr string, payload []byte) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		n.log.WithError(err).WithField("addr", addr).Warn("resolving peer address")
		return
	}
	shards, err := n.fec.encode(payload)
	if err != nil {
		n.log.WithError(err).Warn("encoding outbound message")
		return
	}
	for _, shard := range shards {
		if _, err := n.conn.WriteTo(shard, udpAddr); err != nil {
			n.log.WithError(err).WithField("addr", addr).Warn("writing shard datagram")
		}
	}
}

// Close releases the underlying socket.
func (n *Node) Close() error {
	return n.conn.Close()
}

// ColdStartSync broadcasts AskForBlockchain to every peer and waits up to
// T_sync for the first reply, adopting it if one arrives.
func (n *Node) ColdStartSync() {
	if len(n.peers) == 0 {
		n.log.Info("no peers configured: skipping cold-start sync")
		return
	}

	n.log.Info("broadcasting AskForBlockchain")
	for _, p := range n.peers {
		n.Send(p.Address, EncodeAskForBlockchain())
	}

	ledger, ok := n.Sync.Await(DefaultSyncTimeout)
	if !ok {
		n.log.Info("cold-start sync timed out: starting from an empty ledger")
		return
	}

	localRoot, _ := n.Ledger.MerkleRoot()
	adoptedRoot, _ := ledger.MerkleRoot()
	n.Ledger.Adopt(ledger)
	n.log.WithFields(logrus.Fields{
		"records":      n.Ledger.Len(),
		"local_root":   formatRoot(localRoot),
		"adopted_root": formatRoot(adoptedRoot),
	}).Info("adopted ledger from cold-start sync")
}

// BeginElection starts the bully algorithm from this node.
func (n *Node) BeginElection() {
	go n.Election.BeginElection()
}

// MakeCoordinator forces this node to consider itself the coordinator, per
// the operator command of the same name.
func (n *Node) MakeCoordinator() {
	n.Election.MakeCoordinator()
}

// AddGrade appends (name, grade) to the replicated ledger. If this node is
// the coordinator it takes the mutex locally, appends, and broadcasts the
// new record to every peer; otherwise it routes the request to the
// coordinator via MutexClient and the GRADE_TO_COORDINATOR/FROM_COORDINATOR
// round trip.
func (n *Node) AddGrade(name string, grade float64) error {
	if n.Election.IsLeader() {
		granted := n.MutexServer.AcquireLocal(n.selfAddr)
		<-granted
		rec := n.Ledger.AppendGraded(name, grade)
		n.broadcastRecordTo(rec)
		n.MutexServer.Release()
		return nil
	}

	return n.MutexClient.AcquireAndRelease(func() {
		leaderAddr, ok := n.AddressForID(n.Election.LeaderID())
		if !ok {
			n.log.Warn("no known address for coordinator: dropping add_grade")
			return
		}
		n.Send(leaderAddr, EncodeGradeToCoordinator(name, grade))
	})
}

// handleGradeToCoordinator applies an inbound GRADE_TO_COORDINATOR request
// on the coordinator, appending and replicating the new record. It is only
// meaningful when this node currently believes it is the leader.
func (n *Node) handleGradeToCoordinator(name string, grade float64) {
	if !n.Election.IsLeader() {
		n.log.WithField("student", name).Warn("received GRADE_TO_COORDINATOR while not coordinator: ignoring")
		return
	}
	rec := n.Ledger.AppendGraded(name, grade)
	n.broadcastRecordTo(rec)
}

// broadcastRecordTo replicates an already-appended record to every peer.
func (n *Node) broadcastRecordTo(rec Record) {
	payload := EncodeGradeFromCoordinator(rec)
	for _, p := range n.peers {
		n.Send(p.Address, payload)
	}
}

// Print renders the current ledger for the `print` operator command.
func (n *Node) Print() string {
	records := n.Ledger.Records()
	if len(records) == 0 {
		return "(empty ledger)"
	}
	var b strings.Builder
	for _, rec := range records {
		fmt.Fprintf(&b, "%s: %.2f (hash=%d)\n", rec.StudentName, rec.Grade, rec.Hash)
	}
	fmt.Fprintf(&b, "chain valid: %v, leader: %d\n", n.Ledger.Verify(), n.Election.LeaderID())
	return b.String()
}

// PingNeighbors reports the configured peer set and current leader belief
// for the `ping` operator command. It is local-only: the wire protocol is
// closed and has no dedicated liveness message, so this does not put
// anything on the network.
func (n *Node) PingNeighbors() string {
	var b strings.Builder
	fmt.Fprintf(&b, "self: %d (%s)\n", n.selfID, n.selfAddr)
	for _, p := range n.peers {
		fmt.Fprintf(&b, "peer: %d (%s)\n", p.ID, p.Address)
	}
	fmt.Fprintf(&b, "leader: %d\n", n.Election.LeaderID())
	return b.String()
}
