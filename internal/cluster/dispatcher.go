package cluster

import (
	"net"
	"strconv"
	"strings"
)

// maxDatagramSize bounds a single shard datagram, generous enough for the
// largest expected BlockchainResult shard plus the FEC header.
const maxDatagramSize = 16 * 1024

// Listen runs the receive loop until conn is closed: one blocking ReadFrom
// per iteration, FEC reassembly inline, and one worker goroutine per fully
// reassembled message. It never returns while the socket
// stays open; callers should run it in its own goroutine.
func (n *Node) Listen() error {
	buf := make([]byte, maxDatagramSize)
	for {
		nRead, addr, err := n.conn.ReadFrom(buf)
		if err != nil {
			return Transient("reading from socket: %v", err)
		}
		senderAddr := addr.String()
		datagram := make([]byte, nRead)
		copy(datagram, buf[:nRead])

		payload, ready, err := n.fec.receive(senderAddr, datagram)
		if err != nil {
			n.log.WithError(err).WithField("from", senderAddr).Warn("discarding malformed shard")
			continue
		}
		if !ready {
			continue
		}

		go n.handleDatagram(senderAddr, payload)
	}
}

// handleDatagram decodes one fully-reassembled message and routes it to
// the owning component. A message that fails to decode after successful
// FEC reassembly means a peer sent something outside the closed protocol:
// this aborts the process without notifying any peer.
func (n *Node) handleDatagram(senderAddr string, payload []byte) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		n.log.WithError(err).WithField("from", senderAddr).Fatal("protocol violation: unrecognized message")
		return
	}

	senderID, hasSenderID := portFromAddr(senderAddr)

	switch msg.Kind {
	case MsgElection:
		if !hasSenderID {
			n.log.WithField("from", senderAddr).Warn("ELECTION from unparseable address")
			return
		}
		n.Election.HandleElection(senderID, senderAddr)

	case MsgOkElection:
		n.Election.HandleOkElection()

	case MsgCoordinator:
		if !hasSenderID {
			n.log.WithField("from", senderAddr).Warn("COORDINATOR from unparseable address")
			return
		}
		n.Election.HandleCoordinator(senderID)

	case MsgAcquire:
		if n.Election.IsLeader() {
			n.MutexServer.HandleAcquire(senderAddr)
		}

	case MsgOkAcquire:
		if !n.Election.IsLeader() {
			n.MutexClient.HandleOkAcquire()
		}

	case MsgRelease:
		if n.Election.IsLeader() {
			n.MutexServer.HandleRelease(senderAddr)
		}

	case MsgGradeToCoordinator:
		n.handleGradeToCoordinator(msg.StudentName, msg.Grade)

	case MsgGradeFromCoordinator:
		n.Ledger.AppendRecord(Record{StudentName: msg.StudentName, Grade: msg.Grade, Hash: msg.Hash})

	case MsgAskForBlockchain:
		n.Send(senderAddr, EncodeBlockchainResult(n.Ledger.Serialize()))

	case MsgBlockchainResult:
		n.Sync.HandleBlockchainResult(msg.Serialized)
	}
}

// portFromAddr extracts the numeric port from a "host:port" address
// string, used as the bully algorithm's node id.
func portFromAddr(addr string) (int, bool) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil {
		return 0, false
	}
	return port, true
}
