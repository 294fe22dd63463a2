package cluster

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNode(t *testing.T, selfID int, peers []NodeIdentity) *Node {
	t.Helper()
	addr := "127.0.0.1:" + strconv.Itoa(selfID)
	node, err := NewNode(selfID, addr, peers, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { node.Close() })
	go node.Listen()
	return node
}

func itoa(i int) string { return strconv.Itoa(i) }

func TestNodeColdStartSyncAdoptsPeerLedger(t *testing.T) {
	seedPort := 17001
	joinerPort := 17002

	seed := startTestNode(t, seedPort, []NodeIdentity{{ID: joinerPort, Address: "127.0.0.1:" + itoa(joinerPort)}})
	seed.Ledger.AppendGraded("alice", 9.5)
	seed.Ledger.AppendGraded("bob", 7.0)

	joiner := startTestNode(t, joinerPort, []NodeIdentity{{ID: seedPort, Address: "127.0.0.1:" + itoa(seedPort)}})

	joiner.ColdStartSync()

	assert.Equal(t, seed.Ledger.Serialize(), joiner.Ledger.Serialize())
	assert.True(t, joiner.Ledger.Verify())
}

func TestNodeColdStartSyncTimesOutWithNoPeersReplying(t *testing.T) {
	port := 17003
	lonely := startTestNode(t, port, []NodeIdentity{{ID: 17999, Address: "127.0.0.1:17999"}})

	start := time.Now()
	lonely.ColdStartSync()
	elapsed := time.Since(start)

	assert.Equal(t, 0, lonely.Ledger.Len())
	assert.GreaterOrEqual(t, elapsed, DefaultSyncTimeout)
}

func TestNodeElectionOverRealSockets(t *testing.T) {
	lowPort := 17010
	highPort := 17020

	low := startTestNode(t, lowPort, []NodeIdentity{{ID: highPort, Address: "127.0.0.1:" + itoa(highPort)}})
	high := startTestNode(t, highPort, []NodeIdentity{{ID: lowPort, Address: "127.0.0.1:" + itoa(lowPort)}})

	low.BeginElection()

	require.Eventually(t, func() bool {
		return high.Election.IsLeader()
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return low.Election.LeaderID() == highPort
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNodeAddGradeAsCoordinatorReplicates(t *testing.T) {
	leaderPort := 17030
	followerPort := 17031

	leader := startTestNode(t, leaderPort, []NodeIdentity{{ID: followerPort, Address: "127.0.0.1:" + itoa(followerPort)}})
	follower := startTestNode(t, followerPort, []NodeIdentity{{ID: leaderPort, Address: "127.0.0.1:" + itoa(leaderPort)}})

	leader.Election.MakeCoordinator()
	follower.Election.HandleCoordinator(leaderPort)

	require.NoError(t, leader.AddGrade("carol", 8.0))

	require.Eventually(t, func() bool {
		return follower.Ledger.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, leader.Ledger.Serialize(), follower.Ledger.Serialize())
}
