package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerDigestDeterministic(t *testing.T) {
	a := digest("alice", 9.5, 0)
	b := digest("alice", 9.5, 0)
	assert.Equal(t, a, b, "hashing the same (name, grade, prevHash) must be deterministic")
}

func TestLedgerDigestSensitiveToEveryField(t *testing.T) {
	base := digest("alice", 9.5, 0)
	assert.NotEqual(t, base, digest("bob", 9.5, 0))
	assert.NotEqual(t, base, digest("alice", 8.5, 0))
	assert.NotEqual(t, base, digest("alice", 9.5, 1))
}

func TestLedgerAppendGradedChainsHashes(t *testing.T) {
	l := NewLedger()
	first := l.AppendGraded("alice", 9.5)
	second := l.AppendGraded("bob", 7.0)

	assert.Equal(t, digest("alice", 9.5, 0), first.Hash)
	assert.Equal(t, digest("bob", 7.0, first.Hash), second.Hash)
	assert.True(t, l.Verify())
}

func TestLedgerVerifyDetectsTamperedChain(t *testing.T) {
	l := NewLedger()
	l.AppendGraded("alice", 9.5)
	l.AppendRecord(Record{StudentName: "bob", Grade: 7.0, Hash: 12345})

	assert.False(t, l.Verify(), "a record whose hash was not derived from the true prev hash must fail verification")
}

func TestLedgerSerializeParseRoundTrip(t *testing.T) {
	l := NewLedger()
	l.AppendGraded("alice", 9.5)
	l.AppendGraded("bob", 7.25)

	serialized := l.Serialize()
	parsed, err := ParseLedger(serialized)
	require.NoError(t, err)

	assert.Equal(t, l.Records(), parsed.Records())
	assert.True(t, parsed.Verify())
}

func TestLedgerSerializeEmpty(t *testing.T) {
	l := NewLedger()
	assert.Equal(t, "", l.Serialize())

	parsed, err := ParseLedger("")
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.Len())
}

func TestParseLedgerRejectsMalformedRecord(t *testing.T) {
	_, err := ParseLedger("alice,notanumber,5")
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))

	_, err = ParseLedger("alice,9.5")
	require.Error(t, err)
}

func TestLedgerAdoptReplacesRecords(t *testing.T) {
	mine := NewLedger()
	mine.AppendGraded("alice", 9.5)

	theirs := NewLedger()
	theirs.AppendGraded("carol", 10)
	theirs.AppendGraded("dave", 6)

	mine.Adopt(theirs)
	assert.Equal(t, theirs.Records(), mine.Records())
}

func TestLedgerMerkleRootEmptyIsNil(t *testing.T) {
	l := NewLedger()
	root, err := l.MerkleRoot()
	require.NoError(t, err)
	assert.Nil(t, root)
}

func TestLedgerMerkleRootStableForSameContent(t *testing.T) {
	a := NewLedger()
	a.AppendGraded("alice", 9.5)
	a.AppendGraded("bob", 7.0)

	b := NewLedger()
	b.AppendGraded("alice", 9.5)
	b.AppendGraded("bob", 7.0)

	rootA, err := a.MerkleRoot()
	require.NoError(t, err)
	rootB, err := b.MerkleRoot()
	require.NoError(t, err)
	assert.Equal(t, rootA, rootB)
}

// IsProtocolError is a small test helper mirroring IsTransient.
func IsProtocolError(err error) bool {
	ce, ok := err.(*ClusterError)
	return ok && ce.Class() == ClassProtocol
}
