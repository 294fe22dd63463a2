package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessageFixedPayloads(t *testing.T) {
	cases := []struct {
		payload []byte
		kind    MsgKind
	}{
		{EncodeElection(), MsgElection},
		{EncodeOkElection(), MsgOkElection},
		{EncodeCoordinator(), MsgCoordinator},
		{EncodeAcquire(), MsgAcquire},
		{EncodeOkAcquire(), MsgOkAcquire},
		{EncodeRelease(), MsgRelease},
		{EncodeAskForBlockchain(), MsgAskForBlockchain},
	}
	for _, tc := range cases {
		msg, err := DecodeMessage(tc.payload)
		require.NoError(t, err)
		assert.Equal(t, tc.kind, msg.Kind)
	}
}

func TestDecodeMessageGradeToCoordinator(t *testing.T) {
	msg, err := DecodeMessage(EncodeGradeToCoordinator("alice", 9.5))
	require.NoError(t, err)
	assert.Equal(t, MsgGradeToCoordinator, msg.Kind)
	assert.Equal(t, "alice", msg.StudentName)
	assert.Equal(t, 9.5, msg.Grade)
}

func TestDecodeMessageGradeFromCoordinator(t *testing.T) {
	rec := Record{StudentName: "bob", Grade: 7.25, Hash: 424242}
	msg, err := DecodeMessage(EncodeGradeFromCoordinator(rec))
	require.NoError(t, err)
	assert.Equal(t, MsgGradeFromCoordinator, msg.Kind)
	assert.Equal(t, rec.StudentName, msg.StudentName)
	assert.Equal(t, rec.Grade, msg.Grade)
	assert.Equal(t, rec.Hash, msg.Hash)
}

func TestDecodeMessageBlockchainResult(t *testing.T) {
	l := NewLedger()
	l.AppendGraded("alice", 9.5)
	serialized := l.Serialize()

	msg, err := DecodeMessage(EncodeBlockchainResult(serialized))
	require.NoError(t, err)
	assert.Equal(t, MsgBlockchainResult, msg.Kind)
	assert.Equal(t, serialized, msg.Serialized)
}

func TestDecodeMessageRejectsUnknownPayload(t *testing.T) {
	_, err := DecodeMessage([]byte("GARBAGE"))
	require.Error(t, err)
	assert.Equal(t, ClassProtocol, err.(*ClusterError).Class())
}

func TestDecodeMessageRejectsMalformedGrade(t *testing.T) {
	_, err := DecodeMessage([]byte("GRADE_TO_COORDINATOR;alice;notanumber"))
	require.Error(t, err)
}
