package cluster

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/klauspost/reedsolomon"
)

// Datagrams are unreliable: the network endpoint gives no retransmission
// or ordering guarantee beyond "per datagram, atomic". This file adds
// loss *tolerance*, not a retry protocol: every outbound message is
// erasure-coded into dataShards+parityShards UDP datagrams, and the
// receiver can reconstruct the original bytes after losing up to
// parityShards of them. Reassembly is keyed by (sender, messageID) and
// shard count, not by a delimiter — it does not change any wire message
// semantics, the reconstructed payload is exactly the original bytes
// handed to encode.

const shardHeaderLen = 8 + 1 + 1 + 1 + 4 // messageID + shardIndex + dataShards + parityShards + origLen

// DefaultDataShards and DefaultParityShards are the default erasure-coding
// split: 4 data shards plus 2 parity shards per outbound message.
const (
	DefaultDataShards   = 4
	DefaultParityShards = 2
)

// fecCodec erasure-codes outbound messages and reassembles inbound shards.
type fecCodec struct {
	dataShards   int
	parityShards int
	enc          reedsolomon.Encoder

	mu        sync.Mutex
	nextMsgID uint64
	pending   map[string]*shardSet
}

type shardSet struct {
	dataShards   int
	parityShards int
	origLen      int
	shards       [][]byte
	have         int
	firstSeen    time.Time
}

func newFECCodec(dataShards, parityShards int) (*fecCodec, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, Startup("constructing reed-solomon codec: %v", err)
	}
	return &fecCodec{
		dataShards:   dataShards,
		parityShards: parityShards,
		enc:          enc,
		pending:      make(map[string]*shardSet),
	}, nil
}

// encode splits payload into dataShards+parityShards shards, each prefixed
// with a small binary header, ready to be sent as independent datagrams.
func (c *fecCodec) encode(payload []byte) ([][]byte, error) {
	c.mu.Lock()
	msgID := c.nextMsgID
	c.nextMsgID++
	c.mu.Unlock()

	origLen := len(payload)
	shards, err := c.enc.Split(payload)
	if err != nil {
		return nil, Transient("splitting message into shards: %v", err)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, Transient("encoding parity shards: %v", err)
	}

	out := make([][]byte, len(shards))
	for i, shard := range shards {
		dg := make([]byte, shardHeaderLen+len(shard))
		binary.BigEndian.PutUint64(dg[0:8], msgID)
		dg[8] = uint8(i)
		dg[9] = uint8(c.dataShards)
		dg[10] = uint8(c.parityShards)
		binary.BigEndian.PutUint32(dg[11:15], uint32(origLen))
		copy(dg[shardHeaderLen:], shard)
		out[i] = dg
	}
	return out, nil
}

// receive feeds one inbound shard datagram, keyed by sender address, and
// returns (payload, true) once enough shards have arrived to reconstruct
// the original message. Shards for already-completed or abandoned
// messages are dropped silently.
func (c *fecCodec) receive(senderAddr string, datagram []byte) ([]byte, bool, error) {
	if len(datagram) < shardHeaderLen {
		return nil, false, Protocol("shard datagram shorter than header (%d bytes)", len(datagram))
	}

	msgID := binary.BigEndian.Uint64(datagram[0:8])
	shardIndex := int(datagram[8])
	dataShards := int(datagram[9])
	parityShards := int(datagram[10])
	origLen := int(binary.BigEndian.Uint32(datagram[11:15]))
	shard := datagram[shardHeaderLen:]

	key := shardSetKey(senderAddr, msgID)

	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.pending[key]
	if !ok {
		set = &shardSet{
			dataShards:   dataShards,
			parityShards: parityShards,
			origLen:      origLen,
			shards:       make([][]byte, dataShards+parityShards),
			firstSeen:    time.Now(),
		}
		c.pending[key] = set
	}
	if shardIndex < 0 || shardIndex >= len(set.shards) {
		return nil, false, Protocol("shard index %d out of range for message %d", shardIndex, msgID)
	}
	if set.shards[shardIndex] == nil {
		buf := make([]byte, len(shard))
		copy(buf, shard)
		set.shards[shardIndex] = buf
		set.have++
	}

	if set.have < set.dataShards {
		return nil, false, nil
	}

	if err := c.enc.Reconstruct(set.shards); err != nil {
		return nil, false, Transient("reconstructing message %d from shards: %v", msgID, err)
	}

	var buf []byte
	buf = make([]byte, 0, set.origLen)
	w := &sliceWriter{buf: &buf}
	if err := c.enc.Join(w, set.shards, set.origLen); err != nil {
		return nil, false, Transient("joining reconstructed shards for message %d: %v", msgID, err)
	}

	delete(c.pending, key)
	return buf, true, nil
}

func shardSetKey(senderAddr string, msgID uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], msgID)
	return senderAddr + "|" + string(b[:])
}

// sliceWriter lets reedsolomon.Join write into a growable []byte without
// requiring an io.Writer backed by a fixed buffer.
type sliceWriter struct {
	buf *[]byte
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
