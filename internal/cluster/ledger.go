package cluster

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jinzhu/copier"
	merkletree "github.com/renzhf/go-merkletree"
	"golang.org/x/crypto/blake2b"
)

// Record is one ledger entry: a graded student bound to its predecessor
// by Hash.
type Record struct {
	StudentName string
	Grade       float64
	Hash        uint64
}

// digest is the deterministic 64-bit chain function over the byte
// concatenation of name, decimal(grade) and decimal(prev hash). Only the
// first 8 bytes of blake2b's 256-bit output are kept.
func digest(name string, grade float64, prevHash uint64) uint64 {
	var buf strings.Builder
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.WriteString(strconv.FormatFloat(grade, 'f', -1, 64))
	buf.WriteByte(0)
	buf.WriteString(strconv.FormatUint(prevHash, 10))

	sum := blake2b.Sum256([]byte(buf.String()))
	return binary.BigEndian.Uint64(sum[:8])
}

// Ledger is the append-only, hash-chained sequence of Records. It is safe
// for concurrent use: append operations and reads both take the embedded
// lock, and reads that escape to the
// wire (Serialize, MerkleRoot) work from a deep copy so a concurrent
// append can never race a marshal in progress.
type Ledger struct {
	mu      sync.RWMutex
	records []Record
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// AppendGraded computes the chain digest for (name, grade) against the
// current tip and appends the resulting record. This is the path used by
// the coordinator when it originates a write.
func (l *Ledger) AppendGraded(name string, grade float64) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.lastHashLocked()
	rec := Record{StudentName: name, Grade: grade, Hash: digest(name, grade, prev)}
	l.records = append(l.records, rec)
	return rec
}

// AppendRecord appends rec verbatim without recomputing its hash. This is
// the path used by replicas applying a GRADE_FROM_COORDINATOR broadcast;
// a record with a non-matching hash leaves the ledger invalid, detectable
// only via Verify.
func (l *Ledger) AppendRecord(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

func (l *Ledger) lastHashLocked() uint64 {
	if len(l.records) == 0 {
		return 0
	}
	return l.records[len(l.records)-1].Hash
}

// Verify returns true iff every record's hash matches the digest of its
// own fields chained against its predecessor's hash. An empty ledger
// verifies as true.
func (l *Ledger) Verify() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var prev uint64
	for _, rec := range l.records {
		if digest(rec.StudentName, rec.Grade, prev) != rec.Hash {
			return false
		}
		prev = rec.Hash
	}
	return true
}

// Len returns the number of records currently in the ledger.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Records returns a deep copy of the ledger's records, safe to read after
// the call returns regardless of concurrent appends.
func (l *Ledger) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// snapshotLocked deep-copies the record slice via copier so a reply being
// marshaled downstream (Serialize, a BlockchainResult payload, a print
// report) can never observe a half-appended record from a concurrent
// writer. Must be called with l.mu held for at least reading.
func (l *Ledger) snapshotLocked() []Record {
	out := make([]Record, len(l.records))
	if err := copier.Copy(&out, &l.records); err != nil {
		// copier only fails on type mismatches between identically shaped
		// slices, which cannot happen here; fall back to a manual copy
		// rather than return a lie.
		copy(out, l.records)
	}
	return out
}

// Serialize renders the ledger in its wire form:
// "name,grade,hash;name,grade,hash;..." with no trailing semicolon. An
// empty ledger serializes to the empty string.
func (l *Ledger) Serialize() string {
	records := l.Records()
	if len(records) == 0 {
		return ""
	}
	var buf strings.Builder
	for i, rec := range records {
		if i > 0 {
			buf.WriteByte(';')
		}
		buf.WriteString(rec.StudentName)
		buf.WriteByte(',')
		buf.WriteString(strconv.FormatFloat(rec.Grade, 'f', -1, 64))
		buf.WriteByte(',')
		buf.WriteString(strconv.FormatUint(rec.Hash, 10))
	}
	return buf.String()
}

// ParseLedger parses the wire form produced by Serialize. An empty string
// parses back to an empty ledger.
func ParseLedger(s string) (*Ledger, error) {
	l := NewLedger()
	if s == "" {
		return l, nil
	}
	for _, chunk := range strings.Split(s, ";") {
		fields := strings.Split(chunk, ",")
		if len(fields) != 3 {
			return nil, Protocol("malformed ledger record %q", chunk)
		}
		grade, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, Protocol("malformed grade in ledger record %q: %v", chunk, err)
		}
		hash, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, Protocol("malformed hash in ledger record %q: %v", chunk, err)
		}
		l.records = append(l.records, Record{StudentName: fields[0], Grade: grade, Hash: hash})
	}
	return l, nil
}

// Adopt replaces the ledger's contents with other's, used once at
// cold-start when the first BlockchainResult reply wins.
func (l *Ledger) Adopt(other *Ledger) {
	records := other.Records()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = records
}

// MerkleRoot builds a Merkle tree over the sequence of record hashes and
// returns its root as a supplemental integrity signal. It never participates in Verify's chain invariant. An empty
// ledger has no root: MerkleRoot returns nil with no error.
func (l *Ledger) MerkleRoot() ([]byte, error) {
	records := l.Records()
	if len(records) == 0 {
		return nil, nil
	}

	contents := make([]merkletree.Content, len(records))
	for i, rec := range records {
		contents[i] = hashContent{rec.Hash}
	}
	tree, err := merkletree.NewTree(contents)
	if err != nil {
		return nil, Recoverable("building merkle tree: %v", err)
	}
	return tree.MerkleRoot(), nil
}

// formatRoot renders a Merkle root for logging; a nil root (empty ledger)
// prints as "-".
func formatRoot(root []byte) string {
	if root == nil {
		return "-"
	}
	return fmt.Sprintf("%x", root)
}

// hashContent adapts a record's hash to merkletree.Content.
type hashContent struct {
	hash uint64
}

func (h hashContent) CalculateHash() ([]byte, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.hash)
	sum := blake2b.Sum256(buf[:])
	return sum[:], nil
}

func (h hashContent) Equals(other merkletree.Content) (bool, error) {
	o, ok := other.(hashContent)
	if !ok {
		return false, nil
	}
	return h.hash == o.hash, nil
}
