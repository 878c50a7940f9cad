package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strconv"
	"time"

	"github.com/BradenHooton/perimeter/internal/models"
)

// MinSigningKeyLen is the shortest HMAC key accepted.
const MinSigningKeyLen = 32

// Signer computes and verifies the chained integrity signature of events.
//
// The signature covers the event kind, timestamp, message, actor, source IP,
// outcome, chain position and the previous event's signature, so editing a
// row, deleting one from the middle of a chain, or reordering rows is
// detectable.
type Signer struct {
	key []byte
}

// NewSigner returns a Signer keyed with key.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) < MinSigningKeyLen {
		return nil, fmt.Errorf("audit signing key must be at least %d bytes", MinSigningKeyLen)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k}, nil
}

// Sign returns the hex HMAC-SHA256 of e's signed fields. It does not modify e.
func (s *Signer) Sign(e *models.AuditEvent) string {
	mac := hmac.New(sha256.New, s.key)
	writeField(mac, e.EventType.String())
	writeField(mac, e.Timestamp.UTC().Format(time.RFC3339Nano))
	writeField(mac, e.Message)
	writeField(mac, e.Actor)
	writeField(mac, e.SourceIP)
	writeField(mac, strconv.FormatBool(e.Success))
	writeField(mac, e.ChainID)
	writeField(mac, strconv.FormatInt(e.Sequence, 10))
	writeField(mac, e.PrevSignature)
	return hex.EncodeToString(mac.Sum(nil))
}

// length prefix keeps ("ab","c") and ("a","bc") apart
func writeField(h hash.Hash, v string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(v)))
	h.Write(n[:])
	h.Write([]byte(v))
}

// Valid reports whether e carries the signature Sign would produce.
func (s *Signer) Valid(e *models.AuditEvent) bool {
	want, err := hex.DecodeString(e.IntegritySignature)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(s.Sign(e))
	return hmac.Equal(want, got)
}

// Chain hands out consecutive positions within one chain. It is not safe for
// concurrent use; callers serialize Seal with the append that follows it.
type Chain struct {
	ID      string
	seq     int64
	lastSig string
}

// NewChain starts a chain at sequence 1.
func NewChain(id string) *Chain {
	return &Chain{ID: id}
}

// Seal assigns the next chain position to e, signs it and advances the chain.
func (c *Chain) Seal(s *Signer, e *models.AuditEvent) {
	e.ChainID = c.ID
	e.Sequence = c.seq + 1
	e.PrevSignature = c.lastSig
	e.IntegritySignature = s.Sign(e)

	c.seq = e.Sequence
	c.lastSig = e.IntegritySignature
}

// Verify checks every event's signature and the links between consecutive
// events of the same chain. Events may be passed in any order.
func (s *Signer) Verify(events []models.AuditEvent) []models.IntegrityViolation {
	var violations []models.IntegrityViolation

	chains := make(map[string][]models.AuditEvent)
	for _, e := range events {
		chains[e.ChainID] = append(chains[e.ChainID], e)
	}

	chainIDs := make([]string, 0, len(chains))
	for id := range chains {
		chainIDs = append(chainIDs, id)
	}
	sort.Strings(chainIDs)

	for _, id := range chainIDs {
		chain := chains[id]
		sort.SliceStable(chain, func(i, j int) bool { return chain[i].Sequence < chain[j].Sequence })

		for i := range chain {
			e := &chain[i]
			violation := func(reason string) {
				violations = append(violations, models.IntegrityViolation{
					EventID:  e.ID,
					ChainID:  e.ChainID,
					Sequence: e.Sequence,
					Reason:   reason,
				})
			}

			if !s.Valid(e) {
				violation("signature mismatch")
			}

			if e.Sequence == 1 && e.PrevSignature != "" {
				violation("chain start has a predecessor link")
			}

			if i == 0 {
				continue
			}
			prev := &chain[i-1]
			switch {
			case e.Sequence == prev.Sequence:
				violation("duplicate sequence")
			case e.Sequence != prev.Sequence+1:
				violation(fmt.Sprintf("sequence gap after %d", prev.Sequence))
			case e.PrevSignature != prev.IntegritySignature:
				violation("broken link to previous event")
			}
		}
	}

	return violations
}
