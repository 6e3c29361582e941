// Package ledger implements the append-only, hash-chained audit record.
// Every decision and action in the monitor flows through here; the chain is
// the non-repudiation mechanism, and any gap or mismatch invalidates the
// session's compliance certificate.
//
// Auditors recompute each link as:
//
//	payload_hash = sha256(JCS(payload))
//	this_hash    = sha256(JCS({sequence, timestamp, entry_type, session,
//	                            payload_hash, prev_hash}))
//
// with entry 0's prev_hash fixed to GenesisHash.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mnsf-labs/regmon/pkg/canonicalize"
)

// GenesisHash anchors the first entry of every session chain.
const GenesisHash = "genesis"

// EntryType categorizes ledger entries.
type EntryType string

const (
	TypeSampleIngested    EntryType = "sample-ingested"
	TypeViolationRaised   EntryType = "violation-raised"
	TypeActionTaken       EntryType = "action-taken"
	TypeManualOverride    EntryType = "manual-override"
	TypeCertificateIssued EntryType = "certificate-issued"
	TypePolicyLoaded      EntryType = "policy-loaded"
)

var (
	// ErrWrite means durable persistence could not be confirmed. This is
	// fatal to the session: an unverifiable audit trail invalidates the
	// compliance guarantee.
	ErrWrite = errors.New("ledger write failed")
	// ErrOverflow means the append queue was full and the entry was
	// dropped without reaching the writer. Unlike ErrWrite this is
	// recoverable: persistence itself is healthy, the monitor is being
	// fed faster than the writer drains.
	ErrOverflow = errors.New("ledger queue overflow")
	// ErrChainBroken means verification found a gap, reordering, or
	// content mutation.
	ErrChainBroken = errors.New("ledger chain broken")
	// ErrClosed means the ledger writer has shut down.
	ErrClosed = errors.New("ledger closed")
)

// Entry is one immutable link in the chain.
type Entry struct {
	Sequence    uint64          `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
	EntryType   EntryType       `json:"entry_type"`
	Session     string          `json:"session"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	PrevHash    string          `json:"prev_hash"`
	ThisHash    string          `json:"this_hash"`
}

// hashable is the exact structure whose JCS form is digested for ThisHash.
// The payload participates via its own digest so huge payloads never need
// rehashing to check a link.
type hashable struct {
	Sequence    uint64    `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	EntryType   EntryType `json:"entry_type"`
	Session     string    `json:"session"`
	PayloadHash string    `json:"payload_hash"`
	PrevHash    string    `json:"prev_hash"`
}

// ComputePayloadHash digests the canonical form of a raw payload.
func ComputePayloadHash(payload json.RawMessage) (string, error) {
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(canonical), nil
}

// ComputeEntryHash digests the entry's hashable structure.
func ComputeEntryHash(e *Entry) (string, error) {
	return canonicalize.CanonicalHash(hashable{
		Sequence:    e.Sequence,
		Timestamp:   e.Timestamp,
		EntryType:   e.EntryType,
		Session:     e.Session,
		PayloadHash: e.PayloadHash,
		PrevHash:    e.PrevHash,
	})
}

// seal fills PayloadHash and ThisHash.
func seal(e *Entry) error {
	ph, err := ComputePayloadHash(e.Payload)
	if err != nil {
		return err
	}
	e.PayloadHash = ph
	th, err := ComputeEntryHash(e)
	if err != nil {
		return err
	}
	e.ThisHash = th
	return nil
}

// VerifyEntries recomputes every link over a contiguous run of entries.
// startPrev is the prev hash expected on the first entry: GenesisHash for a
// full-chain check, or the preceding entry's ThisHash for a partial range.
func VerifyEntries(entries []*Entry, startPrev string) error {
	expectedPrev := startPrev
	for i, e := range entries {
		if i > 0 && e.Sequence != entries[i-1].Sequence+1 {
			return fmt.Errorf("%w: sequence gap at index %d (%d then %d)",
				ErrChainBroken, i, entries[i-1].Sequence, e.Sequence)
		}
		if e.PrevHash != expectedPrev {
			return fmt.Errorf("%w: entry %d prev_hash %s, expected %s",
				ErrChainBroken, e.Sequence, e.PrevHash, expectedPrev)
		}
		ph, err := ComputePayloadHash(e.Payload)
		if err != nil {
			return fmt.Errorf("%w: entry %d payload hash: %v", ErrChainBroken, e.Sequence, err)
		}
		if ph != e.PayloadHash {
			return fmt.Errorf("%w: entry %d payload mutated", ErrChainBroken, e.Sequence)
		}
		th, err := ComputeEntryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash: %v", ErrChainBroken, e.Sequence, err)
		}
		if th != e.ThisHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, e.Sequence, th, e.ThisHash)
		}
		expectedPrev = e.ThisHash
	}
	return nil
}
