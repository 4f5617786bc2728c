package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Genesis is the prev_hash of the first entry.
const Genesis = "genesis"

// Store is the ledger capability consumed by the gateway, treasury and
// sentinel. Implementations never update or delete a stored entry.
type Store interface {
	// Append stores e and returns it with id, seq, created_at and hashes
	// assigned. A failed append must be treated as not having happened.
	Append(ctx context.Context, e Entry) (Entry, error)
	// Recent returns up to n entries matching f, most recent first.
	// n <= 0 returns every match.
	Recent(ctx context.Context, n int, f Filter) ([]Entry, error)
	// Redeemed reports whether an entry with the given ref exists.
	Redeemed(ctx context.Context, ref string) (bool, error)
	// All returns the whole log in append order.
	All(ctx context.Context) ([]Entry, error)
}

// Watcher is implemented by stores that can signal new appends. The
// returned channel is closed when ctx ends.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// hashEntry computes the chained hash of e over its RFC 8785 canonical form.
func hashEntry(e Entry, details []byte) (string, error) {
	hashInput := struct {
		Seq       uint64          `json:"seq"`
		AgentID   string          `json:"agent_id"`
		Action    Action          `json:"action"`
		Amount    string          `json:"amount"`
		Details   json.RawMessage `json:"details"`
		Ref       string          `json:"ref"`
		CreatedAt string          `json:"created_at"`
		PrevHash  string          `json:"prev"`
	}{
		Seq:       e.Seq,
		AgentID:   e.AgentID,
		Action:    e.Action,
		Amount:    e.Amount.String(),
		Details:   details,
		Ref:       e.Ref,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		PrevHash:  e.PrevHash,
	}

	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entry: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// VerifyChain checks the integrity of a log given in append order.
func VerifyChain(entries []Entry) error {
	prevHash := Genesis
	var prevSeq uint64
	for i, entry := range entries {
		if entry.Seq <= prevSeq {
			return fmt.Errorf("%w: entry %d has seq %d after %d", ErrChainBroken, i, entry.Seq, prevSeq)
		}
		if entry.PrevHash != prevHash {
			return fmt.Errorf("%w: entry %d: expected prev %s, got %s", ErrChainBroken, entry.Seq, prevHash, entry.PrevHash)
		}

		details, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, entry.Seq, err)
		}
		computed, err := hashEntry(entry, details)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, entry.Seq, err)
		}
		if computed != entry.Hash {
			return fmt.Errorf("%w: hash mismatch at entry %d", ErrChainBroken, entry.Seq)
		}
		prevHash = entry.Hash
		prevSeq = entry.Seq
	}
	return nil
}

// Verify reads the full log from s and checks its chain.
func Verify(ctx context.Context, s Store) (int, error) {
	entries, err := s.All(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), VerifyChain(entries)
}
