package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/polyglot/internal/config"
	"github.com/felixgeelhaar/polyglot/internal/domain"
	"github.com/felixgeelhaar/polyglot/internal/fingerprint"
	"github.com/felixgeelhaar/polyglot/internal/retention"
	"github.com/felixgeelhaar/polyglot/internal/storage"
)

// RejectReason explains why a batch was refused
type RejectReason string

const (
	ReasonNone             RejectReason = ""
	ReasonDuplicateSession RejectReason = "duplicate_session"
	ReasonOverlapExceeded  RejectReason = "overlap_exceeded"
	ReasonEmptyBatch       RejectReason = "empty_batch"
)

// Decision is the outcome of checking a batch against session history
type Decision struct {
	Accepted     bool         `json:"accepted"`
	Reason       RejectReason `json:"reason,omitempty"`
	SessionHash  string       `json:"session_hash"`
	MemberHashes []string     `json:"member_hashes"`
	Overlap      float64      `json:"overlap"`
	Threshold    float64      `json:"threshold"`
}

// Guard is the session fingerprint guard. It owns the session fingerprint table.
type Guard struct {
	uow       storage.UnitOfWork
	cfg       *config.EngineConfig
	retention *retention.Policy
	now       func() time.Time
	inTx      bool
}

// NewGuard creates a session guard
func NewGuard(uow storage.UnitOfWork, cfg *config.EngineConfig, policy *retention.Policy) *Guard {
	return &Guard{uow: uow, cfg: cfg, retention: policy, now: time.Now}
}

// WithClock returns a copy of g using now as its time source
func (g *Guard) WithClock(now func() time.Time) *Guard {
	c := *g
	c.now = now
	return &c
}

// Within returns a copy of g bound to an open transaction
func (g *Guard) Within(tx storage.UnitOfWork) *Guard {
	c := *g
	c.uow = tx
	c.inTx = true
	return &c
}

// Fingerprint returns the session hash of batch over its member hashes in order
func (g *Guard) Fingerprint(batch []domain.ExerciseItem) string {
	_, hash := fingerprint.Items(batch)
	return hash
}

// Check evaluates member hashes against stored sessions without writing anything.
// A batch is rejected when its session hash is already stored, or when the share of its
// distinct members found in the union of the recent sessions exceeds the tier threshold.
func (g *Guard) Check(ctx context.Context, ownerID string, tier int, memberHashes []string) (Decision, error) {
	d := Decision{
		SessionHash:  fingerprint.Session(memberHashes),
		MemberHashes: memberHashes,
		Threshold:    g.cfg.OverlapThreshold(tier),
	}
	if len(memberHashes) == 0 {
		d.Reason = ReasonEmptyBatch
		return d, nil
	}

	exists, err := g.uow.Sessions().Exists(ctx, ownerID, tier, d.SessionHash)
	if err != nil {
		return d, fmt.Errorf("check session: %w", err)
	}
	if exists {
		d.Reason = ReasonDuplicateSession
		d.Overlap = 1
		return d, nil
	}

	recent, err := g.uow.Sessions().Recent(ctx, ownerID, tier, g.window())
	if err != nil {
		return d, fmt.Errorf("recent sessions: %w", err)
	}
	seen := make(map[string]struct{})
	for _, sf := range recent {
		for _, h := range sf.MemberHashes {
			seen[h] = struct{}{}
		}
	}

	d.Overlap = OverlapRatio(memberHashes, seen)
	if d.Overlap > d.Threshold {
		d.Reason = ReasonOverlapExceeded
		return d, nil
	}

	d.Accepted = true
	return d, nil
}

// Accept checks batch and, when accepted, persists its session fingerprint atomically.
func (g *Guard) Accept(ctx context.Context, ownerID string, tier int, batch []domain.ExerciseItem) (Decision, error) {
	members, _ := fingerprint.Items(batch)

	var d Decision
	err := g.atomically(ctx, ownerID, func(tx storage.UnitOfWork) error {
		inner := g.Within(tx)
		var err error
		d, err = inner.Check(ctx, ownerID, tier, members)
		if err != nil || !d.Accepted {
			return err
		}
		return inner.record(ctx, tx, ownerID, tier, d.SessionHash, members)
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

// Record persists a session fingerprint over memberHashes and bounds the session history.
func (g *Guard) Record(ctx context.Context, ownerID string, tier int, memberHashes []string) (string, error) {
	hash := fingerprint.Session(memberHashes)
	err := g.atomically(ctx, ownerID, func(tx storage.UnitOfWork) error {
		return g.record(ctx, tx, ownerID, tier, hash, memberHashes)
	})
	if err != nil {
		return "", err
	}
	return hash, nil
}

func (g *Guard) record(ctx context.Context, tx storage.UnitOfWork, ownerID string, tier int, sessionHash string, members []string) error {
	_, err := tx.Sessions().Insert(ctx, domain.SessionFingerprint{
		OwnerID:      ownerID,
		Tier:         tier,
		SessionHash:  sessionHash,
		MemberHashes: members,
		CreatedAt:    g.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	if g.retention != nil {
		return g.retention.AfterSessionWrite(ctx, tx, ownerID, tier)
	}
	return nil
}

// ClearAll removes every session fingerprint of ownerID across tiers
func (g *Guard) ClearAll(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	err := g.atomically(ctx, ownerID, func(tx storage.UnitOfWork) error {
		var err error
		n, err = tx.Sessions().DeleteOwner(ctx, ownerID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("clear sessions: %w", err)
	}
	return n, nil
}

func (g *Guard) window() int {
	if w := g.cfg.Dedup.OverlapWindow; w > 0 {
		return w
	}
	return g.cfg.Retention.MaxSessions
}

func (g *Guard) atomically(ctx context.Context, ownerID string, fn func(tx storage.UnitOfWork) error) error {
	if g.inTx {
		return fn(g.uow)
	}
	return storage.WithinTx(ctx, g.uow, ownerID, fn)
}

// OverlapRatio is |distinct(members) ∩ seen| / |distinct(members)|.
func OverlapRatio(members []string, seen map[string]struct{}) float64 {
	distinct := make(map[string]struct{}, len(members))
	hits := 0
	for _, h := range members {
		if _, dup := distinct[h]; dup {
			continue
		}
		distinct[h] = struct{}{}
		if _, ok := seen[h]; ok {
			hits++
		}
	}
	if len(distinct) == 0 {
		return 0
	}
	return float64(hits) / float64(len(distinct))
}
