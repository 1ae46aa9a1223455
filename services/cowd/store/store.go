// Package store persists the off-chain intent book and the batches built from
// it. Intents keep their submission sequence so matching rounds are
// reproducible across restarts.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"cowlend/crypto"
	"cowlend/native/matching"
	"cowlend/native/orders"
)

// IntentStatus is the lifecycle state of an intent in the book.
type IntentStatus string

const (
	StatusOpen     IntentStatus = "OPEN"
	StatusMatched  IntentStatus = "MATCHED"
	StatusSettled  IntentStatus = "SETTLED"
	StatusExpired  IntentStatus = "EXPIRED"
	StatusRejected IntentStatus = "REJECTED"
	StatusCanceled IntentStatus = "CANCELED"
)

// BatchStatus tracks a submitted batch.
type BatchStatus string

const (
	BatchSubmitted BatchStatus = "SUBMITTED"
	BatchSettled   BatchStatus = "SETTLED"
	BatchFailed    BatchStatus = "FAILED"
)

var (
	ErrDuplicateIntent = errors.New("store: intent with this maker and nonce already exists")
	ErrNotFound        = errors.New("store: not found")
	ErrNotOpen         = errors.New("store: intent is not open")
)

// Intent is one signed lend or borrow order waiting to be matched.
type Intent struct {
	ID         uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Seq        uint64       `gorm:"uniqueIndex;not null"`
	Maker      string       `gorm:"size:64;uniqueIndex:idx_maker_nonce;not null"`
	Nonce      string       `gorm:"size:80;uniqueIndex:idx_maker_nonce;not null"`
	Side       string       `gorm:"size:8;index"`
	Principal  string       `gorm:"size:80;not null"`
	Collateral string       `gorm:"size:80;not null"`
	RateBips   uint64       `gorm:"not null"`
	Maturity   uint64       `gorm:"not null"`
	Expiry     uint64       `gorm:"index;not null"`
	Signature  string       `gorm:"size:140;not null"`
	Status     IntentStatus `gorm:"size:16;index"`
	BatchID    *uuid.UUID   `gorm:"type:uuid;index"`
	LoanID     string       `gorm:"size:66"`
	Reason     string       `gorm:"size:256"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Batch records one settlement attempt.
type Batch struct {
	ID        uuid.UUID   `gorm:"type:uuid;primaryKey"`
	Digest    string      `gorm:"size:66;index"`
	Pairs     int         `gorm:"not null"`
	Status    BatchStatus `gorm:"size:16;index"`
	Error     string      `gorm:"size:512"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Intent{}, &Batch{})
}

// Open connects to driver ("sqlite" or "postgres") at dsn and migrates.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return New(db), nil
}

// Store wraps the gorm handle. Inserts are serialised so sequence numbers
// stay dense.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Add stores a validated signed order as an open intent.
func (s *Store) Add(ctx context.Context, signed orders.SignedOrder) (*Intent, error) {
	rec := fromSigned(signed)
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Intent{}).Where("maker = ? AND nonce = ?", rec.Maker, rec.Nonce).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateIntent
		}
		var maxSeq struct{ Max uint64 }
		if err := tx.Model(&Intent{}).Select("COALESCE(MAX(seq), 0) AS max").Scan(&maxSeq).Error; err != nil {
			return err
		}
		rec.Seq = maxSeq.Max + 1
		return tx.Create(rec).Error
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get loads one intent.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Intent, error) {
	var rec Intent
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Filter narrows List.
type Filter struct {
	Status IntentStatus
	Maker  string
	Limit  int
}

// List returns intents in submission order.
func (s *Store) List(ctx context.Context, f Filter) ([]Intent, error) {
	q := s.db.WithContext(ctx).Model(&Intent{}).Order("seq ASC")
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Maker != "" {
		q = q.Where("maker = ?", f.Maker)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []Intent
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel withdraws an open intent. Only the maker may cancel; other callers
// see ErrNotFound.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID, maker crypto.Address) error {
	res := s.db.WithContext(ctx).Model(&Intent{}).
		Where("id = ? AND maker = ? AND status = ?", id, maker.String(), StatusOpen).
		Updates(map[string]any{"status": StatusCanceled, "reason": "canceled by maker"})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Maker != maker.String() {
		return ErrNotFound
	}
	return ErrNotOpen
}

// Book loads every open intent split by side, ready for matching.
func (s *Store) Book(ctx context.Context) (lends, borrows []matching.Intent, err error) {
	open, err := s.List(ctx, Filter{Status: StatusOpen})
	if err != nil {
		return nil, nil, err
	}
	for i := range open {
		in, err := open[i].MatchingIntent()
		if err != nil {
			if markErr := s.setStatus(ctx, []string{open[i].ID.String()}, StatusRejected, err.Error()); markErr != nil {
				return nil, nil, markErr
			}
			continue
		}
		if in.Signed.Order.Side == orders.SideLend {
			lends = append(lends, in)
		} else {
			borrows = append(borrows, in)
		}
	}
	return lends, borrows, nil
}

// Expire marks the given intents expired.
func (s *Store) Expire(ctx context.Context, intents []matching.Intent) error {
	return s.setStatus(ctx, intentIDs(intents), StatusExpired, "expired before matching")
}

// Reject marks the given intents rejected with reason.
func (s *Store) Reject(ctx context.Context, ids []string, reason string) error {
	return s.setStatus(ctx, ids, StatusRejected, reason)
}

func (s *Store) setStatus(ctx context.Context, ids []string, status IntentStatus, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&Intent{}).Where("id IN ?", ids).
		Updates(map[string]any{"status": status, "reason": truncate(reason, 256)}).Error
}

// BeginBatch records a batch and moves its intents to MATCHED in one
// transaction.
func (s *Store) BeginBatch(ctx context.Context, digest [32]byte, pairs []matching.Pair) (*Batch, error) {
	batch := &Batch{ID: uuid.New(), Digest: fmt.Sprintf("0x%x", digest[:]), Pairs: len(pairs), Status: BatchSubmitted}
	ids := pairIntentIDs(pairs)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return err
		}
		res := tx.Model(&Intent{}).Where("id IN ? AND status = ?", ids, StatusOpen).
			Updates(map[string]any{"status": StatusMatched, "batch_id": batch.ID})
		if res.Error != nil {
			return res.Error
		}
		if int(res.RowsAffected) != len(ids) {
			return fmt.Errorf("%w: %d of %d intents still open", ErrNotOpen, res.RowsAffected, len(ids))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// SettleBatch records the loan ids created for each pair.
func (s *Store) SettleBatch(ctx context.Context, batchID uuid.UUID, pairs []matching.Pair, loanIDs []string) error {
	if len(loanIDs) != len(pairs) {
		return fmt.Errorf("store: %d loan ids for %d pairs", len(loanIDs), len(pairs))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, pair := range pairs {
			ids := []string{pair.Lend.ID, pair.Borrow.ID}
			if err := tx.Model(&Intent{}).Where("id IN ?", ids).
				Updates(map[string]any{"status": StatusSettled, "loan_id": loanIDs[i]}).Error; err != nil {
				return err
			}
		}
		return tx.Model(&Batch{}).Where("id = ?", batchID).Update("status", BatchSettled).Error
	})
}

// FailBatch marks the batch failed and returns its intents to the book.
func (s *Store) FailBatch(ctx context.Context, batchID uuid.UUID, cause error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Intent{}).Where("batch_id = ? AND status = ?", batchID, StatusMatched).
			Updates(map[string]any{"status": StatusOpen, "batch_id": nil}).Error; err != nil {
			return err
		}
		return tx.Model(&Batch{}).Where("id = ?", batchID).
			Updates(map[string]any{"status": BatchFailed, "error": truncate(cause.Error(), 512)}).Error
	})
}

// Batches lists recent batches, newest first.
func (s *Store) Batches(ctx context.Context, limit int) ([]Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Batch
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// MatchingIntent rebuilds the signed order stored in rec.
func (rec Intent) MatchingIntent() (matching.Intent, error) {
	signed, err := orders.FromWire(orders.Wire{
		Maker:      rec.Maker,
		Side:       rec.Side,
		Principal:  rec.Principal,
		Collateral: rec.Collateral,
		RateBips:   rec.RateBips,
		Maturity:   rec.Maturity,
		Expiry:     rec.Expiry,
		Nonce:      rec.Nonce,
		Signature:  rec.Signature,
	})
	if err != nil {
		return matching.Intent{}, err
	}
	return matching.Intent{ID: rec.ID.String(), Seq: rec.Seq, Signed: signed}, nil
}

func fromSigned(signed orders.SignedOrder) *Intent {
	w := signed.ToWire()
	return &Intent{
		ID:         uuid.New(),
		Maker:      w.Maker,
		Nonce:      w.Nonce,
		Side:       w.Side,
		Principal:  w.Principal,
		Collateral: w.Collateral,
		RateBips:   w.RateBips,
		Maturity:   w.Maturity,
		Expiry:     w.Expiry,
		Signature:  w.Signature,
		Status:     StatusOpen,
	}
}

func intentIDs(intents []matching.Intent) []string {
	ids := make([]string, 0, len(intents))
	for _, in := range intents {
		ids = append(ids, in.ID)
	}
	return ids
}

func pairIntentIDs(pairs []matching.Pair) []string {
	ids := make([]string, 0, 2*len(pairs))
	for _, p := range pairs {
		ids = append(ids, p.Lend.ID, p.Borrow.ID)
	}
	return ids
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
