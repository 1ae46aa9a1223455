package lending

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"cowlend/core/events"
	"cowlend/crypto"
	nativecommon "cowlend/native/common"
	"cowlend/observability/metrics"
	"cowlend/storage"
)

// Ledger owns every loan record. All mutations go through Execute, which runs
// them one at a time inside a single storage transaction.
type Ledger struct {
	mu      sync.Mutex
	store   storage.Store
	assets  Assets
	cfg     Config
	pauses  nativecommon.PauseView
	emitter events.Emitter
	now     func() time.Time
	logger  *slog.Logger

	origMu      sync.RWMutex
	originators map[string]struct{}
}

// NewLedger constructs a ledger over store. cfg must already be validated.
func NewLedger(store storage.Store, assets Assets, cfg Config) *Ledger {
	return &Ledger{
		store:       store,
		assets:      assets,
		cfg:         cfg,
		emitter:     events.NoopEmitter{},
		now:         time.Now,
		logger:      slog.Default(),
		originators: make(map[string]struct{}),
	}
}

// SetPauses configures the pause view consulted before mutations.
func (l *Ledger) SetPauses(p nativecommon.PauseView) {
	if l == nil {
		return
	}
	l.pauses = p
}

// SetEmitter configures where committed events are delivered.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if l == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

// SetClock overrides the time source.
func (l *Ledger) SetClock(now func() time.Time) {
	if l == nil || now == nil {
		return
	}
	l.now = now
}

func (l *Ledger) SetLogger(logger *slog.Logger) {
	if l == nil || logger == nil {
		return
	}
	l.logger = logger
}

// Config returns a copy of the risk parameters.
func (l *Ledger) Config() Config {
	return l.cfg
}

// AuthorizeOriginator allows addr to call CreateLoan.
func (l *Ledger) AuthorizeOriginator(addr crypto.Address) {
	l.origMu.Lock()
	defer l.origMu.Unlock()
	l.originators[string(addr.Bytes())] = struct{}{}
}

// RevokeOriginator removes addr from the originator set.
func (l *Ledger) RevokeOriginator(addr crypto.Address) {
	l.origMu.Lock()
	defer l.origMu.Unlock()
	delete(l.originators, string(addr.Bytes()))
}

func (l *Ledger) isOriginator(addr crypto.Address) bool {
	if addr.IsZero() {
		return false
	}
	l.origMu.RLock()
	defer l.origMu.RUnlock()
	_, ok := l.originators[string(addr.Bytes())]
	return ok
}

// Op is the handle passed to Execute callbacks. It is only valid inside the
// callback.
type Op struct {
	ctx    context.Context
	ledger *Ledger
	tx     storage.Tx
	now    time.Time
	events []events.Event
	after  []func()
}

// Tx exposes the underlying transaction so collaborators (nonce sets,
// balances) write atomically with the ledger.
func (op *Op) Tx() storage.Tx { return op.tx }

// Now is the timestamp shared by every step of the operation.
func (op *Op) Now() time.Time { return op.now }

func (op *Op) Context() context.Context { return op.ctx }

// Emit queues an event for delivery once the operation commits.
func (op *Op) Emit(evt events.Event) {
	if evt != nil {
		op.events = append(op.events, evt)
	}
}

// AfterCommit queues fn to run once the operation commits.
func (op *Op) AfterCommit(fn func()) {
	if fn != nil {
		op.after = append(op.after, fn)
	}
}

// Execute runs fn as one atomic operation. When fn returns an error every
// write is discarded and no events are emitted.
func (l *Ledger) Execute(ctx context.Context, fn func(*Op) error) error {
	if l == nil || l.store == nil {
		return errNilState
	}
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	op := &Op{ctx: ctx, ledger: l, now: l.now()}
	if err := l.store.Update(func(tx storage.Tx) error {
		op.tx = tx
		op.events = op.events[:0]
		op.after = op.after[:0]
		return fn(op)
	}); err != nil {
		return err
	}
	for _, evt := range op.events {
		l.emitter.Emit(evt)
	}
	for _, fn := range op.after {
		fn()
	}
	return nil
}

// CreateLoan originates a loan. Only registered originators may call it.
func (l *Ledger) CreateLoan(ctx context.Context, params CreateParams, caller crypto.Address) (LoanID, error) {
	var id LoanID
	err := l.Execute(ctx, func(op *Op) error {
		created, err := op.CreateLoan(params, caller)
		id = created
		return err
	})
	return id, err
}

// CreateLoan validates params, moves principal to the borrower and collateral
// into escrow, and stores the loan as Active.
func (op *Op) CreateLoan(params CreateParams, caller crypto.Address) (LoanID, error) {
	l := op.ledger
	if err := nativecommon.Guard(l.pauses, moduleCreate); err != nil {
		return LoanID{}, err
	}
	if !l.isOriginator(caller) {
		return LoanID{}, ErrUnauthorized
	}
	if params.Lender.IsZero() || params.Borrower.IsZero() || params.Lender.Equal(params.Borrower) {
		return LoanID{}, ErrInvalidParty
	}
	if params.Principal == nil || params.Principal.Sign() <= 0 {
		return LoanID{}, fmt.Errorf("%w: principal must be positive", ErrInvalidAmount)
	}
	collateral := nonNil(params.Collateral)
	if collateral.Sign() < 0 {
		return LoanID{}, fmt.Errorf("%w: negative collateral", ErrInvalidAmount)
	}
	// Batch loans may post collateral after settlement.
	if collateral.Sign() == 0 && params.Origin != OriginBatch {
		return LoanID{}, fmt.Errorf("%w: collateral must be positive", ErrInvalidAmount)
	}
	if params.RateBips < l.cfg.MinRateBips || params.RateBips > l.cfg.MaxRateBips {
		return LoanID{}, fmt.Errorf("%w: %d bps", ErrInvalidRate, params.RateBips)
	}
	now := uint64(op.now.Unix())
	if params.Maturity <= now {
		return LoanID{}, fmt.Errorf("%w: maturity %d not after %d", ErrInvalidMaturity, params.Maturity, now)
	}
	if l.cfg.MaxDuration > 0 && params.Maturity-now > uint64(l.cfg.MaxDuration/time.Second) {
		return LoanID{}, fmt.Errorf("%w: term exceeds %s", ErrInvalidMaturity, l.cfg.MaxDuration)
	}
	origin := params.Origin
	if origin == 0 {
		origin = OriginOrder
	}

	seq, err := nextSequence(op.tx)
	if err != nil {
		return LoanID{}, err
	}
	id, err := deriveLoanID(seq, now, params.Borrower)
	if err != nil {
		return LoanID{}, err
	}
	if op.tx.Get(bucketLoans, id[:]) != nil {
		return LoanID{}, fmt.Errorf("lending: loan id collision %s", id)
	}

	if err := l.assets.Transfer(op.tx, l.cfg.PrincipalAsset, params.Lender, params.Borrower, params.Principal); err != nil {
		return LoanID{}, fmt.Errorf("lending: transfer principal: %w", err)
	}
	if collateral.Sign() > 0 {
		if err := l.assets.Transfer(op.tx, l.cfg.CollateralAsset, params.Borrower, l.cfg.Escrow, collateral); err != nil {
			return LoanID{}, fmt.Errorf("lending: lock collateral: %w", err)
		}
	}

	loan := &Loan{
		ID:         id,
		Sequence:   seq,
		Lender:     params.Lender,
		Borrower:   params.Borrower,
		Principal:  new(big.Int).Set(params.Principal),
		Collateral: collateral,
		CreatedAt:  now,
		Maturity:   params.Maturity,
		RateBips:   params.RateBips,
		Status:     StatusActive,
		Origin:     origin,
	}
	if err := writeLoan(op.tx, loan); err != nil {
		return LoanID{}, err
	}
	if err := indexLoan(op.tx, loan); err != nil {
		return LoanID{}, err
	}

	op.Emit(events.LoanCreated{
		LoanID:     id,
		Lender:     loan.Lender,
		Borrower:   loan.Borrower,
		Principal:  new(big.Int).Set(loan.Principal),
		Collateral: new(big.Int).Set(loan.Collateral),
		RateBips:   loan.RateBips,
		Maturity:   loan.Maturity,
		Origin:     origin.String(),
	})
	op.AfterCommit(func() { metrics.Lending().ObserveLoanCreated(origin.String()) })
	return id, nil
}

// Loan reads a loan inside the operation.
func (op *Op) Loan(id LoanID) (*Loan, error) {
	return readLoan(op.tx, id)
}

// Repay closes a mature loan. The borrower pays the current debt to the lender
// and receives the escrowed collateral back.
func (l *Ledger) Repay(ctx context.Context, id LoanID, payer crypto.Address) (principalPaid, interestPaid *big.Int, err error) {
	err = l.Execute(ctx, func(op *Op) error {
		if err := nativecommon.Guard(l.pauses, moduleRepay); err != nil {
			return err
		}
		loan, err := op.Loan(id)
		if err != nil {
			return err
		}
		if !loan.Borrower.Equal(payer) {
			return ErrNotBorrower
		}
		if loan.Status != StatusActive {
			return ErrLoanNotActive
		}
		now := uint64(op.now.Unix())
		if now < loan.Maturity {
			return ErrLoanNotMature
		}

		debt := loan.DebtAt(now)
		if err := l.assets.Transfer(op.tx, l.cfg.PrincipalAsset, payer, loan.Lender, debt); err != nil {
			return fmt.Errorf("lending: pay lender: %w", err)
		}
		if loan.Collateral.Sign() > 0 {
			if err := l.assets.Transfer(op.tx, l.cfg.CollateralAsset, l.cfg.Escrow, loan.Borrower, loan.Collateral); err != nil {
				return fmt.Errorf("lending: release collateral: %w", err)
			}
		}
		loan.Status = StatusRepaid
		if err := writeLoan(op.tx, loan); err != nil {
			return err
		}

		principalPaid = new(big.Int).Set(loan.Principal)
		interestPaid = new(big.Int).Sub(debt, loan.Principal)
		op.Emit(events.LoanRepaid{
			LoanID:    id,
			Payer:     payer,
			Principal: new(big.Int).Set(principalPaid),
			Interest:  new(big.Int).Set(interestPaid),
		})
		op.AfterCommit(metrics.Lending().ObserveLoanRepaid)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return principalPaid, interestPaid, nil
}

// DepositCollateral adds collateral to an active loan. Batch originated loans
// start with none.
func (l *Ledger) DepositCollateral(ctx context.Context, id LoanID, borrower crypto.Address, amount *big.Int) (*big.Int, error) {
	var total *big.Int
	err := l.Execute(ctx, func(op *Op) error {
		if err := nativecommon.Guard(l.pauses, moduleDeposit); err != nil {
			return err
		}
		if amount == nil || amount.Sign() <= 0 {
			return fmt.Errorf("%w: deposit must be positive", ErrInvalidAmount)
		}
		loan, err := op.Loan(id)
		if err != nil {
			return err
		}
		if !loan.Borrower.Equal(borrower) {
			return ErrNotBorrower
		}
		if loan.Status != StatusActive {
			return ErrLoanNotActive
		}
		if err := l.assets.Transfer(op.tx, l.cfg.CollateralAsset, borrower, l.cfg.Escrow, amount); err != nil {
			return fmt.Errorf("lending: lock collateral: %w", err)
		}
		loan.Collateral = new(big.Int).Add(loan.Collateral, amount)
		if err := writeLoan(op.tx, loan); err != nil {
			return err
		}
		total = new(big.Int).Set(loan.Collateral)
		op.Emit(events.CollateralDeposited{
			LoanID:   id,
			Borrower: borrower,
			Amount:   new(big.Int).Set(amount),
			Total:    new(big.Int).Set(total),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return total, nil
}

// GetLoan returns a copy of the stored loan.
func (l *Ledger) GetLoan(id LoanID) (*Loan, error) {
	if l == nil || l.store == nil {
		return nil, errNilState
	}
	var loan *Loan
	err := l.store.View(func(tx storage.Tx) error {
		var err error
		loan, err = readLoan(tx, id)
		return err
	})
	return loan, err
}

// CurrentDebt returns principal compounded up to now, frozen at maturity.
func (l *Ledger) CurrentDebt(id LoanID) (*big.Int, error) {
	loan, err := l.GetLoan(id)
	if err != nil {
		return nil, err
	}
	return loan.DebtAt(uint64(l.now().Unix())), nil
}

// LoansOfBorrower lists a borrower's loans in origination order.
func (l *Ledger) LoansOfBorrower(borrower crypto.Address) ([]*Loan, error) {
	return l.loansOf(bucketByBorrower, borrower)
}

// LoansOfLender lists a lender's loans in origination order.
func (l *Ledger) LoansOfLender(lender crypto.Address) ([]*Loan, error) {
	return l.loansOf(bucketByLender, lender)
}

func (l *Ledger) loansOf(bucket []byte, party crypto.Address) ([]*Loan, error) {
	if l == nil || l.store == nil {
		return nil, errNilState
	}
	var loans []*Loan
	err := l.store.View(func(tx storage.Tx) error {
		var err error
		loans, err = loansByIndex(tx, bucket, party)
		return err
	})
	return loans, err
}

// ActiveLoans returns the ids of every loan that is still Active.
func (l *Ledger) ActiveLoans() ([]LoanID, error) {
	if l == nil || l.store == nil {
		return nil, errNilState
	}
	ids := make([]LoanID, 0)
	err := l.store.View(func(tx storage.Tx) error {
		return tx.ForEach(bucketActive, nil, func(key, _ []byte) error {
			var id LoanID
			copy(id[:], key)
			ids = append(ids, id)
			return nil
		})
	})
	return ids, err
}

// AllLoans returns every stored loan ordered by origination sequence.
func (l *Ledger) AllLoans() ([]*Loan, error) {
	if l == nil || l.store == nil {
		return nil, errNilState
	}
	loans := make([]*Loan, 0)
	err := l.store.View(func(tx storage.Tx) error {
		return tx.ForEach(bucketLoans, nil, func(_, value []byte) error {
			loan, err := decodeLoan(value)
			if err != nil {
				return err
			}
			loans = append(loans, loan)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].Sequence < loans[j].Sequence })
	return loans, nil
}

// View runs fn against a read-only snapshot of the store the ledger writes to.
func (l *Ledger) View(fn func(storage.Tx) error) error {
	if l == nil || l.store == nil {
		return errNilState
	}
	return l.store.View(fn)
}
