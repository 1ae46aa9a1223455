package events

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"cowlend/crypto"
	"cowlend/storage"
)

func testAddress(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[19] = b
	return crypto.NewAddress(crypto.LendPrefix, raw)
}

func TestJournalAppendsHashChain(t *testing.T) {
	db := storage.NewMemDB()
	journal, err := OpenJournal(db, nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	journal.SetClock(func() time.Time { return time.Unix(1_700_000_000, 0) })

	journal.Emit(LoanCreated{LoanID: [32]byte{1}, Lender: testAddress(1), Borrower: testAddress(2), Principal: big.NewInt(1000)})
	journal.Emit(LoanRepaid{LoanID: [32]byte{1}, Payer: testAddress(2), Principal: big.NewInt(1000), Interest: big.NewInt(4)})

	if journal.Head() != 2 {
		t.Fatalf("expected head 2, got %d", journal.Head())
	}
	records, err := journal.Since(0, 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[1].PrevHash != records[0].Hash {
		t.Fatalf("records are not chained")
	}
	if records[0].Event.Attributes["principal"] != "1000" {
		t.Fatalf("unexpected attributes: %+v", records[0].Event.Attributes)
	}
	if err := journal.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}

	reopened, err := OpenJournal(db, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Head() != 2 {
		t.Fatalf("reopened head mismatch: %d", reopened.Head())
	}
	tail, err := reopened.Since(1, 10)
	if err != nil || len(tail) != 1 || tail[0].Event.Type != TypeLoanRepaid {
		t.Fatalf("unexpected tail %+v err=%v", tail, err)
	}
}

func TestJournalVerifyDetectsTampering(t *testing.T) {
	db := storage.NewMemDB()
	journal, err := OpenJournal(db, nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	journal.Emit(BatchSettled{BatchHash: [32]byte{9}, Operator: testAddress(3), Loans: 2})
	journal.Emit(BatchSettled{BatchHash: [32]byte{8}, Operator: testAddress(3), Loans: 1})

	if err := db.Put(entryKey(1), []byte(`{"sequence":1,"event":{"type":"forged"},"hash":"00"}`)); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := journal.Verify(); !errors.Is(err, ErrJournalCorrupt) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestJournalSubscribersReceiveRecords(t *testing.T) {
	journal, err := OpenJournal(storage.NewMemDB(), nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	ch, cancel := journal.Subscribe(4)
	defer cancel()

	Fanout{NoopEmitter{}, journal}.Emit(CollateralDeposited{LoanID: [32]byte{2}, Borrower: testAddress(4), Amount: big.NewInt(5), Total: big.NewInt(5)})

	select {
	case rec := <-ch:
		if rec.Event.Type != TypeCollateralDeposited || rec.Sequence != 1 {
			t.Fatalf("unexpected record %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber did not receive record")
	}
}
