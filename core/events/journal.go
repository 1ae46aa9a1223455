package events

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"cowlend/core/types"
	"cowlend/storage"
)

var (
	journalHeadKey     = []byte("journal/head")
	journalEntryPrefix = []byte("journal/e/")

	// ErrJournalCorrupt is returned by Verify when the hash chain is broken.
	ErrJournalCorrupt = errors.New("events: journal hash chain broken")
)

// Record is a journaled event with its position and chain hash.
type Record struct {
	Sequence  uint64      `json:"sequence"`
	Timestamp int64       `json:"timestamp"`
	Event     types.Event `json:"event"`
	PrevHash  string      `json:"prevHash"`
	Hash      string      `json:"hash"`
}

type journalHead struct {
	Sequence uint64 `json:"sequence"`
	Hash     string `json:"hash"`
}

// Journal appends events to a Database as a blake3 hash chain and fans new
// records out to live subscribers.
type Journal struct {
	mu     sync.Mutex
	db     storage.Database
	head   journalHead
	now    func() time.Time
	logger *slog.Logger

	subMu  sync.RWMutex
	nextID int
	subs   map[int]chan Record
}

// OpenJournal loads the journal head from db.
func OpenJournal(db storage.Database, logger *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("events: journal requires a database")
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{db: db, now: time.Now, logger: logger, subs: make(map[int]chan Record)}
	raw, err := db.Get(journalHeadKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("events: load journal head: %w", err)
	default:
		if err := json.Unmarshal(raw, &j.head); err != nil {
			return nil, fmt.Errorf("events: decode journal head: %w", err)
		}
	}
	return j, nil
}

// SetClock overrides the timestamp source.
func (j *Journal) SetClock(now func() time.Time) {
	if j == nil || now == nil {
		return
	}
	j.mu.Lock()
	j.now = now
	j.mu.Unlock()
}

// Emit implements Emitter. Append failures are logged because emitters run
// after the originating state change has already committed.
func (j *Journal) Emit(evt Event) {
	if j == nil || evt == nil {
		return
	}
	if _, err := j.Append(Render(evt)); err != nil {
		j.logger.Error("journal append failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// Append stores evt as the next record and notifies subscribers.
func (j *Journal) Append(evt *types.Event) (Record, error) {
	if evt == nil {
		return Record{}, errors.New("events: nil event")
	}
	j.mu.Lock()
	rec := Record{
		Sequence:  j.head.Sequence + 1,
		Timestamp: j.now().Unix(),
		Event:     *evt,
		PrevHash:  j.head.Hash,
	}
	rec.Hash = chainHash(rec)
	encoded, err := json.Marshal(rec)
	if err != nil {
		j.mu.Unlock()
		return Record{}, err
	}
	if err := j.db.Put(entryKey(rec.Sequence), encoded); err != nil {
		j.mu.Unlock()
		return Record{}, err
	}
	next := journalHead{Sequence: rec.Sequence, Hash: rec.Hash}
	headRaw, err := json.Marshal(next)
	if err != nil {
		j.mu.Unlock()
		return Record{}, err
	}
	if err := j.db.Put(journalHeadKey, headRaw); err != nil {
		j.mu.Unlock()
		return Record{}, err
	}
	j.head = next
	j.mu.Unlock()

	j.publish(rec)
	return rec, nil
}

// Head returns the latest sequence number.
func (j *Journal) Head() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head.Sequence
}

// Since returns up to limit records with a sequence greater than cursor.
func (j *Journal) Since(cursor uint64, limit int) ([]Record, error) {
	out := make([]Record, 0)
	stop := errors.New("stop")
	err := j.db.Iterate(journalEntryPrefix, func(key, value []byte) error {
		seq := binary.BigEndian.Uint64(key[len(journalEntryPrefix):])
		if seq <= cursor {
			return nil
		}
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			return stop
		}
		return nil
	})
	if err != nil && !errors.Is(err, stop) {
		return nil, err
	}
	return out, nil
}

// Verify walks the whole journal and checks every link of the hash chain.
func (j *Journal) Verify() error {
	prev := ""
	var expected uint64 = 1
	return j.db.Iterate(journalEntryPrefix, func(_, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		if rec.Sequence != expected || rec.PrevHash != prev || chainHash(rec) != rec.Hash {
			return fmt.Errorf("%w at sequence %d", ErrJournalCorrupt, rec.Sequence)
		}
		prev = rec.Hash
		expected++
		return nil
	})
}

// Subscribe registers a live listener. Slow listeners drop records rather
// than block writers; they can catch up with Since.
func (j *Journal) Subscribe(buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Record, buffer)
	j.subMu.Lock()
	id := j.nextID
	j.nextID++
	j.subs[id] = ch
	j.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.subMu.Lock()
			delete(j.subs, id)
			j.subMu.Unlock()
			close(ch)
		})
	}
}

func (j *Journal) publish(rec Record) {
	j.subMu.RLock()
	defer j.subMu.RUnlock()
	for _, ch := range j.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

func entryKey(seq uint64) []byte {
	key := make([]byte, len(journalEntryPrefix)+8)
	copy(key, journalEntryPrefix)
	binary.BigEndian.PutUint64(key[len(journalEntryPrefix):], seq)
	return key
}

func chainHash(rec Record) string {
	payload, _ := json.Marshal(rec.Event)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], rec.Sequence)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(rec.Timestamp))

	h := blake3.New(32, nil)
	h.Write([]byte(rec.PrevHash))
	h.Write(seq[:])
	h.Write(ts[:])
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
