package webhooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cowlend/core/events"
	"cowlend/core/types"
)

var secret = []byte("secret")

func liquidated(seq uint64) events.Record {
	return events.Record{
		Sequence:  seq,
		Timestamp: 1_700_000_000,
		Event: types.Event{
			Type:       events.TypeLoanLiquidated,
			Attributes: map[string]string{"loanId": "0x01", "proceeds": "1480"},
		},
	}
}

func TestDispatcherSignsPayload(t *testing.T) {
	var (
		mu       sync.Mutex
		body     []byte
		sig, typ string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		mu.Lock()
		body, sig, typ = raw, r.Header.Get(HeaderSignature), r.Header.Get(HeaderEvent)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	dispatcher, err := NewDispatcher(server.URL, secret)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if err := dispatcher.Notify(liquidated(3)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sig != ""
	}, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if !Verify(secret, body, sig) {
		t.Fatalf("signature %q does not verify", sig)
	}
	if typ != events.TypeLoanLiquidated {
		t.Fatalf("unexpected event header %q", typ)
	}
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Sequence != 3 || payload.DeliveryID == "" || payload.Attributes["proceeds"] != "1480" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestDispatcherRetries(t *testing.T) {
	attempts := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	dispatcher, err := NewDispatcher(server.URL, secret, WithRetryPolicy(5, time.Millisecond*10, time.Millisecond*20))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if err := dispatcher.Notify(liquidated(1)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(func() bool { return atomic.LoadInt32(&attempts) >= 3 }, time.Second)
	if got := atomic.LoadInt32(&attempts); got < 3 {
		t.Fatalf("expected retries, got %d", got)
	}
}

func TestDispatcherFiltersEventTypes(t *testing.T) {
	hits := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	dispatcher, err := NewDispatcher(server.URL, secret, WithEventTypes(events.TypeLoanLiquidated))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()
	if dispatcher.Wants(events.TypeLoanCreated) {
		t.Fatalf("created events should be filtered")
	}
	created := liquidated(1)
	created.Event.Type = events.TypeLoanCreated
	if err := dispatcher.Notify(created); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := dispatcher.Notify(liquidated(2)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(func() bool { return atomic.LoadInt32(&hits) >= 1 }, time.Second)
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got)
	}
}

func TestNewDispatcherValidation(t *testing.T) {
	if _, err := NewDispatcher(" ", secret); err == nil {
		t.Fatalf("expected endpoint error")
	}
	if _, err := NewDispatcher("http://localhost", nil); err == nil {
		t.Fatalf("expected secret error")
	}
}

func waitFor(cond func() bool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
}
