package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"cowlend/crypto"
	"cowlend/gateway/middleware"
	"cowlend/native/orders"
	"cowlend/services/cowd/store"
)

var errBadRequest = errors.New("bad request")

// Intent is the JSON view of a book entry.
type Intent struct {
	ID        string      `json:"id"`
	Seq       uint64      `json:"seq"`
	Status    string      `json:"status"`
	Order     orders.Wire `json:"order"`
	BatchID   string      `json:"batchId,omitempty"`
	LoanID    string      `json:"loanId,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Batch is the JSON view of a settlement attempt.
type Batch struct {
	ID        string    `json:"id"`
	Digest    string    `json:"digest"`
	Pairs     int       `json:"pairs"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type errorBody struct {
	Error string `json:"error"`
}

func toIntent(rec store.Intent) Intent {
	out := Intent{
		ID:     rec.ID.String(),
		Seq:    rec.Seq,
		Status: string(rec.Status),
		Order: orders.Wire{
			Maker:      rec.Maker,
			Side:       rec.Side,
			Principal:  rec.Principal,
			Collateral: rec.Collateral,
			RateBips:   rec.RateBips,
			Maturity:   rec.Maturity,
			Expiry:     rec.Expiry,
			Nonce:      rec.Nonce,
			Signature:  rec.Signature,
		},
		LoanID:    rec.LoanID,
		Reason:    rec.Reason,
		CreatedAt: rec.CreatedAt.UTC(),
	}
	if rec.BatchID != nil {
		out.BatchID = rec.BatchID.String()
	}
	return out
}

func (s *Server) submitIntent(w http.ResponseWriter, r *http.Request) {
	var wire orders.Wire
	dec := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	if err := dec.Decode(&wire); err != nil {
		s.writeError(w, "submit_intent", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	signed, err := orders.FromWire(wire)
	if err != nil {
		s.writeError(w, "submit_intent", fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := orders.CheckTerms(signed.Order, uint64(s.now().Unix())); err != nil {
		s.writeError(w, "submit_intent", err)
		return
	}
	if _, err := s.validator.Validate(signed.Order, signed.Signature); err != nil {
		s.writeError(w, "submit_intent", err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if s.deps.Nonces != nil {
		used, err := s.deps.Nonces.NonceUsed(ctx, signed.Order.Maker, signed.Order.Nonce.String())
		if err != nil {
			s.logger.Warn("nonce lookup failed", slog.Any("error", err))
		} else if used {
			s.writeError(w, "submit_intent", orders.ErrNonceAlreadyUsed)
			return
		}
	}
	rec, err := s.deps.Store.Add(ctx, signed)
	if err != nil {
		s.writeError(w, "submit_intent", err)
		return
	}
	writeJSON(w, http.StatusCreated, toIntent(*rec))
}

func (s *Server) listIntents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{Status: store.IntentStatus(strings.ToUpper(strings.TrimSpace(q.Get("status"))))}
	if raw := strings.TrimSpace(q.Get("maker")); raw != "" {
		maker, err := crypto.ParseAddress(raw)
		if err != nil {
			s.writeError(w, "list_intents", fmt.Errorf("%w: maker must be an address", errBadRequest))
			return
		}
		filter.Maker = maker.String()
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, "list_intents", fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		filter.Limit = limit
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	recs, err := s.deps.Store.List(ctx, filter)
	if err != nil {
		s.writeError(w, "list_intents", err)
		return
	}
	out := make([]Intent, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toIntent(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getIntent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, "get_intent", fmt.Errorf("%w: malformed intent id", errBadRequest))
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	rec, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		s.writeError(w, "get_intent", err)
		return
	}
	writeJSON(w, http.StatusOK, toIntent(*rec))
}

func (s *Server) cancelIntent(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "caller identity required"})
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, "cancel_intent", fmt.Errorf("%w: malformed intent id", errBadRequest))
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.deps.Store.Cancel(ctx, id, caller); err != nil {
		s.writeError(w, "cancel_intent", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, "list_batches", fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = n
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	recs, err := s.deps.Store.Batches(ctx, limit)
	if err != nil {
		s.writeError(w, "list_batches", err)
		return
	}
	out := make([]Batch, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Batch{
			ID:        rec.ID.String(),
			Digest:    rec.Digest,
			Pairs:     rec.Pairs,
			Status:    string(rec.Status),
			Error:     rec.Error,
			CreatedAt: rec.CreatedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// runRound triggers a matching round outside the regular schedule.
func (s *Server) runRound(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Runner.RunOnce(r.Context())
	if err != nil {
		s.writeError(w, "run_round", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, orders.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrInvalidSignature):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateIntent), errors.Is(err, store.ErrNotOpen),
		errors.Is(err, orders.ErrNonceAlreadyUsed), errors.Is(err, orders.ErrOrderExpired):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("op", op), slog.Any("error", err))
		message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}
