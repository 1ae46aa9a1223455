package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cowlend/native/lending"
	"cowlend/services/lending/api"
)

func (s *Server) listPauses(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pauses == nil {
		s.writeError(w, r, "list_pauses", errNotConfigured)
		return
	}
	writeJSON(w, http.StatusOK, api.Pauses{Paused: s.deps.Pauses.Paused()})
}

func (s *Server) setPause(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pauses == nil {
		s.writeError(w, r, "set_pause", errNotConfigured)
		return
	}
	var req api.PauseRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, "set_pause", err)
		return
	}
	module := strings.TrimSpace(req.Module)
	if module == "" {
		s.writeError(w, r, "set_pause", fmt.Errorf("%w: module required", errBadRequest))
		return
	}
	s.deps.Pauses.Set(module, req.Paused)
	s.logger.Info("module pause updated", slog.String("module", module), slog.Bool("paused", req.Paused))
	writeJSON(w, http.StatusOK, api.Pauses{Paused: s.deps.Pauses.Paused()})
}

// mint credits a balance through the ledger writer. Used to fund accounts on
// test deployments.
func (s *Server) mint(w http.ResponseWriter, r *http.Request) {
	var req api.MintRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, "mint", err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		s.writeError(w, r, "mint", err)
		return
	}
	amount, err := parseAmount("amount", req.Amount, false)
	if err != nil {
		s.writeError(w, r, "mint", err)
		return
	}
	asset := strings.ToUpper(strings.TrimSpace(req.Asset))
	if asset == "" {
		s.writeError(w, r, "mint", fmt.Errorf("%w: asset required", errBadRequest))
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	err = s.deps.Ledger.Execute(ctx, func(op *lending.Op) error {
		return s.deps.Bank.Credit(op.Tx(), asset, to, amount)
	})
	if err != nil {
		s.writeError(w, r, "mint", err)
		return
	}
	s.logger.Info("balance minted", slog.String("asset", asset), slog.String("to", to.String()), slog.String("amount", amount.String()))
	writeJSON(w, http.StatusOK, api.MintRequest{Asset: asset, To: to.String(), Amount: amount.String()})
}

func (s *Server) listOperators(w http.ResponseWriter, r *http.Request) {
	if s.deps.Operators == nil {
		s.writeError(w, r, "list_operators", errNotConfigured)
		return
	}
	writeJSON(w, http.StatusOK, s.operators())
}

func (s *Server) operators() api.Operators {
	members := s.deps.Operators.Members()
	out := api.Operators{Members: make([]string, 0, len(members))}
	for _, member := range members {
		out.Members = append(out.Members, member.String())
	}
	return out
}

func (s *Server) setOperator(w http.ResponseWriter, r *http.Request) {
	if s.deps.Operators == nil {
		s.writeError(w, r, "set_operator", errNotConfigured)
		return
	}
	var req api.OperatorRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, "set_operator", err)
		return
	}
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		s.writeError(w, r, "set_operator", err)
		return
	}
	if req.Authorized {
		err = s.deps.Operators.Add(addr)
	} else {
		err = s.deps.Operators.Remove(addr)
	}
	if err != nil {
		s.writeError(w, r, "set_operator", err)
		return
	}
	s.logger.Info("operator set updated", slog.String("operator", addr.String()), slog.Bool("authorized", req.Authorized))
	writeJSON(w, http.StatusOK, s.operators())
}

// setPrice records a price without a signed report.
func (s *Server) setPrice(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feed == nil {
		s.writeError(w, r, "set_price", errNotConfigured)
		return
	}
	var req api.ManualPriceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, "set_price", err)
		return
	}
	value, err := parseAmount("value", req.Value, false)
	if err != nil {
		s.writeError(w, r, "set_price", err)
		return
	}
	ts := time.Now()
	if req.Timestamp > 0 {
		ts = time.Unix(req.Timestamp, 0)
	}
	if err := s.deps.Feed.Set(value, ts); err != nil {
		s.writeError(w, r, "set_price", err)
		return
	}
	writeJSON(w, http.StatusOK, api.Price{Pair: s.deps.Feed.Pair(), Value: value.String(), UpdatedAt: ts.Unix(), Source: "manual"})
}
