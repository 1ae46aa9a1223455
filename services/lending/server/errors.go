package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"cowlend/native/amm"
	nativecommon "cowlend/native/common"
	"cowlend/native/lending"
	"cowlend/native/matching"
	"cowlend/native/operators"
	"cowlend/native/oracle"
	"cowlend/native/orders"
	"cowlend/native/settlement"
	"cowlend/services/lending/api"
)

var (
	// errBadRequest marks malformed request bodies and parameters.
	errBadRequest    = errors.New("bad request")
	errNotConfigured = errors.New("component not configured")
)

var kindTable = []struct {
	err  error
	kind lending.Kind
}{
	{errBadRequest, lending.KindValidation},
	{errNotConfigured, lending.KindDependency},
	{orders.ErrInvalidOrder, lending.KindValidation},
	{orders.ErrInvalidSignature, lending.KindAuthorization},
	{orders.ErrNonceAlreadyUsed, lending.KindPrecondition},
	{orders.ErrOrderExpired, lending.KindPrecondition},
	{settlement.ErrEmptyBatch, lending.KindValidation},
	{settlement.ErrPartyMismatch, lending.KindValidation},
	{settlement.ErrTermsOutOfBand, lending.KindValidation},
	{matching.ErrWrongSide, lending.KindValidation},
	{matching.ErrPrincipalMismatch, lending.KindValidation},
	{matching.ErrRateIncompatible, lending.KindValidation},
	{matching.ErrCollateralTooLow, lending.KindValidation},
	{matching.ErrMaturityTooLong, lending.KindValidation},
	{matching.ErrSameMaker, lending.KindValidation},
	{matching.ErrIntentExpired, lending.KindPrecondition},
	{oracle.ErrPairMismatch, lending.KindValidation},
	{oracle.ErrSignerUnknown, lending.KindAuthorization},
	{oracle.ErrSignatureInvalid, lending.KindAuthorization},
	{oracle.ErrReportStale, lending.KindPrecondition},
	{oracle.ErrReportOutOfOrder, lending.KindPrecondition},
	{oracle.ErrDeviationTooLarge, lending.KindPrecondition},
	{amm.ErrUnknownAsset, lending.KindValidation},
	{amm.ErrInvalidAmount, lending.KindValidation},
	{amm.ErrOverflow, lending.KindValidation},
	{amm.ErrNoLiquidity, lending.KindDependency},
	{operators.ErrZeroOperator, lending.KindValidation},
	{nativecommon.ErrQuotaRequestsExceeded, lending.KindPrecondition},
	{nativecommon.ErrQuotaAmountExceeded, lending.KindPrecondition},
}

// classify extends lending.KindOf with the errors of the modules around the
// ledger.
func classify(err error) lending.Kind {
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return lending.KindOf(err)
}

func statusFor(kind lending.Kind) int {
	switch kind {
	case lending.KindValidation:
		return http.StatusBadRequest
	case lending.KindAuthorization:
		return http.StatusForbidden
	case lending.KindNotFound:
		return http.StatusNotFound
	case lending.KindPrecondition:
		return http.StatusConflict
	case lending.KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := classify(err)
	status := statusFor(kind)
	message := err.Error()
	if kind == lending.KindInternal {
		s.logger.Error("request failed",
			slog.String("op", op),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		message = "internal error"
	} else {
		s.logger.Debug("request rejected",
			slog.String("op", op),
			slog.String("kind", kind.String()),
			slog.Any("error", err))
	}
	writeJSON(w, status, api.Error{Error: message, Kind: kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}
