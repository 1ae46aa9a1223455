package common

import "errors"

// ErrInsufficientBalance is returned by asset ledgers when a debit exceeds the
// available balance.
var ErrInsufficientBalance = errors.New("insufficient balance")
