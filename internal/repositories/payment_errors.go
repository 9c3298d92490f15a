package repositories

import "errors"

// ErrPaymentNotFound marks lookups that matched no payment record.
var ErrPaymentNotFound = errors.New("payment record not found")
