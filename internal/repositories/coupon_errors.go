package repositories

import "errors"

// ErrCouponLimitReached reports that recording a usage entry would push the
// ledger past the coupon's total or per-user cap.
var ErrCouponLimitReached = errors.New("coupon repository: usage limit reached")
