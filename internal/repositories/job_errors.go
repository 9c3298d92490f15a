package repositories

import "errors"

var (
	// ErrJobNotClaimable indicates the job is no longer pending and cannot be claimed.
	ErrJobNotClaimable = errors.New("job repository: job not claimable")
)
