package txcore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tokenops/walletsender/internal/chain"
)

// BuildError means the transaction could not be constructed at all, e.g. gas
// estimation reverted or the intent is malformed. Retrying an identical build
// would fail identically, so build errors are terminal.
type BuildError struct {
	Stage string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: %v", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

func buildErr(stage string, err error) error {
	return &BuildError{Stage: stage, Err: err}
}

// IsBuildError reports whether err is (or wraps) a BuildError.
func IsBuildError(err error) bool {
	var be *BuildError
	return errors.As(err, &be)
}

// BroadcastError means the signed transaction was rejected or lost on its way
// to the network. The transaction may or may not have reached the mempool.
type BroadcastError struct {
	Err error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast: %v", e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// IsRecoverable reports whether retrying the operation with a fresh nonce and
// fresh gas parameters could plausibly succeed. Build errors and insufficient
// balance are not transient; pretty much everything else is.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if IsBuildError(err) {
		return false
	}
	if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		return false
	}
	return true
}

// IsEndpointOutage reports whether err means the whole endpoint pool was
// swept without an answer.
func IsEndpointOutage(err error) bool {
	return errors.Is(err, chain.ErrAllEndpointsUnavailable)
}
