package engine

import (
	"context"
	"errors"

	nativecommon "poolledger/native/common"
	"poolledger/storage"
)

var (
	ErrNotBootstrapped = errors.New("pool service: genesis not applied")
	ErrFaucetDisabled  = nativecommon.NewError(nativecommon.ErrUnauthorized, "pool service: faucet disabled")
	errPauserRequired  = errors.New("pool service: genesis pauses require a pauser role")
)

// Kind is the coarse classification of an operation failure.
type Kind string

const (
	KindNone         Kind = ""
	KindUnauthorized Kind = "unauthorized"
	KindInvalidState Kind = "invalid_state"
	KindOutOfBounds  Kind = "out_of_bounds"
	KindInsufficient Kind = "insufficient"
	KindInvariant    Kind = "invariant"
	KindPaused       Kind = "paused"
	KindNotFound     Kind = "not_found"
	KindCanceled     Kind = "canceled"
	KindInternal     Kind = "internal"
)

// Classify maps err onto its Kind using the engine error categories.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, nativecommon.ErrModulePaused):
		return KindPaused
	case errors.Is(err, nativecommon.ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, nativecommon.ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, nativecommon.ErrOutOfBounds):
		return KindOutOfBounds
	case errors.Is(err, nativecommon.ErrInsufficient):
		return KindInsufficient
	case errors.Is(err, nativecommon.ErrInvariant):
		return KindInvariant
	case errors.Is(err, nativecommon.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}
