package exception

import "errors"

var (
	ErrSlotConflict            = errors.New("order: slot already occupied")
	ErrOrderNotTracked         = errors.New("order: not tracked")
	ErrOrderNotFound           = errors.New("order: not found")
	ErrOrderInvalidRequest     = errors.New("order: invalid request")
	ErrOrderRejected           = errors.New("order: rejected")
	ErrOrderOrphaned           = errors.New("order: cancelled but replacement not placed")
	ErrAdapterFailure          = errors.New("order: adapter call failed")
	ErrReconciliationAmbiguous = errors.New("order: cannot tell fill from cancel")
)

var (
	ErrPositionStillOpen = errors.New("position: still open after close")
	ErrPairUnresolved    = errors.New("position: leg pair unresolved")
)
