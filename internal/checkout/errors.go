package checkout

import "errors"

var (
	ErrNoActiveSession   = errors.New("no active checkout session")
	ErrIllegalTransition = errors.New("illegal transition of checkout state")
	ErrOutOfStock        = errors.New("product is out of stock")
)
