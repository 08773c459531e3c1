package bill

import "errors"

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrComboNotActive    = errors.New("combo not active")
	ErrComboNotFound     = errors.New("combo instance not found")
	ErrInvalidCombo      = errors.New("invalid combo definition")
	ErrLineNotFound      = errors.New("cart line not found")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	// ErrLineConsumed rejects shrinking or removing a line below the units
	// that open combo slots hold.
	ErrLineConsumed = errors.New("cart line is held by a combo")
)
