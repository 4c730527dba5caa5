package allocator

import "errors"

var (
	// ErrConfiguration is returned when a capacity menu is missing or invalid,
	// or when consolidation would lose units.
	ErrConfiguration = errors.New("invalid capacity configuration")
	// ErrData is returned when a line item carries an invalid quantity, conversion or priority.
	ErrData = errors.New("invalid line item data")
)
