package homie

import "errors"

var (
	// ErrInvalidID is returned when a device, node or property id does not
	// follow the Homie topic id rules.
	ErrInvalidID = errors.New("invalid homie id")

	// ErrDuplicateID is returned when a node or property id is already in use
	// by a sibling.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrOutOfRange is returned for numbers outside a declared range and for
	// color components outside their fixed bounds.
	ErrOutOfRange = errors.New("value out of range")

	// ErrUnknownEnumValue is returned when a value is not a member of an enum.
	ErrUnknownEnumValue = errors.New("unknown enum value")

	// ErrParse is returned when a wire payload cannot be decoded.
	ErrParse = errors.New("malformed payload")

	// ErrIllegalState is returned for calls that are not valid in the current
	// state, such as connecting twice.
	ErrIllegalState = errors.New("illegal state")
)
