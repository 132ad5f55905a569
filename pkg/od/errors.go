package od

import "errors"

var (
	ErrIdxNotExist  = errors.New("object does not exist in the object dictionary")
	ErrSubNotExist  = errors.New("sub-index does not exist")
	ErrTypeMismatch = errors.New("data type does not match")
	ErrDataShort    = errors.New("data type problem, length too short")
	ErrDataLong     = errors.New("data type problem, length too long")
	ErrDevIncompat  = errors.New("general internal incompatibility in the device")
)
