package entities

import "errors"

var ErrStoreEntityNotFound = errors.New("store resource not found")
var ErrInvalidAddress = errors.New("invalid account address")
var ErrAmountOverflow = errors.New("token amount does not fit into int64")
