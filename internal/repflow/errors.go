package repflow

import "errors"

var (
	// ErrNotSupported indicates an operation this block deliberately defers
	// to a higher-level aggregator (e.g. computing data statistics).
	ErrNotSupported = errors.New("repflow: operation not supported on this block")
	// ErrUnknownStatKey indicates an unrecognized mean/stddev accessor key.
	ErrUnknownStatKey = errors.New("repflow: unrecognized statistics key")
	// ErrVersionUnsupported indicates a serialized record newer than this
	// implementation understands.
	ErrVersionUnsupported = errors.New("repflow: record version not supported")
)
