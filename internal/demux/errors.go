package demux

import (
	"errors"
	"fmt"
)

// ErrNoBytesAvailable is returned when a bit reader runs past the end of
// its data. It is the only decode failure that is reported to callers;
// it applies to the NAL unit being decoded, not the whole stream.
var ErrNoBytesAvailable = errors.New("demux: no bytes available")

// ParseError records which field a parser was reading when it failed.
type ParseError struct {
	Component string
	Field     string
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("demux: %s: parse %s: %v", e.Component, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
