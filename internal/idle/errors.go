package idle

import (
	"errors"
	"fmt"
)

// ErrInvalidConfiguration rejects a configuration update; the previous
// configuration stays in effect.
var ErrInvalidConfiguration = errors.New("invalid idle configuration")

// ErrRuntimeSink is wrapped by every RuntimeError.
var ErrRuntimeSink = errors.New("runtime sink error")

// Operations reported in RuntimeError.Op.
const (
	OpQueryAvatar     = "query avatar"
	OpApplyExpression = "apply expression"
	OpMoveAttention   = "move attention"
	OpToggleAttention = "toggle attention"
)

// RuntimeError is a failure talking to the avatar or the attention target
// during autonomous operation. It is reported to OnError handlers and never
// stops the timers.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("idle: %s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() []error {
	return []error{ErrRuntimeSink, e.Err}
}
