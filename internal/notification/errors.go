package notification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
)

var (
	ErrCooldown     = errors.New("notification: cooldown active")
	ErrNoRecipients = errors.New("notification: no recipients configured")
	ErrClosed       = errors.New("notification: dispatcher closed")
)

// TransportError wraps a delivery failure with its retry classification
type TransportError struct {
	Op        string
	Code      int
	Temporary bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s failed (%d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth another delivery attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Temporary
	}
	return classifyTemporary(err)
}

// classify tags err with the protocol step it came from.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	out := &TransportError{Op: op, Err: err, Temporary: classifyTemporary(err)}
	var tpe *textproto.Error
	if errors.As(err, &tpe) {
		out.Code = tpe.Code
	}
	return out
}

func classifyTemporary(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var tpe *textproto.Error
	if errors.As(err, &tpe) {
		// 4xx replies are transient, 5xx are permanent
		return tpe.Code >= 400 && tpe.Code < 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
