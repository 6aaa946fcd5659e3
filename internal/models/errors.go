package models

import (
	"errors"
	"fmt"
)

var (
	ErrDataConversion       = errors.New("data conversion failed")
	ErrInvalidPositionState = errors.New("invalid position state")
	ErrInvalidSignal        = errors.New("invalid signal")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrOrderRejected        = errors.New("order rejected")
)

// GatewayError wraps a failed exchange round-trip. It is never retried inline;
// the tick loop logs it and waits for the next cycle.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError returns nil when err is nil.
func NewGatewayError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return err
	}
	return &GatewayError{Op: op, Err: err}
}

// IsGatewayError reports whether err came from an exchange call.
func IsGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}

// Error 定义了交易所API返回的错误信息结构
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 Error 实现了 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}
