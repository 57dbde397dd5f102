package broker

import (
	"errors"
	"fmt"
)

// 错误码
const (
	ErrCodeConnection      = "CONNECTION"
	ErrCodeDeliveryTimeout = "DELIVERY_TIMEOUT"
	ErrCodeHandlerFailure  = "HANDLER_FAILURE"
	ErrCodeConfiguration   = "CONFIGURATION"
	ErrCodeInvalidTopic    = "INVALID_TOPIC"
	ErrCodeInvalidPattern  = "INVALID_PATTERN"
	ErrCodeTopicNotFound   = "TOPIC_NOT_FOUND"
)

var (
	ErrNotConnected      = &Error{Code: ErrCodeConnection, Message: "broker is not connected"}
	ErrDeliveryTimeout   = &Error{Code: ErrCodeDeliveryTimeout, Message: "handler exceeded its timeout"}
	ErrHandlerPanic      = &Error{Code: ErrCodeHandlerFailure, Message: "handler panicked"}
	ErrUnknownBrokerType = &Error{Code: ErrCodeConfiguration, Message: "unknown broker type"}
	ErrInvalidTopic      = &Error{Code: ErrCodeInvalidTopic, Message: "invalid topic"}
	ErrInvalidPattern    = &Error{Code: ErrCodeInvalidPattern, Message: "invalid topic pattern"}
	ErrTopicNotFound     = &Error{Code: ErrCodeTopicNotFound, Message: "topic not found"}
)

// Error 分类错误，Code 用于判断类别
type Error struct {
	Code    string
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Code + ": " + e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 同 Code 的错误视为同一类
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newError(code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code, op string, cause error) *Error {
	var e *Error
	if errors.As(cause, &e) {
		return &Error{Code: code, Op: op, Message: e.Message, Err: e.Err}
	}
	return &Error{Code: code, Op: op, Message: cause.Error()}
}

func hasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsConnectionError 是否为未连接/连接失败类错误
func IsConnectionError(err error) bool {
	return hasCode(err, ErrCodeConnection)
}

// IsConfigurationError 是否为配置错误
func IsConfigurationError(err error) bool {
	return hasCode(err, ErrCodeConfiguration)
}

// IsTimeout 是否为投递超时
func IsTimeout(err error) bool {
	return hasCode(err, ErrCodeDeliveryTimeout)
}
