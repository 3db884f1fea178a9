package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAction 未知行为编码：不可重试，事件直接丢弃
	ErrInvalidAction = errors.New("未知的行为类型")
	// ErrInvalidEvent 事件缺少必要字段（如 userId）：不可重试
	ErrInvalidEvent = errors.New("事件字段不合法")
	// ErrMalformedReversal 撤销事件缺少对象或撤销关系：不可重试
	ErrMalformedReversal = errors.New("无法关联的撤销事件")
	// ErrStoreUnavailable 存储调用失败：可重试，由调用方重新投递
	ErrStoreUnavailable = errors.New("积分存储不可用")
)

// StoreError 包装一次失败的存储调用
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

func storeErr(op, key string, err error) error {
	return &StoreError{Op: op, Key: key, Err: err}
}

// IsRetryable 调用方据此决定重新投递还是确认丢弃
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
