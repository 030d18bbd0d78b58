// Package errorx 定义了对话编排链路上的业务错误类型。
//
// 各层返回具体的错误类型，调用方通过 errors.As 判断类别，
// 由传输层统一映射为 HTTP 状态码、错误码与面向用户的提示语。
package errorx

import (
	"errors"
	"fmt"
)

// ValidationError 表示用户可修正的输入错误。
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Msg
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Msg)
}

// NewValidation 构造一个 ValidationError。
func NewValidation(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// NotFoundError 表示请求的资源不存在。
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// NewNotFound 构造一个 NotFoundError。
func NewNotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// StoreError 表示持久化失败，对当前请求致命，对进程无影响。
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStore 包装一个底层存储错误。err 为 nil 时返回 nil。
func NewStore(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// ProviderKind 是 AI 服务错误的分类。
type ProviderKind int

const (
	ProviderUnknown ProviderKind = iota
	ProviderAuth
	ProviderQuota
	ProviderTransient
)

func (k ProviderKind) String() string {
	switch k {
	case ProviderAuth:
		return "AuthError"
	case ProviderQuota:
		return "QuotaExceeded"
	case ProviderTransient:
		return "Transient"
	default:
		return "Unknown"
	}
}

// ProviderError 是 AI 服务适配器在边界处分类后的错误。
type ProviderError struct {
	Kind       ProviderKind
	Capability string // complete / transcribe / analyze_image
	Status     int    // HTTP 状态码，网络错误时为 0
	Code       string // 服务端返回的错误码
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s failed (%s", e.Capability, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(", status %d", e.Status)
	}
	if e.Code != "" {
		msg += ", code " + e.Code
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TranscriptionError 表示语音无法转写为文本。
type TranscriptionError struct {
	Err error
}

func (e *TranscriptionError) Error() string {
	if e.Err == nil {
		return "transcription failed"
	}
	return "transcription failed: " + e.Err.Error()
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// ProviderKindOf 返回错误链中 ProviderError 的分类。
func ProviderKindOf(err error) (ProviderKind, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return ProviderUnknown, false
}

// IsNotFound 判断错误链中是否包含 NotFoundError。
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation 判断错误链中是否包含 ValidationError。
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
