package session

import (
	"errors"
	"fmt"
)

// ErrInvalidTransactionReference 电表数据无法归属到任何会话
var ErrInvalidTransactionReference = errors.New("meter values carry no valid transaction reference")

// ValidationError 入站消息不完整或非法，消息被整体拒绝
type ValidationError struct {
	Field  string
	Reason string
}

// Error 实现error接口
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError 创建校验错误
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// StateConflictError 操作与当前会话/连接器状态冲突
type StateConflictError struct {
	Entity string
	Reason string
}

// Error 实现error接口
func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict on %s: %s", e.Entity, e.Reason)
}

// NewStateConflictError 创建状态冲突错误
func NewStateConflictError(entity, reason string) *StateConflictError {
	return &StateConflictError{Entity: entity, Reason: reason}
}

// AuthorizationError 停止会话的替代身份未获授权
// 携带双方身份用于审计
type AuthorizationError struct {
	StationID string
	TagID     string
	OwnerTag  string
}

// Error 实现error接口
func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("tag %s is not authorized to stop the session owned by tag %s on station %s",
		e.TagID, e.OwnerTag, e.StationID)
}

// CollaboratorError 外部协作方（授权/存储/计价/通知）调用失败
// 已提交的局部副作用不回滚，连接器释放设计为幂等可重复
type CollaboratorError struct {
	Collaborator string
	Err          error
}

// Error 实现error接口
func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s collaborator failed: %v", e.Collaborator, e.Err)
}

// Unwrap 支持errors.Is/As
func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// WrapCollaborator 包装协作方错误
func WrapCollaborator(name string, err error) *CollaboratorError {
	return &CollaboratorError{Collaborator: name, Err: err}
}

// IsValidation 判断是否为校验错误
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStateConflict 判断是否为状态冲突错误
func IsStateConflict(err error) bool {
	var se *StateConflictError
	return errors.As(err, &se)
}

// IsAuthorization 判断是否为授权错误
func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}
