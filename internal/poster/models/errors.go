package models

import "errors"

var (
	// ErrNotFound 未知的草稿或审核条目 ID
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition 违反状态机
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrConflict 草稿已存在发布记录
	ErrConflict = errors.New("post record already exists")
	// ErrAlreadyResolved 审核条目已处理
	ErrAlreadyResolved = errors.New("review entry already resolved")
)
