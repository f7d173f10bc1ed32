package chat

import "errors"

// 错误分类。校验类错误在任何存储交互之前返回，不产生部分状态；
// 存储读写的瞬时错误原样向上传递，由调用方呈现，核心不重试。
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotFound         = errors.New("not found")
	ErrNotAuthorized    = errors.New("not authorized")
	ErrInvalidArgument  = errors.New("invalid argument")
)
