package error

import "errors"

var (
	// ErrRejectedExecution session执行器已经关闭，任务无法再提交
	ErrRejectedExecution  = errors.New("rejected execution")
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrInvalidHandle 需要的服务或者上下文无法解析
	ErrInvalidHandle       = errors.New("invalid handle")
	ErrNotSupported        = errors.New("not supported")
	ErrCanceled            = errors.New("request canceled")
	ErrSessionShutdown     = errors.New("session is shut down")
	ErrRequestTimeout      = errors.New("request time out")
	ErrUnknownElement      = errors.New("unknown element")
	ErrMonitorCompleted    = errors.New("request monitor already completed")
	ErrDoneCountAlreadySet = errors.New("done count already set")
)
