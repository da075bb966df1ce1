package service

import (
	"github.com/fansqz/go-dsf/concurrent"
	"github.com/fansqz/go-dsf/datamodel"
)

// EntityData 被调试对象的属性
type EntityData struct {
	Name string
	ID   string
	// Cores 线程所在的cpu核心
	Cores []int
	// ExitCode 进程或者线程已经退出时的退出码
	ExitCode *int
	// 以下字段只对栈帧有效
	Function string
	File     string
	Line     int
	Address  string
}

// QueryService 被调试程序的查询服务
// 所有方法都是异步的，结果通过rm返回。会话关闭过程中可能以ErrServiceUnavailable失败。
type QueryService interface {
	// ListChildren 获取子对象，parent为nil时返回所有进程
	ListChildren(parent *datamodel.Context, rm *concurrent.DataRequestMonitor[[]*datamodel.Context])
	// GetData 获取对象的属性
	GetData(ctx *datamodel.Context, rm *concurrent.DataRequestMonitor[*EntityData])
}

// RunControl 运行状态服务，只能在session执行器中调用
type RunControl interface {
	IsSuspended(ctx *datamodel.Context) bool
	IsStepping(ctx *datamodel.Context) bool
}
