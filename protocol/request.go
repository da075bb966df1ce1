package protocol

import "github.com/fansqz/go-dsf/constants"

// Path 元素路径，由元素的key组成，不包含根元素。空路径表示根元素

// ChildrenRequest 获取子元素
type ChildrenRequest struct {
	Type constants.RequestType `json:"type"`
	// 请求序列号
	Sequence uint     `json:"sequence"`
	Path     []string `json:"path"`
}

// PropertiesRequest 获取元素属性
type PropertiesRequest struct {
	Type constants.RequestType `json:"type"`
	// 请求序列号
	Sequence   uint     `json:"sequence"`
	Path       []string `json:"path"`
	Properties []string `json:"properties"`
}

// PinRequest 固定一个调试对象
type PinRequest struct {
	Type constants.RequestType `json:"type"`
	// 请求序列号
	Sequence uint     `json:"sequence"`
	Path     []string `json:"path"`
}

// UnpinRequest 取消固定
type UnpinRequest struct {
	Type constants.RequestType `json:"type"`
	// 请求序列号
	Sequence uint     `json:"sequence"`
	Path     []string `json:"path"`
}

// ExpandStackRequest 显示线程更多的栈帧，path为线程或者占位元素
type ExpandStackRequest struct {
	Type constants.RequestType `json:"type"`
	// 请求序列号
	Sequence uint     `json:"sequence"`
	Path     []string `json:"path"`
}

// RefreshRequest 清空缓存并刷新
type RefreshRequest struct {
	Type constants.RequestType `json:"type"`
	// 请求序列号
	Sequence uint `json:"sequence"`
}

// FocusRequest 切换当前线程或者栈帧
type FocusRequest struct {
	Type constants.RequestType `json:"type"`
	// 请求序列号
	Sequence uint     `json:"sequence"`
	Path     []string `json:"path"`
}

// ContinueRequest continue
type ContinueRequest struct {
	Type constants.RequestType `json:"type"`
	// 请求序列号
	Sequence uint     `json:"sequence"`
	Path     []string `json:"path"`
}

// StepRequest next
type StepRequest struct {
	Type constants.RequestType `json:"type"`
	// 请求序列号
	Sequence uint     `json:"sequence"`
	Path     []string `json:"path"`
}

// SuspendRequest 暂停线程或者进程
type SuspendRequest struct {
	Type constants.RequestType `json:"type"`
	// 请求序列号
	Sequence uint     `json:"sequence"`
	Path     []string `json:"path"`
}
