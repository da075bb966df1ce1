package constants

// RequestType 视图模型消费者的请求类型
type RequestType string

const (
	// ChildrenRequest 获取路径对应节点的子节点
	ChildrenRequest RequestType = "children"
	// PropertiesRequest 获取路径对应节点的属性
	PropertiesRequest RequestType = "properties"
	// PinRequest 固定一个调试对象
	PinRequest   RequestType = "pin"
	UnpinRequest RequestType = "unpin"
	// ExpandStackRequest 显示线程更多的栈帧
	ExpandStackRequest RequestType = "expandStack"
	// RefreshRequest 清空缓存并刷新整个视图
	RefreshRequest RequestType = "refresh"
	// FocusRequest 切换当前线程或者栈帧
	FocusRequest RequestType = "focus"
	// ContinueRequest 恢复线程或者进程的运行
	ContinueRequest RequestType = "continue"
	StepRequest     RequestType = "step"
	SuspendRequest  RequestType = "suspend"
)

// EventType 推送给消费者的事件类型
type EventType string

const (
	DeltaEvent      EventType = "delta"
	TerminatedEvent EventType = "terminated"
)

// 节点属性
const (
	PropName          = "name"
	PropID            = "id"
	PropCores         = "cores"
	PropExitCode      = "exitCode"
	PropPinned        = "pinned"
	PropThreadSummary = "threadSummary"
	PropState         = "state"
	PropFunction      = "function"
	PropFile          = "file"
	PropLine          = "line"
	PropAddress       = "address"
	PropLabel         = "label"
)

// 运行状态
const (
	StateSuspended = "suspended"
	StateRunning   = "running"
	StateStepping  = "stepping"
	StateExited    = "exited"
)

// 首选项
const (
	// PrefHideRunningThreads 隐藏正在运行的线程
	PrefHideRunningThreads = "hideRunningThreads"
	// PrefStackFrameLimitEnable 是否限制显示的栈帧数量
	PrefStackFrameLimitEnable = "stackFrameLimitEnable"
	PrefStackFrameLimit       = "stackFrameLimit"
	PrefSteppingTimeout       = "steppingTimeout"
)
