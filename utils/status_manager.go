package utils

import "sync"

const (
	// Init session创建，尚未开始处理任务
	Init = "init"
	// Active session正在运行
	Active = "active"
	// ShuttingDown session正在关闭，执行器不再接收新的任务，但会执行完已排队的任务
	ShuttingDown = "shuttingDown"
	// Finish session已经结束
	Finish = "finish"
)

// StatusManager 记录session的生命周期状态
type StatusManager struct {
	lock   sync.RWMutex
	status string
}

func NewStatusManager() *StatusManager {
	return &StatusManager{
		status: Init,
	}
}

func (s *StatusManager) Set(status string) {
	defer s.lock.Unlock()
	s.lock.Lock()
	s.status = status
}

// CompareAndSet 当前状态为from时切换到to，返回是否切换成功
func (s *StatusManager) CompareAndSet(from string, to string) bool {
	defer s.lock.Unlock()
	s.lock.Lock()
	if s.status != from {
		return false
	}
	s.status = to
	return true
}

func (s *StatusManager) Get() string {
	defer s.lock.RUnlock()
	s.lock.RLock()
	return s.status
}

func (s *StatusManager) Is(statusList ...string) bool {
	defer s.lock.RUnlock()
	s.lock.RLock()
	for _, status := range statusList {
		if s.status == status {
			return true
		}
	}
	return false
}
