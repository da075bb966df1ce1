package preference

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fansqz/go-dsf/constants"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultStackFrameLimit = 10
	DefaultSteppingTimeout = 500 * time.Millisecond
)

// Preferences 视图模型的首选项
type Preferences struct {
	HideRunningThreads    bool          `yaml:"hideRunningThreads"`
	StackFrameLimitEnable bool          `yaml:"stackFrameLimitEnable"`
	StackFrameLimit       int           `yaml:"stackFrameLimit"`
	SteppingTimeout       time.Duration `yaml:"steppingTimeout"`
}

func DefaultPreferences() Preferences {
	return Preferences{
		HideRunningThreads:    false,
		StackFrameLimitEnable: true,
		StackFrameLimit:       DefaultStackFrameLimit,
		SteppingTimeout:       DefaultSteppingTimeout,
	}
}

// changedKeys 返回两份首选项中不同的key
func changedKeys(old Preferences, current Preferences) []string {
	var keys []string
	if old.HideRunningThreads != current.HideRunningThreads {
		keys = append(keys, constants.PrefHideRunningThreads)
	}
	if old.StackFrameLimitEnable != current.StackFrameLimitEnable {
		keys = append(keys, constants.PrefStackFrameLimitEnable)
	}
	if old.StackFrameLimit != current.StackFrameLimit {
		keys = append(keys, constants.PrefStackFrameLimit)
	}
	if old.SteppingTimeout != current.SteppingTimeout {
		keys = append(keys, constants.PrefSteppingTimeout)
	}
	return keys
}

// Listener 首选项变化回调
type Listener func(key string)

// Store 首选项存储
// path为空时只保存在内存中
type Store struct {
	path string

	lock      sync.RWMutex
	values    Preferences
	listeners map[int]Listener
	nextID    int
}

// NewStore 创建使用默认值的内存存储
func NewStore() *Store {
	return &Store{
		values:    DefaultPreferences(),
		listeners: make(map[int]Listener),
	}
}

// Load 从yaml文件加载首选项，文件不存在时使用默认值
func Load(path string) (*Store, error) {
	store := NewStore()
	store.path = path
	values, err := readFile(path)
	if err != nil {
		return nil, err
	}
	store.values = values
	return store, nil
}

func readFile(path string) (Preferences, error) {
	values := DefaultPreferences()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return values, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return values, fmt.Errorf("failed to read preference file: %w", err)
	}
	if err = yaml.Unmarshal(data, &values); err != nil {
		return values, fmt.Errorf("failed to parse preference file: %w", err)
	}
	if values.StackFrameLimit <= 0 {
		values.StackFrameLimit = DefaultStackFrameLimit
	}
	if values.SteppingTimeout <= 0 {
		values.SteppingTimeout = DefaultSteppingTimeout
	}
	return values, nil
}

// Save 把首选项写回文件
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create preference directory: %w", err)
	}
	data, err := yaml.Marshal(s.Values())
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}
	if err = os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write preference file: %w", err)
	}
	return nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Values() Preferences {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.values
}

func (s *Store) HideRunningThreads() bool {
	return s.Values().HideRunningThreads
}

// StackFrameLimit 返回栈帧数量限制，未开启限制时返回0
func (s *Store) StackFrameLimit() int {
	values := s.Values()
	if !values.StackFrameLimitEnable {
		return 0
	}
	return values.StackFrameLimit
}

func (s *Store) SteppingTimeout() time.Duration {
	return s.Values().SteppingTimeout
}

func (s *Store) SetHideRunningThreads(hide bool) {
	s.update(func(values *Preferences) { values.HideRunningThreads = hide })
}

func (s *Store) SetStackFrameLimit(limit int) {
	if limit <= 0 {
		limit = DefaultStackFrameLimit
	}
	s.update(func(values *Preferences) { values.StackFrameLimit = limit })
}

func (s *Store) SetStackFrameLimitEnable(enable bool) {
	s.update(func(values *Preferences) { values.StackFrameLimitEnable = enable })
}

// Set 替换所有首选项，对每个变化的key通知一次
func (s *Store) Set(values Preferences) {
	s.update(func(current *Preferences) { *current = values })
}

func (s *Store) update(fn func(values *Preferences)) {
	s.lock.Lock()
	old := s.values
	fn(&s.values)
	keys := changedKeys(old, s.values)
	listeners := make([]Listener, 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.lock.Unlock()

	for _, key := range keys {
		logrus.Infof("[Preference] %s changed", key)
		for _, listener := range listeners {
			listener(key)
		}
	}
}

// AddListener 注册变化回调，返回取消注册的函数
func (s *Store) AddListener(listener Listener) func() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener
	return func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		delete(s.listeners, id)
	}
}

// Reload 重新读取文件，并通知变化的key
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	values, err := readFile(s.path)
	if err != nil {
		return err
	}
	s.Set(values)
	return nil
}

// Watch 监听首选项文件的变化并重新加载，直到ctx结束
// 监听的是文件所在的目录，这样编辑器以替换文件的方式保存时也能收到通知
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	dir := filepath.Dir(s.path)
	if err = watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err = s.Reload(); err != nil {
				logrus.Errorf("[Preference] reload %s fail, err = %v", s.path, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.Errorf("[Preference] watch %s fail, err = %v", s.path, err)
		}
	}
}
