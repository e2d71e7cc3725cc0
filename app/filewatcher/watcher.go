package filewatcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"wrap-studio/app/guard"
	"wrap-studio/app/logger"

	"github.com/fsnotify/fsnotify"
)

// 编辑器保存时常产生多次写事件，合并后只重载一次
const reloadDebounce = 200 * time.Millisecond

// RulesWatcher 监控提示词规则文件，变化时重新编译并替换 Guard 的规则
type RulesWatcher struct {
	path      string
	maxLength int
	guard     *guard.Guard
	watcher   *fsnotify.Watcher
	logger    *logger.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
	watching  bool
	mu        sync.Mutex
}

// NewRulesWatcher 创建规则文件监控器
func NewRulesWatcher(path string, maxLength int, g *guard.Guard, log *logger.Logger) (*RulesWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析规则文件路径失败: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	return &RulesWatcher{
		path:      abs,
		maxLength: maxLength,
		guard:     g,
		watcher:   watcher,
		logger:    log,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start 启动监控。监控所在目录而不是文件本身，保存时替换文件也能收到事件
func (rw *RulesWatcher) Start() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.watching {
		return fmt.Errorf("规则文件监控器已经在运行")
	}

	if _, err := os.Stat(rw.path); err != nil {
		return fmt.Errorf("规则文件不存在: %w", err)
	}

	if err := rw.watcher.Add(filepath.Dir(rw.path)); err != nil {
		return fmt.Errorf("添加监控目录失败: %w", err)
	}

	rw.watching = true
	rw.wg.Add(1)
	go rw.watchLoop()

	rw.logger.Infof("规则文件监控器已启动: %s", rw.path)
	return nil
}

// Stop 停止监控
func (rw *RulesWatcher) Stop() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if !rw.watching {
		return rw.watcher.Close()
	}

	close(rw.stopCh)
	err := rw.watcher.Close()
	rw.wg.Wait()
	rw.watching = false

	rw.logger.Info("规则文件监控器已停止")
	return err
}

// watchLoop 监控事件循环
func (rw *RulesWatcher) watchLoop() {
	defer rw.wg.Done()

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if !rw.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			rw.reload()

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Errorf("规则文件监控器错误: %v", err)

		case <-rw.stopCh:
			return
		}
	}
}

// relevant 只关心规则文件本身的写入、创建和改名
func (rw *RulesWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != rw.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

// reload 重新加载规则；失败时保留旧规则
func (rw *RulesWatcher) reload() {
	set, err := guard.LoadRules(rw.path)
	if err != nil {
		rw.logger.Errorf("重新加载提示词规则失败，保留旧规则: %v", err)
		return
	}
	if err := rw.guard.Reload(set, rw.maxLength); err != nil {
		rw.logger.Errorf("编译提示词规则失败，保留旧规则: %v", err)
		return
	}
	rw.logger.Infof("🔄 提示词规则已重新加载: %d 条", rw.guard.RuleCount())
}
