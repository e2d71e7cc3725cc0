package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"wrap-studio/app/config"
	"wrap-studio/app/logger"

	"github.com/robfig/cron/v3"
)

// TickScheduler 进程内定时触发 worker-tick 和 sweeper-tick。
// 默认关闭，生产环境通常由外部定时器调用内部接口
type TickScheduler struct {
	cfg     config.SchedulerConfig
	log     *logger.Logger
	worker  *ClaimService
	sweeper *SweeperService

	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

func NewTickScheduler(cfg config.SchedulerConfig, log *logger.Logger, worker *ClaimService, sweeper *SweeperService) *TickScheduler {
	return &TickScheduler{
		cfg:     cfg,
		log:     log,
		worker:  worker,
		sweeper: sweeper,
	}
}

// Start 注册定时任务并启动；上一轮未结束时跳过本轮
func (s *TickScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if _, err := s.cron.AddFunc(s.cfg.WorkerCron, s.runWorker); err != nil {
		s.cancel()
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.SweeperCron, s.runSweeper); err != nil {
		s.cancel()
		return err
	}

	s.cron.Start()
	s.running = true
	s.log.Infof("定时调度已启动: worker=%s, sweeper=%s", s.cfg.WorkerCron, s.cfg.SweeperCron)
	return nil
}

// Stop 取消正在执行的 tick 并等待其退出
func (s *TickScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.cancel()
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		s.log.Warn("等待定时任务退出超时")
	}

	s.running = false
	s.log.Info("定时调度已停止")
}

func (s *TickScheduler) runWorker() {
	result, err := s.worker.Tick(s.ctx, 0)
	if err != nil {
		if !errors.Is(err, ErrWorkerDisabled) {
			s.log.Errorf("定时 worker-tick 失败: %v", err)
		}
		return
	}
	if result.Claimed > 0 {
		s.log.Infof("定时 worker-tick: claimed=%d, processed=%d, failed=%d, skipped=%d, interrupted=%d",
			result.Claimed, result.Processed, result.Failed, result.Skipped, result.Interrupted)
	}
}

func (s *TickScheduler) runSweeper() {
	result, err := s.sweeper.Tick(s.ctx, 0)
	if err != nil {
		if !errors.Is(err, ErrSweeperDisabled) {
			s.log.Errorf("定时 sweeper-tick 失败: %v", err)
		}
		return
	}
	if result.Claimed > 0 {
		s.log.Infof("定时 sweeper-tick: claimed=%d, refunded=%d", result.Claimed, result.Refunded)
	}
}
