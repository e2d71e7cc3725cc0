package service

import (
	"wrap-studio/app/config"
	"wrap-studio/app/guard"
	"wrap-studio/app/logger"
	"wrap-studio/app/provider"
	"wrap-studio/app/storage"

	"gorm.io/gorm"
)

// Pipeline 生成任务链路上的全部服务
type Pipeline struct {
	Tasks     *TaskStore
	Credits   *CreditService
	Refunds   *RefundService
	Intake    *IntakeService
	Processor *Processor
	Worker    *ClaimService
	Sweeper   *SweeperService
}

// NewPipeline 组装服务；generator、assets、store 由调用方按配置创建，测试中可替换
func NewPipeline(cfg *config.Config, db *gorm.DB, log *logger.Logger, g *guard.Guard,
	generator provider.Generator, assets AssetSource, store storage.ObjectStore) *Pipeline {
	tasks := NewTaskStore(db, log)
	credits := NewCreditService(db, log)
	refunds := NewRefundService(db, log, tasks, credits)
	processor := NewProcessor(cfg, db, log, tasks, refunds, generator, assets, store)

	return &Pipeline{
		Tasks:     tasks,
		Credits:   credits,
		Refunds:   refunds,
		Intake:    NewIntakeService(cfg, db, log, g, tasks, credits),
		Processor: processor,
		Worker:    NewClaimService(cfg.Worker, db, log, tasks, processor, refunds),
		Sweeper:   NewSweeperService(cfg.Sweeper, db, log, tasks, refunds),
	}
}

// ApplyConfig 热更新可调参数
func (p *Pipeline) ApplyConfig(cfg *config.Config) {
	p.Worker.UpdateSettings(cfg.Worker)
	p.Sweeper.UpdateSettings(cfg.Sweeper)
}
