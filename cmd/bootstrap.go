package cmd

import (
	"context"
	"time"

	"wrap-studio/app/config"
	"wrap-studio/app/database"
	"wrap-studio/app/guard"
	"wrap-studio/app/logger"
	"wrap-studio/app/observability"
	"wrap-studio/app/provider"
	"wrap-studio/app/service"
	"wrap-studio/app/storage"
)

const maxAssetBytes = 10 << 20

// app 命令共用的运行时依赖
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	guard    *guard.Guard
	pipeline *service.Pipeline
	closers  []func()
}

// bootstrap 按配置创建日志、数据库、提示词规则、生成服务和对象存储
func bootstrap(ctx context.Context) *app {
	cfg := config.Load()

	// 创建日志器
	log := logger.New(cfg.Log)
	a := &app{cfg: cfg, log: log}

	shutdownTracing, err := observability.InitTracing(cfg.Tracing, "wrap-studio")
	if err != nil {
		log.Fatalf("初始化链路追踪失败: %v", err)
	}
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warnf("关闭链路追踪失败: %v", err)
		}
	})

	// 初始化数据库
	if err := database.Init(cfg, log); err != nil {
		log.Fatalf("数据库初始化失败: %v", err)
	}
	a.closers = append(a.closers, func() {
		if err := database.Close(); err != nil {
			log.Errorf("关闭数据库连接失败: %v", err)
		}
	})

	rules, err := guard.LoadRules(cfg.Guard.RulesFile)
	if err != nil {
		log.Fatalf("加载提示词规则失败: %v", err)
	}
	g, err := guard.New(rules, cfg.Guard.MaxPromptLength)
	if err != nil {
		log.Fatalf("编译提示词规则失败: %v", err)
	}
	a.guard = g

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("初始化对象存储失败: %v", err)
	}

	generator := provider.NewGeminiClient(cfg.Provider)
	a.closers = append(a.closers, func() { _ = generator.Close() })

	assets := provider.NewAssetFetcher(time.Duration(cfg.Provider.TimeoutSeconds)*time.Second, maxAssetBytes)

	a.pipeline = service.NewPipeline(cfg, database.GetDB(), log, g, generator, assets, store)
	return a
}

// Close 按创建的逆序释放资源
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.log.Close()
}
