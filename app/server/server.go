package server

import (
	"context"
	"net/http"

	"wrap-studio/app/config"
	"wrap-studio/app/handler"
	"wrap-studio/app/logger"
	"wrap-studio/app/middleware"
	"wrap-studio/app/service"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
)

// Server 表示 HTTP 服务器
type Server struct {
	Config    *config.Config
	Logger    *logger.Logger
	Pipeline  *service.Pipeline
	gin       *gin.Engine
	http      *http.Server
	scheduler *service.TickScheduler
}

// New 创建一个新的 Server 实例
func New(cfg *config.Config, log *logger.Logger, pipeline *service.Pipeline) *Server {
	router := gin.Default()

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		Config:   cfg,
		Logger:   log,
		Pipeline: pipeline,
	}
	if cfg.Scheduler.Enabled {
		s.scheduler = service.NewTickScheduler(cfg.Scheduler, log, pipeline.Worker, pipeline.Sweeper)
	}

	// 设置路由
	s.setupRoutes()

	return s
}

// Handler 返回路由，测试中直接使用
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Start 启动服务器
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)

	if s.scheduler != nil {
		if err := s.scheduler.Start(); err != nil {
			return err
		}
	}

	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	return s.http.Shutdown(ctx)
}

// WatchConfig 配置文件变化时热更新 worker/sweeper 参数，解析失败时保留旧配置
func (s *Server) WatchConfig() {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := config.Decode()
		if err != nil {
			s.Logger.Errorf("配置热更新失败，保留旧配置: %v", err)
			return
		}
		s.Pipeline.ApplyConfig(cfg)
		s.Logger.Infof("🔄 配置已重新加载: %s", e.Name)
	})
	viper.WatchConfig()
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	internalAuth := middleware.NewInternalAuth(s.Config.Internal, s.Logger)
	tickHandler := handler.NewInternalTickHandler(s.Pipeline, s.Logger)
	wrapHandler := handler.NewWrapHandler(s.Pipeline, s.Logger)
	creditsHandler := handler.NewCreditsHandler(s.Pipeline.Credits, s.Logger)
	adminHandler := handler.NewAdminHandler(s.Pipeline, s.Logger)

	// 本地存储时直接提供生成结果
	if s.Config.Storage.Driver == "local" {
		s.gin.Static("/objects", s.Config.Storage.LocalDir)
	}

	s.gin.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, handler.ApiResponse{Code: 0, Message: "ok"})
	})

	// API路由组
	api := s.gin.Group("/api")

	// 内部触发接口（外部定时器调用）
	internal := api.Group("/internal/generation")
	internal.Use(internalAuth.Middleware())
	{
		internal.POST("/worker-tick", tickHandler.WorkerTick)
		internal.POST("/sweeper-tick", tickHandler.SweeperTick)
	}

	// 运维接口
	admin := api.Group("/admin")
	admin.Use(internalAuth.Middleware())
	{
		admin.GET("/tasks", adminHandler.ListTasks)
		admin.GET("/tasks/stats", adminHandler.TaskStats)
		admin.POST("/tasks/:id/refund", adminHandler.RefundTask)
		admin.POST("/credits/grant", adminHandler.GrantCredits)
	}

	// 需要JWT验证的路由
	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(s.Config))
	{
		wrap := protected.Group("/wrap")
		{
			wrap.POST("/generate", wrapHandler.Generate)
			wrap.GET("/tasks/:id", wrapHandler.GetTask)
		}

		credits := protected.Group("/credits")
		{
			credits.GET("/balance", creditsHandler.Balance)
			credits.GET("/history", creditsHandler.History)
		}
	}
}
