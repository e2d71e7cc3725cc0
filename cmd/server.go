package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wrap-studio/app/filewatcher"
	"wrap-studio/app/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动服务器",
	Run: func(cmd *cobra.Command, args []string) {
		a := bootstrap(context.Background())
		defer a.Close()
		log := a.log

		srv := server.New(a.cfg, log, a.pipeline)
		srv.WatchConfig()

		// 自定义规则文件变化时热更新
		if a.cfg.Guard.RulesFile != "" {
			rw, err := filewatcher.NewRulesWatcher(a.cfg.Guard.RulesFile, a.cfg.Guard.MaxPromptLength, a.guard, log)
			if err != nil {
				log.Fatalf("创建规则文件监控器失败: %v", err)
			}
			if err := rw.Start(); err != nil {
				log.Warnf("规则文件监控未启动: %v", err)
			}
			defer rw.Stop()
		}

		// 在协程中启动服务器
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("启动服务器失败: %v", err)
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("收到关闭信号，正在关闭服务器...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("服务器关闭失败: %v", err)
		}
		log.Info("服务器已退出")
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
