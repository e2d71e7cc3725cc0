package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var tickBatchSize int

// signalContext 收到中断信号时取消，正在处理的任务会按失败退款
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var workerTickCmd = &cobra.Command{
	Use:   "worker-tick",
	Short: "认领并处理一批生成任务",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a := bootstrap(ctx)
		defer a.Close()

		result, err := a.pipeline.Worker.Tick(ctx, tickBatchSize)
		if err != nil {
			return fmt.Errorf("worker-tick 失败: %w", err)
		}
		return printJSON(result)
	},
}

var sweeperTickCmd = &cobra.Command{
	Use:   "sweeper-tick",
	Short: "终止过期任务并退款",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a := bootstrap(ctx)
		defer a.Close()

		result, err := a.pipeline.Sweeper.Tick(ctx, tickBatchSize)
		if err != nil {
			return fmt.Errorf("sweeper-tick 失败: %w", err)
		}
		return printJSON(result)
	},
}

func init() {
	workerTickCmd.Flags().IntVar(&tickBatchSize, "batch", 0, "批量大小（0 使用配置默认值）")
	sweeperTickCmd.Flags().IntVar(&tickBatchSize, "batch", 0, "批量大小（0 使用配置默认值）")
	rootCmd.AddCommand(workerTickCmd, sweeperTickCmd)
}
