package cmd

import (
	"fmt"
	"strconv"

	"wrap-studio/app/model"

	"github.com/spf13/cobra"
)

var (
	refundReason     string
	grantType        string
	grantDescription string
)

var refundCmd = &cobra.Command{
	Use:   "refund <taskID>",
	Short: "手动退还任务扣费（幂等）",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a := bootstrap(ctx)
		defer a.Close()

		result, err := a.pipeline.Refunds.Refund(ctx, args[0], refundReason)
		if err != nil {
			return fmt.Errorf("退款失败: %w", err)
		}
		return printJSON(result)
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant <userID> <amount>",
	Short: "给用户发放积分",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("积分数量无效: %s", args[1])
		}

		ctx, stop := signalContext()
		defer stop()

		a := bootstrap(ctx)
		defer a.Close()

		credits, err := a.pipeline.Credits.Grant(ctx, args[0], amount, model.LedgerType(grantType), grantDescription)
		if err != nil {
			return fmt.Errorf("发放积分失败: %w", err)
		}
		return printJSON(credits)
	},
}

func init() {
	refundCmd.Flags().StringVar(&refundReason, "reason", "Manual refund by operator", "退款原因")
	grantCmd.Flags().StringVar(&grantType, "type", string(model.LedgerTypeTopUp), "流水类型: top-up 或 system_reward")
	grantCmd.Flags().StringVar(&grantDescription, "description", "Admin grant", "流水说明")
	rootCmd.AddCommand(refundCmd, grantCmd)
}
