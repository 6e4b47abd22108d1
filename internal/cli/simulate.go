package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	simulateMetric string
	simulateUsual  float64
	simulateSpike  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次指标异常并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateMetric == "" {
			return errors.New("--metric 不能为空")
		}
		if simulateUsual <= 0 || simulateSpike <= 0 {
			return errors.New("--usual 与 --spike 必须大于 0")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateMetric, simulateUsual, simulateSpike)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateMetric, "metric", "sleep_quality", "模拟的指标名称")
	simulateCmd.Flags().Float64Var(&simulateUsual, "usual", 75, "日常水平")
	simulateCmd.Flags().Float64Var(&simulateSpike, "spike", 20, "最后一天的异常值")
}
