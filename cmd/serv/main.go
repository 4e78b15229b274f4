package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/dushixiang/lumen/internal"
)

var (
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "lumen",
	Short: "Lumen - 单交易对现货自动交易系统",
	Long:  ``,
	RunE: func(cmd *cobra.Command, args []string) error {
		return internal.Run(configFile)
	},
}

func init() {
	// 全局配置文件标志
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "配置文件路径")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
