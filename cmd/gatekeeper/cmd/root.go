package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gatekeeper",
	Short: "Gatekeeper guards HTTP APIs against forgery and abuse",
	Long: `Gatekeeper fronts an HTTP API with rate limiting, double-submit CSRF
protection and session verification, applied in that order.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
