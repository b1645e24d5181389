package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"surgeq/internal/dummy"
)

var dummyCmd = &cobra.Command{
	Use:   "dummy",
	Short: "Run the built-in dummy target server",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		rate, _ := cmd.Flags().GetFloat64("flaky-rate")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return dummy.Serve(ctx, dummy.ServerConfig{Port: port, FlakyRate: rate}, logrus.NewEntry(logrus.StandardLogger()))
	},
}

func init() {
	dummyCmd.Flags().IntP("port", "p", 8080, "Port to run dummy server on")
	dummyCmd.Flags().Float64("flaky-rate", dummy.DefaultFlakyRate, "Share of /flaky requests answered with a 500")
}
