package main

import (
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "tenantbot",
	Short:         "Multi-tenant chat message pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" || !isTerminal(os.Stderr) {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(kbCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(deadLettersCmd)
	rootCmd.AddCommand(tenantCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(secretCmd)
}

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		if hint := errorHint(err); hint != "" {
			printWarning("%s", hint)
		}
		os.Exit(1)
	}
}

func errorHint(err error) string {
	switch {
	case isStatus(err, http.StatusUnauthorized):
		return "the server rejected the API token; set TENANTBOT_API_TOKEN to the value of 'tenantbot secret token' on the server host"
	case isStatus(err, http.StatusServiceUnavailable):
		return "the server is up but a dependency is not; check 'tenantbot status'"
	}
	return ""
}
