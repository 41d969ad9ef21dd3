package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	apihttp "github.com/devsapp/agentrun-sandbox-broker/internal/api/http"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "broker",
	Short:         "Sandbox session broker for browser agents",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	addServeFlags(rootCmd)
}

func main() {
	apihttp.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
