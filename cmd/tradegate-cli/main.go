package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tradegate/pkg/tradegate"
)

const version = "0.1.0"

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "tradegate-cli",
	Short: "Command-line client for tradegate-server",
	Long: `tradegate-cli talks to a running tradegate-server over its REST API.

It can submit trade signals through the risk firewall, inspect and cancel
orders, manage policy versions and verify the audit chain.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tradegate-cli %s\n", version)
	},
}

func init() {
	defaultURL := "http://localhost:8080"
	if v := os.Getenv("TRADEGATE_URL"); v != "" {
		defaultURL = v
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultURL, "tradegate-server base URL")
	rootCmd.AddCommand(versionCmd)
}

func client() *tradegate.Client {
	return tradegate.NewClient(serverURL)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
