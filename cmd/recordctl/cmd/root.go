package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/chiahaoLLLLL/Blockchain-record-system/sdk/go/recordsystem"
)

var (
	flagRegistryURL string
	flagAccessKey   string
)

var rootCmd = &cobra.Command{
	Use:           "recordctl",
	Short:         "Operate the commitment registry",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRegistryURL, "registry-url",
		envOr("RECORD_REGISTRY_URL", "http://localhost:8081"), "registry base URL")
	rootCmd.PersistentFlags().StringVar(&flagAccessKey, "access-key",
		os.Getenv("RECORD_ACCESS_KEY"), "registry access key")

	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(bundleCmd)
	rootCmd.AddCommand(commitmentCmd)
	rootCmd.AddCommand(capabilityCmd)
}

func Execute() error { return rootCmd.Execute() }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func client() *recordsystem.Client {
	return recordsystem.NewClient(flagRegistryURL, recordsystem.KeyAuth{AccessKey: flagAccessKey})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
