package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "talkingdata",
	Short:   "Desktop host that supervises the backend sidecar",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Print machine-readable JSON")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.talkingdata/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
