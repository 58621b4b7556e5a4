package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configFile string
	dataDir    string
	listenAddr string
	debugMode  bool
)

// rootCmd is conduitd's base command. Running it with no subcommand starts
// the server directly — the common case for a single-binary service.
var rootCmd = &cobra.Command{
	Use:   "conduitd",
	Short: "Profile-oriented conversational agent server",
	Long:  `conduitd mediates LLMs, MCP tool servers, RAG, and per-profile knowledge graphs behind a turn-oriented HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func initConfig() {
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "error reading config file: %v\n", err)
			os.Exit(1)
		}
	} else {
		viper.SetConfigName("conduitd")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/conduitd")
		_ = viper.ReadInConfig() // config file is optional; flags/env/defaults suffice
	}

	viper.SetEnvPrefix("CONDUITD")
	viper.AutomaticEnv()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./conduitd.yml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "directory for sqlite databases, session files, and caches")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug-level logging")

	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("listen", rootCmd.PersistentFlags().Lookup("listen"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command, exiting the process on error.
func Execute(version string) {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
