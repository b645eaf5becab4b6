// File: cmd/hioload/root.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/momentics/hioload-iocp/internal/logging"
)

// Version of the hioload binary.
const Version = "0.3.0"

var (
	rootCmd = &cobra.Command{
		Use:   "hioload",
		Short: "completion-port TCP server toolkit",
		Long: fmt.Sprintf(`hioload (v%s)

Echo server and client built on a completion port with recycled sockets.
Every flag can be set through HIOLOAD_<FLAG> (dashes become underscores).`, Version),
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of hioload",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("hioload v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log encoding (console, json)")
	rootCmd.PersistentFlags().Bool("log-dev", false, "development logger")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(versionCmd)
}

// initConfig loads .env files and binds HIOLOAD_* variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("hioload")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return logging.Init(logging.Config{
		Level:       viper.GetString("log-level"),
		Encoding:    viper.GetString("log-format"),
		Development: viper.GetBool("log-dev"),
	})
}
