package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/Tapledger/server/internal/config"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	configPath string
	envFiles   []string
)

var rootCmd = &cobra.Command{
	Use:           "tapledger",
	Short:         "Tamper-evident attendance ledger for RFID time clocks",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// loadConfig applies .env files, then the TOML file, then the environment.
func loadConfig() (config.Config, error) {
	if err := config.LoadDotenv(envFiles...); err != nil {
		return config.Config{}, fmt.Errorf("failed to load env file: %w", err)
	}
	path := configPath
	if path == "" {
		path = os.Getenv("TAPLEDGER_CONFIG")
	}
	return config.Load(path)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file (default $TAPLEDGER_CONFIG)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load before the environment")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().Bool("seed", false, "register known devices and enroll allowed cards")

	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().Uint64("from", 1, "first sequence to verify")
	verifyCmd.Flags().Uint64("to", 0, "last sequence to verify (default head)")

	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().String("format", "csv", "csv or json")
	exportCmd.Flags().Uint64("from", 1, "first sequence to export")
	exportCmd.Flags().Uint64("to", 0, "last sequence to export (default head)")
	exportCmd.Flags().StringP("out", "o", "-", "output file, - for stdout")
	exportCmd.Flags().Bool("compress", false, "zstd-compress the output")
	exportCmd.Flags().String("recipients", "", "age recipients file; encrypts the output")

	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().Uint64("from", 1, "first sequence to replay")
	replayCmd.Flags().Uint64("to", 0, "last sequence to replay (default head)")
	replayCmd.Flags().Float64("speed", 0, "playback speed relative to device time, 0 for as fast as possible")
}
