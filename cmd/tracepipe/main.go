package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	clientcmd "github.com/xiaokunge/kernel-kprobe-memleak/internal/cmd/client"
	serverrun "github.com/xiaokunge/kernel-kprobe-memleak/internal/cmd/server"
	cfgpkg "github.com/xiaokunge/kernel-kprobe-memleak/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tracepipe",
		Short: "Trace pipe CLI",
		Long:  "Tracepipe is a single-binary trace event collector. This CLI manages the server and basic operations.",
	}

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start tracepipe server (HTTP API)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			httpAddr, _ := cmd.Flags().GetString("http")
			cpus, _ := cmd.Flags().GetInt("cpus")
			bufSize, _ := cmd.Flags().GetInt("buffer-size")
			seqSize, _ := cmd.Flags().GetInt("seq-size")
			noOverwrite, _ := cmd.Flags().GetBool("no-overwrite")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			// Precedence: defaults < config file < env < flags.
			cfg := cfgpkg.Default()
			if cfgPath != "" {
				loaded, err := cfgpkg.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			if err := cfgpkg.FromEnv(&cfg); err != nil {
				return fmt.Errorf("parse env: %w", err)
			}
			if cmd.Flags().Changed("http") {
				cfg.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("cpus") {
				cfg.CPUs = cpus
			}
			if cmd.Flags().Changed("buffer-size") {
				cfg.BufferSize = bufSize
			}
			if cmd.Flags().Changed("seq-size") {
				cfg.SeqSize = seqSize
			}
			if noOverwrite {
				cfg.Overwrite = false
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if logFormat != "" {
				cfg.LogFormat = logFormat
			}

			if err := serverrun.Run(context.Background(), serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("config", "", "Path to a JSON or YAML config file")
	serverStartCmd.Flags().String("http", ":8080", "HTTP listen address")
	serverStartCmd.Flags().Int("cpus", 0, "Number of per-CPU buffers (0 = all CPUs)")
	serverStartCmd.Flags().Int("buffer-size", cfgpkg.Default().BufferSize, "Records per CPU buffer")
	serverStartCmd.Flags().Int("seq-size", cfgpkg.Default().SeqSize, "Line formatting buffer size in bytes")
	serverStartCmd.Flags().Bool("no-overwrite", false, "Reject new records when a buffer is full instead of evicting the oldest")
	serverStartCmd.Flags().String("log-level", os.Getenv("TRACEPIPE_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", os.Getenv("TRACEPIPE_LOG_FORMAT"), "Log format: text|json (default text)")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	// client commands
	rootCmd.AddCommand(clientcmd.NewPipeCommand(apiURL))
	rootCmd.AddCommand(clientcmd.NewEmitCommand(apiURL))
	rootCmd.AddCommand(clientcmd.NewStatsCommand(apiURL))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("TRACEPIPE_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
