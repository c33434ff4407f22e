package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/exposurelog/internal/config"
	"github.com/kimhsiao/exposurelog/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	EnvFile    string
	DataDir    string
	LogLevel   string
	Format     string // "json" | "text"

	cfg *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the exposurelog CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "exposurelog",
		Short: "Offline sync queue for hazard exposure records",
		Long: `exposurelog keeps exposure records and their photos in a durable local
queue and delivers them to the backend whenever the device is online.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.loadConfig()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file read before the environment")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "queue data directory (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewEnqueueRecordCommand(opts))
	cmd.AddCommand(NewEnqueuePhotoCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewDiscardCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig() error {
	cfg, err := config.Load(o.ConfigPath, o.EnvFile)
	if err != nil {
		return err
	}
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}

	logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	o.cfg = cfg
	return nil
}

// render writes v as indented JSON, or calls text for the text format.
func (o *RootOptions) render(w io.Writer, v interface{}, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
