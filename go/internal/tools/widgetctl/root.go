package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcdev12/lastclick/go/internal/widget"
)

type rootOptions struct {
	addr       string
	configPath string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "widgetctl",
		Short:         "Operate a running lastclick widget server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&opts.addr, "addr", envOr("LASTCLICK_ADDR", "http://localhost:8080"), "server base URL")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("LASTCLICK_CONFIG"), "path to YAML config file")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(
		newSyncCmd(opts),
		newSnapshotCmd(opts),
		newResetWindowCmd(opts),
	)
	return cmd
}

func (o *rootOptions) client() *widget.Client {
	return widget.NewClient(&http.Client{Timeout: o.timeout}, o.addr)
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
