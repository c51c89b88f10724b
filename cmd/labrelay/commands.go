package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"labrelay/internal/app"
	"labrelay/internal/config"
	"labrelay/internal/delivery"
)

const stopTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "labrelay",
		Short:         "Relay lab-report notifications over a chat channel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json, yaml or toml)")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newCheckConfigCmd(&cfgPath),
		newNormalizeCmd(&cfgPath),
	)
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *cfgPath)
		},
	}
}

func serve(ctx context.Context, cfgPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := a.Start(runCtx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	case <-ctx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func newCheckConfigCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Parse and validate the config file, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (channel=%s, api=%t)\n", *cfgPath, cfg.Channel.Driver, cfg.API.Enabled)
			return nil
		},
	}
}

// newNormalizeCmd prints the canonical form of each recipient. The country
// code and domestic length come from the config when it can be loaded.
func newNormalizeCmd(cfgPath *string) *cobra.Command {
	var country string
	var domestic int
	cmd := &cobra.Command{
		Use:   "normalize <number>...",
		Short: "Print the canonical recipient address for phone numbers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, n := country, domestic
			if !cmd.Flags().Changed("country-code") || !cmd.Flags().Changed("domestic-length") {
				if cfg, err := config.NewConfigManager(*cfgPath).Load(); err == nil {
					if !cmd.Flags().Changed("country-code") && cfg.Delivery.CountryCode != "" {
						cc = cfg.Delivery.CountryCode
					}
					if !cmd.Flags().Changed("domestic-length") && cfg.Delivery.DomesticLength > 0 {
						n = cfg.Delivery.DomesticLength
					}
				} else if cmd.Flags().Changed("config") {
					return err
				}
			}
			var errs []error
			for _, raw := range args {
				out := delivery.NormalizeRecipient(raw, cc, n)
				if out == "" {
					errs = append(errs, fmt.Errorf("%q has no digits", raw))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", strings.TrimSpace(raw), out)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&country, "country-code", delivery.DefaultCountryCode, "country code prepended to domestic numbers")
	cmd.Flags().IntVar(&domestic, "domestic-length", delivery.DefaultDomesticLength, "digit count of a domestic number")
	return cmd
}
