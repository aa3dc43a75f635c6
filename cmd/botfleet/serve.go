package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/botfleet"
	"github.com/loykin/botfleet/internal/config"
	"github.com/loykin/botfleet/internal/server"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the botfleet daemon",
		Long: `Run the botfleet daemon: the tenant API, the worker control endpoint and
the status aggregator. Tenants whose desired state is running are started
again on boot. Environment settings in the config file are reloaded on change.

Examples:
  botfleet serve --config botfleet.toml
  botfleet serve botfleet.toml --daemonize     # pidfile from [server].pidfile
  BOTFLEET_STORE_DSN=postgres://... botfleet serve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), *serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file (default [server].logfile)")
	return cmd
}

func runServe(ctx context.Context, flags ServeFlags) error {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		logfile := flags.LogFile
		if logfile == "" {
			logfile = cfg.Server.LogFile
		}
		return daemonize(cfg.Server.PidFile, logfile)
	}

	if cfg.Server.PidFile != "" {
		if err := writePidFile(cfg.Server.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(cfg.Server.PidFile) }()
	}

	fleet, err := botfleet.New(ctx, cfg, botfleet.Options{})
	if err != nil {
		return err
	}
	log := fleet.Logger()
	if flags.ConfigPath != "" {
		err := config.Watch(flags.ConfigPath,
			func(c *config.Config) { fleet.ApplyEnv(c.GlobalEnv) },
			func(err error) { log.Warn("config reload rejected", "error", err) })
		if err != nil {
			log.Warn("config watch disabled", "error", err)
		}
	}
	err = fleet.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func createMigrateCredentialsCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-credentials",
		Short: "Re-seal every stored credential in the configured vault write version",
		Long: `Re-seal every stored credential in [vault].write_version. Run it after
changing the write version or the secret derivation; the daemon can keep
running since records are updated one at a time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(globalFlags.ConfigPath)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			fleet, err := botfleet.New(ctx, cfg, botfleet.Options{})
			if err != nil {
				return err
			}
			n, rotErr := fleet.RotateCredentials(ctx)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := errors.Join(rotErr, fleet.Shutdown(shutdownCtx)); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d credential(s) re-sealed as %s\n", n, cfg.Vault.WriteVersion)
			return nil
		},
	}
}

func createHashTokenCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the bcrypt hash for [server].api_token_hash",
		Long:  "Print the bcrypt hash of an operator token. Without an argument the token is read from stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.cmdHashToken(cmd.InOrStdin(), args)
		},
	}
}

func (c command) cmdHashToken(in io.Reader, args []string) error {
	var token string
	if len(args) == 1 {
		token = args[0]
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		token = strings.TrimSpace(line)
	}
	if token == "" {
		return errors.New("empty token")
	}
	h, err := server.HashToken(token)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, h)
	return err
}
