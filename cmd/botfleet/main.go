package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/botfleet/pkg/client"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := buildRoot().ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APIToken   string
	APITimeout time.Duration
}

func (g *GlobalFlags) client() *client.Client {
	token := g.APIToken
	if token == "" {
		token = os.Getenv(apiTokenEnv)
	}
	return client.New(client.Config{BaseURL: g.APIUrl, Token: token, Timeout: g.APITimeout})
}

const apiTokenEnv = "BOTFLEET_API_TOKEN"

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	cmd := command{out: os.Stdout, api: globalFlags.client}

	root.AddCommand(
		createServeCommand(globalFlags),
		createTenantsCommand(cmd),
		createLifecycleCommand(cmd, "start", "Start a tenant's worker"),
		createLifecycleCommand(cmd, "stop", "Stop a tenant's worker"),
		createLifecycleCommand(cmd, "restart", "Restart a tenant's worker with current settings"),
		createRotateCommand(cmd),
		createControlCommand(cmd),
		createStatsCommand(cmd),
		createMigrateCredentialsCommand(globalFlags),
		createHashTokenCommand(cmd),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "botfleet",
		Short: "Multi-tenant bot hosting control plane",
		Long: `botfleet runs one bot worker process per tenant, keeps their credentials
encrypted at rest and relays control messages to live workers.

Examples:
  botfleet serve --config botfleet.toml
  botfleet tenants put T1 --bot-name Tunes --token "$BOT_TOKEN"
  botfleet start T1
  botfleet control T1 updateProfile botName=Foo
  botfleet stats`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	pf.StringVar(&flags.APIUrl, "api-url", "http://localhost:8080/api", "daemon API base URL")
	pf.StringVar(&flags.APIToken, "api-token", "", "operator bearer token (default $"+apiTokenEnv+")")
	pf.DurationVar(&flags.APITimeout, "timeout", 15*time.Second, "API request timeout")
	return root
}
