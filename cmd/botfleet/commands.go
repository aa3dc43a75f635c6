package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/loykin/botfleet/pkg/client"
)

// command runs the API-backed subcommands. api is resolved lazily so the
// persistent flags are parsed first.
type command struct {
	out io.Writer
	api func() *client.Client
}

func (c command) printTenants(ts []client.Tenant) {
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TENANT\tBOT\tDESIRED\tSTATUS\tPID\tUPTIME\tMEMORY")
	for _, t := range ts {
		status, pid, uptime, mem := "-", "-", "-", "-"
		if p := t.Process; p != nil {
			status = p.Status
			if p.PID > 0 {
				pid = fmt.Sprint(p.PID)
			}
			if p.UptimeMS > 0 {
				uptime = (time.Duration(p.UptimeMS) * time.Millisecond).Truncate(time.Second).String()
			}
			if p.MemoryBytes > 0 {
				mem = humanize.IBytes(p.MemoryBytes)
			}
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", t.TenantID, t.BotName, t.DesiredState, status, pid, uptime, mem)
	}
	_ = tw.Flush()
}

func (c command) cmdTenantsList(ctx context.Context, asJSON bool) error {
	ts, err := c.api().ListTenants(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(c.out, ts)
	}
	c.printTenants(ts)
	return nil
}

func (c command) cmdTenantGet(ctx context.Context, id string) error {
	t, err := c.api().GetTenant(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(c.out, t)
}

func (c command) cmdTenantPut(ctx context.Context, id string, f TenantPutFlags) error {
	token := f.Token
	if f.TokenFile != "" {
		b, err := os.ReadFile(f.TokenFile)
		if err != nil {
			return fmt.Errorf("read token file: %w", err)
		}
		token = strings.TrimSpace(string(b))
	}
	t, err := c.api().PutTenant(ctx, id, client.TenantSetup{
		OwnerUserID:    f.OwnerUserID,
		BotName:        f.BotName,
		ApplicationID:  f.ApplicationID,
		Token:          token,
		DefaultVolume:  f.DefaultVolume,
		Enable247:      f.Enable247,
		EnableAutoplay: f.EnableAutoplay,
	})
	if err != nil {
		return err
	}
	return printJSON(c.out, t)
}

func (c command) cmdTenantDelete(ctx context.Context, id string) error {
	if err := c.api().DeleteTenant(ctx, id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "tenant %s removed\n", id)
	return nil
}

func (c command) cmdLifecycle(ctx context.Context, action, id string) error {
	api := c.api()
	var (
		h   client.ProcessHandle
		err error
	)
	switch action {
	case "start":
		h, err = api.Start(ctx, id)
	case "restart":
		h, err = api.Restart(ctx, id)
	case "stop":
		if err = api.Stop(ctx, id); err == nil {
			_, _ = fmt.Fprintf(c.out, "tenant %s stopped\n", id)
		}
		return err
	default:
		return fmt.Errorf("unknown lifecycle action %q", action)
	}
	if err != nil {
		return err
	}
	return printJSON(c.out, h)
}

func (c command) cmdRotate(ctx context.Context, id string) error {
	rotated, err := c.api().Rotate(ctx, id)
	if err != nil {
		return err
	}
	if rotated {
		_, _ = fmt.Fprintf(c.out, "credential for %s re-sealed\n", id)
	} else {
		_, _ = fmt.Fprintf(c.out, "credential for %s already current\n", id)
	}
	return nil
}

// parseFields turns key=value arguments into a payload.
func parseFields(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}
		out[k] = v
	}
	return out, nil
}

func (c command) cmdControl(ctx context.Context, id, action string, args []string) error {
	fields, err := parseFields(args)
	if err != nil {
		return err
	}
	res, err := c.api().Control(ctx, id, action, fields)
	if err != nil {
		return err
	}
	return printJSON(c.out, res)
}

func (c command) cmdStats(ctx context.Context, tenantID string, f StatsFlags) error {
	api := c.api()
	switch {
	case tenantID != "":
		s, err := api.TenantStats(ctx, tenantID)
		if err != nil {
			return err
		}
		return printJSON(c.out, s)
	case f.Database:
		s, err := api.DatabaseStats(ctx)
		if err != nil {
			return err
		}
		return printJSON(c.out, s)
	}
	s, err := api.Stats(ctx)
	if err != nil {
		return err
	}
	c.printSummary(s)
	return nil
}

func (c command) printSummary(s client.AllStats) {
	sys := s.System
	_, _ = fmt.Fprintf(c.out, "host: cpu %.1f%%  memory %.1f%% (%s free of %s)  up %s\n",
		sys.CPUPercent, sys.MemoryPercent,
		humanize.IBytes(sys.FreeMemoryBytes), humanize.IBytes(sys.TotalMemoryBytes),
		(time.Duration(sys.UptimeSeconds) * time.Second).String())
	_, _ = fmt.Fprintf(c.out, "bots: %d total, %d active, %d inactive, %s guilds, %s users\n",
		s.Bots.Total, s.Bots.Active, s.Bots.Inactive,
		humanize.Comma(int64(s.Bots.TotalGuilds)), humanize.Comma(int64(s.Bots.TotalUsers)))

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TENANT\tBOT\tSTATUS\tRESTARTS\tMEMORY\tGUILDS\tUPDATED")
	for _, b := range s.Bots.List {
		mem, guilds := "-", "-"
		if b.Process.MemoryBytes > 0 {
			mem = humanize.IBytes(b.Process.MemoryBytes)
		}
		if b.Probe != nil {
			guilds = humanize.Comma(int64(b.Probe.GuildCount))
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", b.TenantID, b.BotName, b.Process.Status,
			b.Process.Restarts, mem, guilds, humanize.Time(b.UpdatedAt))
	}
	_ = tw.Flush()
}

func createTenantsCommand(c command) *cobra.Command {
	tenants := &cobra.Command{Use: "tenants", Short: "Manage tenant records"}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List tenants and their workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.cmdTenantsList(cmd.Context(), asJSON)
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	get := &cobra.Command{
		Use:   "get <tenant>",
		Short: "Show one tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.cmdTenantGet(cmd.Context(), args[0])
		},
	}

	putFlags := &TenantPutFlags{}
	put := &cobra.Command{
		Use:   "put <tenant>",
		Short: "Create or update a tenant",
		Long: `Create or update a tenant. The token is encrypted before it is stored;
omit it on updates to keep the stored credential. A running worker picks up
new settings on its next restart.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.cmdTenantPut(cmd.Context(), args[0], *putFlags)
		},
	}
	pf := put.Flags()
	pf.StringVar(&putFlags.OwnerUserID, "owner", "", "owner user id")
	pf.StringVar(&putFlags.BotName, "bot-name", "", "bot display name")
	pf.StringVar(&putFlags.ApplicationID, "application-id", "", "bot application id")
	pf.StringVar(&putFlags.Token, "token", "", "bot token")
	pf.StringVar(&putFlags.TokenFile, "token-file", "", "read the bot token from a file")
	pf.IntVar(&putFlags.DefaultVolume, "volume", 50, "default playback volume (0-100)")
	pf.BoolVar(&putFlags.Enable247, "247", false, "stay connected when idle")
	pf.BoolVar(&putFlags.EnableAutoplay, "autoplay", false, "enable autoplay")
	put.MarkFlagsMutuallyExclusive("token", "token-file")

	del := &cobra.Command{
		Use:     "delete <tenant>",
		Aliases: []string{"rm"},
		Short:   "Stop and remove a tenant",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.cmdTenantDelete(cmd.Context(), args[0])
		},
	}

	tenants.AddCommand(list, get, put, del)
	return tenants
}

func createLifecycleCommand(c command, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <tenant>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.cmdLifecycle(cmd.Context(), action, args[0])
		},
	}
}

func createRotateCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <tenant>",
		Short: "Re-seal a tenant's credential with the current vault format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.cmdRotate(cmd.Context(), args[0])
		},
	}
}

func createControlCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "control <tenant> <action> [key=value...]",
		Short: "Send a control message to a tenant's worker",
		Long: `Send a control message to a tenant's worker and print its reply.

Actions: updateProfile, updatePresence, queryProfile, queryMetrics.
An outcome of "pending" means the worker did not answer in time; updates may
still be applied when it does.

Examples:
  botfleet control T1 updateProfile botName=Foo avatarUrl=https://example.com/a.png
  botfleet control T1 updatePresence status=idle activity="lofi beats" activityType=LISTENING
  botfleet control T1 queryMetrics`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.cmdControl(cmd.Context(), args[0], args[1], args[2:])
		},
	}
}

func createStatsCommand(c command) *cobra.Command {
	flags := &StatsFlags{}
	cmd := &cobra.Command{
		Use:   "stats [tenant]",
		Short: "Show host and tenant status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			if !flags.Watch {
				return c.cmdStats(cmd.Context(), id, *flags)
			}
			return watch(cmd.Context(), flags.Interval, func() error {
				return c.cmdStats(cmd.Context(), id, *flags)
			})
		},
	}
	cmd.Flags().BoolVar(&flags.Database, "database", false, "show stored tenant counts only")
	cmd.Flags().BoolVarP(&flags.Watch, "watch", "w", false, "refresh until interrupted")
	cmd.Flags().DurationVar(&flags.Interval, "interval", 5*time.Second, "watch interval")
	return cmd
}

func watch(ctx context.Context, every time.Duration, fn func() error) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if err := fn(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
