package main

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/booger/internal/client"
	"github.com/alfredjeanlab/booger/internal/server"
	"github.com/alfredjeanlab/booger/internal/ui"
)

var (
	statusURL     string
	statusGRPC    string
	statusToken   string
	statusJSON    bool
	statusTimeout time.Duration
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show the status of a running relay",
	GroupID: "relay",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
		defer cancel()

		health, err := c.Health(ctx)
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}
		st, err := c.Status(ctx)
		if err != nil {
			return fmt.Errorf("fetching status: %w", err)
		}

		if statusJSON {
			data, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling JSON: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		printStatus(cmd, health, st)
		return nil
	},
}

func init() {
	f := statusCmd.Flags()
	f.StringVar(&statusURL, "url", "http://127.0.0.1:8006", "relay HTTP base URL")
	f.StringVar(&statusGRPC, "grpc", "", "query the gRPC admin service at this address instead of HTTP")
	f.StringVar(&statusToken, "token", "", "admin bearer token (env BOOGER_AUTH_TOKEN)")
	f.BoolVar(&statusJSON, "json", false, "output JSON")
	f.DurationVar(&statusTimeout, "timeout", 5*time.Second, "request timeout")
}

func newAdminClient(cmd *cobra.Command) (client.AdminClient, error) {
	token := statusToken
	if token == "" {
		if cfg, err := loadConfig(cmd); err == nil {
			token = cfg.AuthToken
		}
	}
	if statusGRPC != "" {
		return client.NewGRPCClient(statusGRPC, token)
	}
	return client.NewHTTPClient(statusURL, token), nil
}

func printStatus(cmd *cobra.Command, health string, st *server.Status) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", ui.RenderAccent("Health:"), health)
	fmt.Fprintf(out, "%s %s\n", ui.RenderAccent("Origin:"), st.Origin)
	if st.Version != "" {
		fmt.Fprintf(out, "%s %s\n", ui.RenderAccent("Version:"), st.Version)
	}
	fmt.Fprintf(out, "%s %s\n", ui.RenderAccent("Uptime:"), st.Uptime)
	fmt.Fprintf(out, "%s %d\n", ui.RenderAccent("Connections:"), st.Connections)
	fmt.Fprintf(out, "%s %d\n", ui.RenderAccent("Subscriptions:"), st.Subscriptions)
	if len(st.Plugs) == 0 {
		return
	}
	fmt.Fprintln(out, ui.RenderAccent("Plugs:"))
	for _, name := range slices.Sorted(maps.Keys(st.Plugs)) {
		fmt.Fprintf(out, "  %s %s\n", name, ui.RenderMuted(fmt.Sprint(st.Plugs[name])))
	}
}
