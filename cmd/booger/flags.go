package main

import (
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/booger/internal/config"
)

// addRelayFlags registers the flags that override relay settings.
func addRelayFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntP("port", "p", 0, "port to listen on (env BOOGER_PORT)")
	f.StringP("hostname", "b", "", "interface to listen on; 0.0.0.0 for all (env BOOGER_HOSTNAME)")
	f.StringP("db", "d", "", "postgres url for nostr data (env BOOGER_DB)")
	f.StringP("db-stats", "s", "", "postgres url for the stats plug (env BOOGER_DB_STATS)")
	f.StringP("db-limits", "l", "", "postgres url for the limits plug (env BOOGER_DB_LIMITS)")
	f.String("plugs-use", "", "comma separated builtin plugs to use (env BOOGER_PLUGS_USE)")
	f.String("nats-url", "", "nats url for cross-process fanout (env BOOGER_NATS_URL)")
	f.String("grpc-addr", "", "gRPC admin listen address (env BOOGER_GRPC_ADDR)")
}

// applyRelayFlags copies every explicitly set relay flag onto cfg.
func applyRelayFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Lookup("db") == nil {
		return nil
	}

	if f.Changed("port") {
		port, err := f.GetInt("port")
		if err != nil {
			return err
		}
		cfg.Port = port
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"hostname", &cfg.Hostname},
		{"db", &cfg.DB},
		{"db-stats", &cfg.DBStats},
		{"db-limits", &cfg.DBLimits},
		{"nats-url", &cfg.NATSURL},
		{"grpc-addr", &cfg.GRPCAddr},
	}
	for _, s := range strs {
		if !f.Changed(s.name) {
			continue
		}
		v, err := f.GetString(s.name)
		if err != nil {
			return err
		}
		*s.dst = v
	}

	if f.Changed("plugs-use") {
		v, err := f.GetString("plugs-use")
		if err != nil {
			return err
		}
		cfg.Plugs.Use = splitList(v)
	}
	return nil
}
