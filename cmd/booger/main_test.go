package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/booger/internal/config"
	"github.com/alfredjeanlab/booger/internal/plugs"
	"github.com/alfredjeanlab/booger/internal/server"
)

func TestSplitList(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "validate", want: []string{"validate"}},
		{in: " stats , limits,,", want: []string{"stats", "limits"}},
	} {
		if got := splitList(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("splitList(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func newFlagCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addRelayFlags(cmd)
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return cmd
}

func TestApplyRelayFlags(t *testing.T) {
	cmd := newFlagCmd(t,
		"-p", "9001",
		"--hostname", "0.0.0.0",
		"-d", "postgres://flag/booger",
		"-s", "postgres://flag/stats",
		"--plugs-use", "limits,validate",
		"--nats-url", "nats://127.0.0.1:4222",
	)
	cfg := config.Default()
	if err := applyRelayFlags(cmd, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9001 {
		t.Errorf("Port = %d, want 9001", cfg.Port)
	}
	if cfg.Hostname != "0.0.0.0" {
		t.Errorf("Hostname = %q, want 0.0.0.0", cfg.Hostname)
	}
	if cfg.DB != "postgres://flag/booger" {
		t.Errorf("DB = %q", cfg.DB)
	}
	if cfg.PlugDB("stats") != "postgres://flag/stats" {
		t.Errorf("PlugDB(stats) = %q", cfg.PlugDB("stats"))
	}
	if want := []string{"limits", "validate"}; !reflect.DeepEqual(cfg.Plugs.Use, want) {
		t.Errorf("Plugs.Use = %v, want %v", cfg.Plugs.Use, want)
	}
	if cfg.NATSURL != "nats://127.0.0.1:4222" {
		t.Errorf("NATSURL = %q", cfg.NATSURL)
	}
	if cfg.DBLimits != "" || cfg.GRPCAddr != "" {
		t.Errorf("unset flags changed config: limits %q grpc %q", cfg.DBLimits, cfg.GRPCAddr)
	}
}

func TestApplyRelayFlagsUnsetKeepsConfig(t *testing.T) {
	cfg := config.Default()
	if err := applyRelayFlags(newFlagCmd(t), cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(cfg, config.Default()) {
		t.Fatalf("config changed without flags: %+v", cfg)
	}
}

func TestApplyRelayFlagsEmptyPlugs(t *testing.T) {
	cfg := config.Default()
	if err := applyRelayFlags(newFlagCmd(t, "--plugs-use="), cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Plugs.Use) != 0 {
		t.Fatalf("Plugs.Use = %v, want empty", cfg.Plugs.Use)
	}
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "booger.toml")
	var out bytes.Buffer
	initCmd.SetOut(&out)
	t.Cleanup(func() { initCmd.SetOut(nil) })

	if err := initCmd.RunE(initCmd, []string{path}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), path) {
		t.Errorf("output = %q, want path", out.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != config.DefaultTOML {
		t.Fatal("written file differs from default config")
	}
	if err := initCmd.RunE(initCmd, []string{path}); err == nil {
		t.Fatal("expected error on existing file, got nil")
	}
}

func TestPrintStatus(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	printStatus(cmd, "ok", &server.Status{
		Origin:        "ab12",
		Version:       "1.0.0",
		Connections:   2,
		Subscriptions: 4,
		Uptime:        "5s",
		Plugs:         map[string][]string{"stats": {"event"}, "limits": {"connect"}},
	})
	got := out.String()
	for _, want := range []string{"ab12", "1.0.0", "5s", "limits", "stats"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, "limits") > strings.Index(got, "stats") {
		t.Errorf("plugs not sorted:\n%s", got)
	}
}

// schemaPlug records the order in which the relay drives it.
type schemaPlug struct {
	calls      []string
	migrateErr error
	closed     bool
}

func (p *schemaPlug) Name() string { return "schema" }
func (p *schemaPlug) Capabilities(context.Context) ([]plugs.Action, error) {
	p.calls = append(p.calls, "capabilities")
	return []plugs.Action{plugs.ActionConnect}, nil
}
func (p *schemaPlug) Run(ctx context.Context, inbox <-chan plugs.Request, outbox chan<- plugs.Reply) error {
	return plugs.Serve(ctx, inbox, outbox, func(context.Context, plugs.Request) plugs.Reply { return plugs.Accept() })
}
func (p *schemaPlug) Migrate(context.Context) error {
	p.calls = append(p.calls, "migrate")
	return p.migrateErr
}
func (p *schemaPlug) Close() error {
	p.closed = true
	return nil
}

func TestStartBusMigratesBeforeHandshake(t *testing.T) {
	p := &schemaPlug{}
	bus, err := startBus(context.Background(), []plugs.Extension{p}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bus.Stop()
	if want := []string{"migrate", "capabilities"}; !reflect.DeepEqual(p.calls, want) {
		t.Fatalf("calls = %v, want %v", p.calls, want)
	}
}

func TestStartBusMigrationFailure(t *testing.T) {
	sentinel := errors.New("lock timeout")
	p := &schemaPlug{migrateErr: sentinel}
	_, err := startBus(context.Background(), []plugs.Extension{p}, nil)
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want %v", err, sentinel)
	}
	if len(p.calls) != 1 {
		t.Fatalf("calls = %v, want migrate only", p.calls)
	}
	if !p.closed {
		t.Fatal("expected plug to be closed")
	}
}
