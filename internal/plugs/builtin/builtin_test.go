package builtin

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alfredjeanlab/booger/internal/plugs"
)

type provider struct{}

func (provider) DecodePlug(string, any) error { return nil }
func (provider) PlugDB(string) string         { return "" }

func TestLoadValidate(t *testing.T) {
	exts, err := Load(context.Background(), []string{"validate", "validate"}, provider{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exts) != 1 || exts[0].Name() != "validate" {
		t.Errorf("exts = %v", exts)
	}
}

func TestLoadEmpty(t *testing.T) {
	exts, err := Load(context.Background(), nil, provider{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exts) != 0 {
		t.Errorf("exts = %v", exts)
	}
}

func TestLoadUnknown(t *testing.T) {
	_, err := Load(context.Background(), []string{"validate", "nope"}, provider{}, nil)
	if err == nil || !strings.Contains(err.Error(), `unknown builtin plug "nope"`) {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadMissingDatabase(t *testing.T) {
	for _, name := range []string{"stats", "limits"} {
		_, err := Load(context.Background(), []string{name}, provider{}, nil)
		if err == nil || !strings.Contains(err.Error(), "no database configured") {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestNamesAreRegistered(t *testing.T) {
	for _, name := range Names {
		if _, ok := openers[name]; !ok {
			t.Errorf("%s has no opener", name)
		}
	}
}

// schemaExt is an extension with a schema.
type schemaExt struct {
	name     string
	err      error
	migrated int
}

func (e *schemaExt) Name() string { return e.name }
func (e *schemaExt) Capabilities(context.Context) ([]plugs.Action, error) {
	return []plugs.Action{}, nil
}
func (e *schemaExt) Run(ctx context.Context, inbox <-chan plugs.Request, outbox chan<- plugs.Reply) error {
	return plugs.Serve(ctx, inbox, outbox, func(context.Context, plugs.Request) plugs.Reply { return plugs.Accept() })
}
func (e *schemaExt) Migrate(context.Context) error {
	e.migrated++
	return e.err
}

func TestMigrate(t *testing.T) {
	validate, err := Load(context.Background(), []string{"validate"}, provider{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, b := &schemaExt{name: "a"}, &schemaExt{name: "b"}
	if err := Migrate(context.Background(), []plugs.Extension{validate[0], a, b}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.migrated != 1 || b.migrated != 1 {
		t.Fatalf("migrated a=%d b=%d, want 1 each", a.migrated, b.migrated)
	}
}

func TestMigrateStopsOnError(t *testing.T) {
	sentinel := errors.New("locked")
	a, b := &schemaExt{name: "a", err: sentinel}, &schemaExt{name: "b"}
	err := Migrate(context.Background(), []plugs.Extension{a, b})
	if !errors.Is(err, sentinel) || !strings.Contains(err.Error(), "migrate plug a") {
		t.Fatalf("err = %v", err)
	}
	if b.migrated != 0 {
		t.Fatal("expected later plugs to be skipped")
	}
}
