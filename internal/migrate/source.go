package migrate

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// FromSource reads every up migration from a golang-migrate source driver.
// Names are "<version padded to 20 digits>_<identifier>" so that name order
// matches version order for any uint version.
func FromSource(src source.Driver) ([]Migration, error) {
	version, err := src.First()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("migrate: first migration: %w", err)
	}

	var out []Migration
	for {
		m, ok, err := readUp(src, version)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}

		version, err = src.Next(version)
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("migrate: next migration: %w", err)
		}
	}
}

func readUp(src source.Driver, version uint) (Migration, bool, error) {
	r, identifier, err := src.ReadUp(version)
	if errors.Is(err, fs.ErrNotExist) {
		return Migration{}, false, nil
	}
	if err != nil {
		return Migration{}, false, fmt.Errorf("migrate: read version %d: %w", version, err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		return Migration{}, false, fmt.Errorf("migrate: read version %d: %w", version, err)
	}
	return Migration{Name: fmt.Sprintf("%020d_%s", version, identifier), Body: string(body)}, true, nil
}

// FromFS loads migrations named like "1_initial.up.sql" from dir in fsys.
func FromFS(fsys fs.FS, dir string) ([]Migration, error) {
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("migrate: create migration source: %w", err)
	}
	defer src.Close()
	return FromSource(src)
}
