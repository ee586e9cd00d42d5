package sync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alfredjeanlab/booger/internal/model"
	"github.com/alfredjeanlab/booger/internal/store"
)

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version    string    `json:"version"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	EventCount int       `json:"event_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// everything matches every stored, unexpired event.
var everything = []model.Filter{{}}

// spoolDir holds staged exports; empty means os.TempDir.
var spoolDir = ""

// ExportJSONL writes every stored event as JSONL to w, newest first. Events
// are written in their stored serialization. Records are staged in a temp
// file so the header can carry the final count.
func ExportJSONL(ctx context.Context, s store.Store, w io.Writer) error {
	spool, err := os.CreateTemp(spoolDir, "booger-export-*.jsonl")
	if err != nil {
		return fmt.Errorf("create spool: %w", err)
	}
	defer removeSpool(spool)

	bw := bufio.NewWriter(spool)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	count := 0
	err = s.Query(ctx, everything, func(raw []byte) error {
		count++
		if err := enc.Encode(record{Type: "event", Data: raw}); err != nil {
			return fmt.Errorf("encode event %d: %w", count, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write spool: %w", err)
	}

	henc := json.NewEncoder(w)
	henc.SetEscapeHTML(false)
	if err := henc.Encode(header{
		Version:    "1",
		Type:       "header",
		Timestamp:  time.Now().UTC(),
		EventCount: count,
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind spool: %w", err)
	}
	if _, err := io.Copy(w, spool); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	return nil
}

func removeSpool(f *os.File) {
	_ = f.Close()
	_ = os.Remove(f.Name())
}
