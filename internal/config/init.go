package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// DefaultTOML is the file written by `booger init`. It mirrors Default.
const DefaultTOML = `# default configuration file for booger
# booger looks for ./booger.toml, or pass a path with --config.
# every setting can be overridden by a BOOGER_* environment variable or a flag.

# interface and port for websocket clients (BOOGER_HOSTNAME, BOOGER_PORT)
hostname = "127.0.0.1"
port = 8006

# postgres url for nostr data (BOOGER_DB)
# booger creates the database if it does not exist
db = "postgres://127.0.0.1:5432/booger"

# nats url for cross-process fanout; empty uses postgres LISTEN/NOTIFY (BOOGER_NATS_URL)
nats_url = ""

# gRPC admin listener, e.g. ":9090"; empty disables it (BOOGER_GRPC_ADDR)
grpc_addr = ""

# bearer token for /admin/* and the gRPC admin service; empty disables auth
auth_token = ""

log_level = "info"
max_message_size = 1048576

[plugs]
# builtin plugs to load, in dispatch order (BOOGER_PLUGS_USE)
use = ["validate", "stats", "limits"]

[plugs.validate]
min_prefix_length = 4
min_sub_id_length = 1
max_sub_id_length = 255
min_created_at = 0
max_created_at = 2147483647
max_tag_id_length = 255
max_tag_data_length = 1024
max_tag_count = 2500
max_content_size = 102400
max_ids = 1000
max_authors = 1000
max_kinds = 100
min_limit = 0
max_limit = 5000

[plugs.stats]
# BOOGER_DB_STATS
db = "postgres://127.0.0.1:5432/booger_stats"

[plugs.limits]
# BOOGER_DB_LIMITS
db = "postgres://127.0.0.1:5432/booger_limits"
max_connections = 20
max_subscriptions = 100
max_filters = 1000

[plugs.limits.events]
# seconds
interval = 60
count = 100
# reject repeated content longer than this many bytes; 0 disables the check
duplicate_content_ignore_len = 0

[sync]
# export interval, e.g. "3m"; "0s" disables export (BOOGER_SYNC_INTERVAL)
interval = "0s"
s3_bucket = ""
s3_endpoint = ""
s3_region = "us-east-1"
# "{date}" in the key expands to the export day, keeping one object per day
s3_key = "booger/events.jsonl"
# path to a local clone to commit exports into; empty disables it
git_repo = ""
git_file = "events.jsonl"
git_branch = "main"
`

// ErrExists is returned by WriteDefault when the file already exists.
var ErrExists = errors.New("config file already exists")

// WriteDefault writes DefaultTOML to path, refusing to overwrite.
func WriteDefault(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s: %w", path, ErrExists)
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.WriteString(DefaultTOML); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
