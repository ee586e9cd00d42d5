package postgres

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/booger/internal/model"
)

// buildFilterQuery translates f into a SELECT over live events ordered newest
// first. now excludes expired rows. The semantics mirror model.Filter.Matches.
func buildFilterQuery(f model.Filter, now int64) (string, []any) {
	var (
		where []string
		args  []any
	)
	nextArg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.IDs != nil {
		if len(f.IDs) == 0 {
			where = append(where, "FALSE")
		} else {
			where = append(where, "id ^@ ANY("+nextArg(pq.Array(f.IDs))+"::TEXT[])")
		}
	}
	if f.Authors != nil {
		if len(f.Authors) == 0 {
			where = append(where, "FALSE")
		} else {
			p := nextArg(pq.Array(f.Authors))
			where = append(where, "(pubkey ^@ ANY("+p+"::TEXT[]) OR delegator ^@ ANY("+p+"::TEXT[]))")
		}
	}
	if f.Kinds != nil {
		if len(f.Kinds) == 0 {
			where = append(where, "FALSE")
		} else {
			kinds := make([]int64, len(f.Kinds))
			for i, k := range f.Kinds {
				kinds[i] = int64(k)
			}
			where = append(where, "kind = ANY("+nextArg(pq.Array(kinds))+"::INTEGER[])")
		}
	}
	if f.Since != nil {
		where = append(where, "created_at >= "+nextArg(*f.Since))
	}
	if f.Until != nil {
		where = append(where, "created_at <= "+nextArg(*f.Until))
	}
	for _, name := range f.TagNames() {
		values := f.Tags[name]
		if len(values) == 0 {
			where = append(where, "FALSE")
			continue
		}
		where = append(where, "EXISTS (SELECT 1 FROM tag WHERE tag.event_id = event.id AND tag.name = "+
			nextArg(name)+" AND tag.tag_values && "+nextArg(pq.Array(values))+"::TEXT[])")
	}
	where = append(where, "(expires_at IS NULL OR expires_at > "+nextArg(now)+")")

	q := "SELECT raw FROM event WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at DESC, id ASC"
	if f.Limit != nil {
		q += " LIMIT " + nextArg(*f.Limit)
	}
	return q, args
}
