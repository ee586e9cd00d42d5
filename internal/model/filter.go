package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Filter is a query predicate over events. Fields are ANDed, values within a
// field are ORed. A nil field is a wildcard; a present but empty field matches
// nothing.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	Limit   *int
	// Tags maps a single-letter tag name (without '#') to accepted values.
	Tags map[string][]string
}

// UnmarshalJSON decodes the wire shape, turning "#x" keys into Tags.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("filter must be an object")
	}
	*f = Filter{}
	for key, val := range raw {
		if bytes.Equal(bytes.TrimSpace(val), []byte("null")) {
			continue
		}
		var err error
		switch {
		case key == "ids":
			err = decodeNonNil(val, &f.IDs)
		case key == "authors":
			err = decodeNonNil(val, &f.Authors)
		case key == "kinds":
			err = decodeNonNil(val, &f.Kinds)
		case key == "since":
			f.Since = new(int64)
			err = json.Unmarshal(val, f.Since)
		case key == "until":
			f.Until = new(int64)
			err = json.Unmarshal(val, f.Until)
		case key == "limit":
			f.Limit = new(int)
			err = json.Unmarshal(val, f.Limit)
		case strings.HasPrefix(key, "#") && len(key) > 1:
			var values []string
			if err = decodeNonNil(val, &values); err == nil {
				if f.Tags == nil {
					f.Tags = make(map[string][]string)
				}
				f.Tags[key[1:]] = values
			}
		default:
			return fmt.Errorf("unknown filter field %q", key)
		}
		if err != nil {
			return fmt.Errorf("filter field %q: %w", key, err)
		}
	}
	return nil
}

// decodeNonNil decodes a JSON array, keeping "[]" distinct from absent.
func decodeNonNil[T any](data []byte, dst *[]T) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return err
	}
	if *dst == nil {
		*dst = []T{}
	}
	return nil
}

// MarshalJSON encodes the wire shape.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	if f.IDs != nil {
		m["ids"] = f.IDs
	}
	if f.Authors != nil {
		m["authors"] = f.Authors
	}
	if f.Kinds != nil {
		m["kinds"] = f.Kinds
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit != nil {
		m["limit"] = *f.Limit
	}
	for name, values := range f.Tags {
		m["#"+name] = values
	}
	return json.Marshal(m)
}

// TagNames returns the filter's tag constraint names in sorted order.
func (f *Filter) TagNames() []string {
	names := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Matches reports whether e satisfies every present field of f. Limit is
// ignored.
func (f *Filter) Matches(e *Event) bool {
	if f.IDs != nil && !matchPrefix(f.IDs, e.ID) {
		return false
	}
	if f.Authors != nil {
		delegator := e.Delegator()
		if !matchPrefix(f.Authors, e.PubKey) && (delegator == "" || !matchPrefix(f.Authors, delegator)) {
			return false
		}
	}
	if f.Kinds != nil && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if !hasTagValue(e, name, values) {
			return false
		}
	}
	return true
}

func matchPrefix(prefixes []string, s string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// hasTagValue reports whether e carries a tag named name with any value in
// the accepted set.
func hasTagValue(e *Event, name string, accepted []string) bool {
	for _, t := range e.Tags {
		if t.Name() != name {
			continue
		}
		for _, v := range t.Values() {
			if slices.Contains(accepted, v) {
				return true
			}
		}
	}
	return false
}

// MatchesAny reports whether any filter matches e.
func MatchesAny(filters []Filter, e *Event) bool {
	for i := range filters {
		if filters[i].Matches(e) {
			return true
		}
	}
	return false
}
