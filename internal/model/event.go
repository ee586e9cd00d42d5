// Package model defines the relay's wire records: events, tags and filters.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind boundaries.
const (
	KindMetadata    = 0
	KindContactList = 3
	KindTombstone   = 5
)

// Event is a signed, immutable record published by a client.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Tag is a single (name, values...) tuple.
type Tag []string

// Name returns the tag name or "" for an empty tag.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first value of the tag or "".
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Values returns every value after the name.
func (t Tag) Values() []string {
	if len(t) < 2 {
		return nil
	}
	return t[1:]
}

// IsEphemeral reports whether kind is never persisted.
func IsEphemeral(kind int) bool {
	return kind >= 20000 && kind < 30000
}

// IsReplaceable reports whether only the latest event per (kind, pubkey) survives.
func IsReplaceable(kind int) bool {
	return kind == KindMetadata || kind == KindContactList || (kind >= 10000 && kind < 20000)
}

// IsParamReplaceable reports whether only the latest event per (kind, pubkey, d) survives.
func IsParamReplaceable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// FirstTag returns the first tag named name, or nil.
func (e *Event) FirstTag(name string) Tag {
	for _, t := range e.Tags {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// Delegator returns the delegating pubkey from the first delegation tag.
func (e *Event) Delegator() string {
	return e.FirstTag("delegation").Value()
}

// DTag returns the "d" tag value; a missing tag reads as "".
func (e *Event) DTag() string {
	return e.FirstTag("d").Value()
}

// Expiration returns the unix time from the expiration tag. ok is false when
// the tag is missing or not an integer.
func (e *Event) Expiration() (ts int64, ok bool) {
	t := e.FirstTag("expiration")
	if t == nil {
		return 0, false
	}
	ts, err := strconv.ParseInt(t.Value(), 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// Targets returns every id named by an "e" tag.
func (e *Event) Targets() []string {
	var ids []string
	for _, t := range e.Tags {
		if t.Name() == "e" && t.Value() != "" {
			ids = append(ids, t.Value())
		}
	}
	return ids
}

// Serialize returns the canonical form [0,pubkey,created_at,kind,tags,content]
// hashed to produce the event id.
func (e *Event) Serialize() []byte {
	var b strings.Builder
	b.WriteString(`[0,`)
	writeString(&b, e.PubKey)
	b.WriteByte(',')
	b.WriteString(strconv.FormatInt(e.CreatedAt, 10))
	b.WriteByte(',')
	b.WriteString(strconv.Itoa(e.Kind))
	b.WriteString(`,[`)
	for i, t := range e.Tags {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('[')
		for j, v := range t {
			if j > 0 {
				b.WriteByte(',')
			}
			writeString(&b, v)
		}
		b.WriteByte(']')
	}
	b.WriteString(`],`)
	writeString(&b, e.Content)
	b.WriteByte(']')
	return []byte(b.String())
}

// Hash returns the hex sha256 of the canonical serialization.
func (e *Event) Hash() string {
	sum := sha256.Sum256(e.Serialize())
	return hex.EncodeToString(sum[:])
}

// Raw returns the event as stored and pushed to subscribers.
func (e *Event) Raw() ([]byte, error) {
	if e.Tags == nil {
		cp := *e
		cp.Tags = []Tag{}
		return json.Marshal(&cp)
	}
	return json.Marshal(e)
}

const hexDigits = "0123456789abcdef"

// writeString writes s as a JSON string with the minimal escape set: quote,
// backslash and control characters. HTML characters are left untouched.
func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 {
				b.WriteRune(utf8.RuneError)
			} else {
				b.WriteString(s[i : i+size])
			}
			i += size
			continue
		}
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 {
				b.WriteString(`\u00`)
				b.WriteByte(hexDigits[c>>4])
				b.WriteByte(hexDigits[c&0xf])
			} else {
				b.WriteByte(c)
			}
		}
		i++
	}
	b.WriteByte('"')
}
