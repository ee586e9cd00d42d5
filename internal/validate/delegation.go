package validate

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/booger/internal/model"
)

// Delegation is a parsed delegation tag:
// ["delegation", <delegator pubkey>, <conditions>, <token>].
type Delegation struct {
	Delegator  string
	Conditions string
	Token      string

	// Kinds is empty when any kind is allowed.
	Kinds []int
	// After and Before are exclusive bounds on created_at; zero means unbounded.
	After  int64
	Before int64
}

// ParseDelegation parses a delegation tag and its conditions query string.
func ParseDelegation(t model.Tag) (*Delegation, error) {
	if len(t) != 4 {
		return nil, errors.New("tag must have delegator, conditions and token")
	}
	d := &Delegation{Delegator: t[1], Conditions: t[2], Token: t[3]}
	if !isHex(d.Delegator, 64) {
		return nil, errors.New("delegator must be 64 lowercase hex characters")
	}
	if !isHex(d.Token, 128) {
		return nil, errors.New("token must be 128 lowercase hex characters")
	}
	if d.Conditions == "" {
		return d, nil
	}
	for _, cond := range strings.Split(d.Conditions, "&") {
		var err error
		switch {
		case strings.HasPrefix(cond, "kind="):
			var k int
			if k, err = parseUint[int](cond[len("kind="):]); err == nil {
				d.Kinds = append(d.Kinds, k)
			}
		case strings.HasPrefix(cond, "created_at>"):
			d.After, err = parseUint[int64](cond[len("created_at>"):])
		case strings.HasPrefix(cond, "created_at<"):
			d.Before, err = parseUint[int64](cond[len("created_at<"):])
		default:
			err = errors.New("unknown condition")
		}
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", cond, err)
		}
	}
	return d, nil
}

func parseUint[T int | int64](s string) (T, error) {
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return 0, errors.New("not a number")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return T(n), err
}

// Message returns the hex sha256 the delegator signs to produce the token.
func (d *Delegation) Message(delegatee string) string {
	return sha256Hex("nostr:delegation:" + delegatee + ":" + d.Conditions)
}

// Allows reports whether the conditions admit an event of kind at createdAt.
func (d *Delegation) Allows(kind int, createdAt int64) error {
	if len(d.Kinds) > 0 && !slices.Contains(d.Kinds, kind) {
		return errors.New("not delegated for kind")
	}
	if d.Before != 0 && createdAt >= d.Before {
		return errors.New("not delegated that far into future")
	}
	if d.After != 0 && createdAt <= d.After {
		return errors.New("not delegated that far into past")
	}
	return nil
}

// CheckDelegation verifies the token signature and the conditions of tag t
// against e.
func CheckDelegation(e *model.Event, t model.Tag) error {
	d, err := ParseDelegation(t)
	if err != nil {
		return err
	}
	if err := VerifySignature(d.Token, d.Message(e.PubKey), d.Delegator); err != nil {
		return errors.New("token signature does not match delegator")
	}
	return d.Allows(e.Kind, e.CreatedAt)
}
