// Package validate checks event shape, hash, signature and delegation, and
// applies the configurable size limits used by the validate extension.
package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/alfredjeanlab/booger/internal/model"
)

// Limits bounds event and filter sizes.
type Limits struct {
	MinPrefixLength  int   `toml:"min_prefix_length"`
	MinSubIDLength   int   `toml:"min_sub_id_length"`
	MaxSubIDLength   int   `toml:"max_sub_id_length"`
	MinCreatedAt     int64 `toml:"min_created_at"`
	MaxCreatedAt     int64 `toml:"max_created_at"`
	MaxTagIDLength   int   `toml:"max_tag_id_length"`
	MaxTagDataLength int   `toml:"max_tag_data_length"`
	MaxTagCount      int   `toml:"max_tag_count"`
	MaxContentSize   int   `toml:"max_content_size"`
	MaxIDs           int   `toml:"max_ids"`
	MaxAuthors       int   `toml:"max_authors"`
	MaxKinds         int   `toml:"max_kinds"`
	MinLimit         int   `toml:"min_limit"`
	MaxLimit         int   `toml:"max_limit"`
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		MinPrefixLength:  4,
		MinSubIDLength:   1,
		MaxSubIDLength:   255,
		MinCreatedAt:     0,
		MaxCreatedAt:     2147483647,
		MaxTagIDLength:   255,
		MaxTagDataLength: 1024,
		MaxTagCount:      2500,
		MaxContentSize:   100 * 1024,
		MaxIDs:           1000,
		MaxAuthors:       1000,
		MaxKinds:         100,
		MinLimit:         0,
		MaxLimit:         5000,
	}
}

// Validator verifies events before they enter the pipeline.
type Validator struct {
	limits Limits
}

// New returns a Validator enforcing limits.
func New(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Limits returns the limits the validator enforces.
func (v *Validator) Limits() Limits {
	return v.limits
}

// Validate checks field shape, the id hash, the signature and any delegation
// tag. Failures are returned as *model.ValidationError.
func (v *Validator) Validate(e *model.Event) error {
	var ve model.ValidationError
	if !isHex(e.ID, 64) {
		ve.Add("id", "must be 64 lowercase hex characters")
	}
	if !isHex(e.PubKey, 64) {
		ve.Add("pubkey", "must be 64 lowercase hex characters")
	}
	if !isHex(e.Sig, 128) {
		ve.Add("sig", "must be 128 lowercase hex characters")
	}
	if e.CreatedAt < v.limits.MinCreatedAt || e.CreatedAt > v.limits.MaxCreatedAt {
		ve.Add("created_at", fmt.Sprintf("must be between %d and %d", v.limits.MinCreatedAt, v.limits.MaxCreatedAt))
	}
	if e.Kind < 0 {
		ve.Add("kind", "must not be negative")
	}
	for i, t := range e.Tags {
		if len(t) == 0 {
			ve.Add(fmt.Sprintf("tags[%d]", i), "must have a name")
		}
	}
	if ve.HasErrors() {
		return &ve
	}

	if e.Hash() != e.ID {
		ve.Add("id", "not equal to sha256 of note")
		return &ve
	}
	if err := VerifySignature(e.Sig, e.ID, e.PubKey); err != nil {
		ve.Add("sig", "does not match pubkey")
		return &ve
	}
	if t := e.FirstTag("delegation"); t != nil {
		if err := CheckDelegation(e, t); err != nil {
			ve.Add("delegation", err.Error())
			return &ve
		}
	}
	return nil
}

// CheckExpired rejects an event whose expiration tag is not after now.
func CheckExpired(e *model.Event, now time.Time) error {
	if ts, ok := e.Expiration(); ok && ts <= now.Unix() {
		return &model.ValidationError{Errors: []model.FieldError{{Field: "expiration", Message: "event has expired"}}}
	}
	return nil
}

// CheckLimits applies the size limits to an already verified event.
func (v *Validator) CheckLimits(e *model.Event) error {
	var ve model.ValidationError
	l := v.limits
	if len(e.Tags) > l.MaxTagCount {
		ve.Add("tags", fmt.Sprintf("at most %d tags allowed", l.MaxTagCount))
	}
	for i, t := range e.Tags {
		if len(t.Name()) > l.MaxTagIDLength {
			ve.Add(fmt.Sprintf("tags[%d][0]", i), fmt.Sprintf("longer than %d", l.MaxTagIDLength))
		}
		for j, val := range t.Values() {
			if len(val) > l.MaxTagDataLength {
				ve.Add(fmt.Sprintf("tags[%d][%d]", i, j+1), fmt.Sprintf("longer than %d", l.MaxTagDataLength))
			}
		}
	}
	if len(e.Content) > l.MaxContentSize {
		ve.Add("content", fmt.Sprintf("longer than %d", l.MaxContentSize))
	}
	return ve.Err()
}

// ValidateSubID checks a subscription id's length.
func (v *Validator) ValidateSubID(id string) error {
	if len(id) < v.limits.MinSubIDLength || len(id) > v.limits.MaxSubIDLength {
		return &model.ValidationError{Errors: []model.FieldError{{
			Field:   "subId",
			Message: fmt.Sprintf("length must be between %d and %d", v.limits.MinSubIDLength, v.limits.MaxSubIDLength),
		}}}
	}
	return nil
}

// ValidateFilters checks every filter against the limits.
func (v *Validator) ValidateFilters(filters []model.Filter) error {
	var ve model.ValidationError
	l := v.limits
	for i := range filters {
		f := &filters[i]
		path := fmt.Sprintf("filters[%d]", i)
		v.checkPrefixes(&ve, path+".ids", f.IDs, l.MaxIDs)
		v.checkPrefixes(&ve, path+".authors", f.Authors, l.MaxAuthors)
		if len(f.Kinds) > l.MaxKinds {
			ve.Add(path+".kinds", fmt.Sprintf("at most %d kinds allowed", l.MaxKinds))
		}
		for _, k := range f.Kinds {
			if k < 0 {
				ve.Add(path+".kinds", "must not be negative")
				break
			}
		}
		v.checkTime(&ve, path+".since", f.Since)
		v.checkTime(&ve, path+".until", f.Until)
		if f.Limit != nil && (*f.Limit < l.MinLimit || *f.Limit > l.MaxLimit) {
			ve.Add(path+".limit", fmt.Sprintf("must be between %d and %d", l.MinLimit, l.MaxLimit))
		}
		for _, name := range f.TagNames() {
			values := f.Tags[name]
			if len(values) > l.MaxTagCount {
				ve.Add(path+".#"+name, fmt.Sprintf("at most %d values allowed", l.MaxTagCount))
			}
			for _, val := range values {
				if len(val) > l.MaxTagDataLength {
					ve.Add(path+".#"+name, fmt.Sprintf("value longer than %d", l.MaxTagDataLength))
					break
				}
			}
		}
	}
	return ve.Err()
}

func (v *Validator) checkPrefixes(ve *model.ValidationError, field string, prefixes []string, max int) {
	if len(prefixes) > max {
		ve.Add(field, fmt.Sprintf("at most %d allowed", max))
	}
	for _, p := range prefixes {
		if len(p) < v.limits.MinPrefixLength || !isHex(p, len(p)) || len(p) > 64 {
			ve.Add(field, fmt.Sprintf("%q is not a hex prefix of %d to 64 characters", p, v.limits.MinPrefixLength))
			return
		}
	}
}

func (v *Validator) checkTime(ve *model.ValidationError, field string, t *int64) {
	if t != nil && (*t < v.limits.MinCreatedAt || *t > v.limits.MaxCreatedAt) {
		ve.Add(field, fmt.Sprintf("must be between %d and %d", v.limits.MinCreatedAt, v.limits.MaxCreatedAt))
	}
}

// VerifySignature checks a BIP-340 signature over the hex-encoded 32-byte
// message.
func VerifySignature(sigHex, msgHex, pubkeyHex string) error {
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	msg, err := hex.DecodeString(msgHex)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	pkBytes, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return fmt.Errorf("decode pubkey: %w", err)
	}
	pk, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	if !sig.Verify(msg, pk) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}

// isHex reports whether s is exactly n lowercase hex characters.
func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
