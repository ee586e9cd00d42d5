// Package idgen generates connection and correlation ids backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes distinguishing the id spaces in logs.
const (
	ConnPrefix  = "c-"
	MsgPrefix   = "m-"
	RelayPrefix = "r-"
)

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 16

// ConnID returns a new connection id.
func ConnID() (string, error) {
	return GenerateWithPrefix(ConnPrefix)
}

// MsgID returns a new correlation id for an interceptor call.
func MsgID() (string, error) {
	return GenerateWithPrefix(MsgPrefix)
}

// RelayID returns a new relay process id.
func RelayID() (string, error) {
	return GenerateWithPrefix(RelayPrefix)
}

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
