// Package testkit builds signed events for tests.
package testkit

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/alfredjeanlab/booger/internal/model"
)

// Key is a test identity.
type Key struct {
	priv *btcec.PrivateKey
	// PubKey is the x-only public key in lowercase hex.
	PubKey string
}

// NewKey generates a fresh key pair.
func NewKey(t testing.TB) *Key {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &Key{priv: priv, PubKey: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))}
}

// SignHex signs the hex-encoded 32-byte message and returns the hex signature.
func (k *Key) SignHex(t testing.TB, msgHex string) string {
	t.Helper()
	msg, err := hex.DecodeString(msgHex)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	sig, err := schnorr.Sign(k.priv, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return hex.EncodeToString(sig.Serialize())
}

// Sign sets the pubkey, id and signature of e.
func (k *Key) Sign(t testing.TB, e *model.Event) *model.Event {
	t.Helper()
	if e.Tags == nil {
		e.Tags = []model.Tag{}
	}
	e.PubKey = k.PubKey
	e.ID = e.Hash()
	e.Sig = k.SignHex(t, e.ID)
	return e
}

// Event returns a signed event of the given kind and content.
func (k *Key) Event(t testing.TB, kind int, createdAt int64, content string, tags ...model.Tag) *model.Event {
	t.Helper()
	return k.Sign(t, &model.Event{Kind: kind, CreatedAt: createdAt, Content: content, Tags: tags})
}
