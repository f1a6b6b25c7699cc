package handshake

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"io"

	"github.com/dense-identity/securecall/internal/helpers"
	"golang.org/x/crypto/hkdf"
)

// Sizes of each per-direction media key triple.
const (
	EncryptionKeySize = 16
	AuthKeySize       = 20
	SaltSize          = 14

	contributionSize = 32
	sasLength        = 4
)

var (
	masterSecretInfo = []byte("securecall master secret")
	sasInfo          = []byte("SAS")

	// Base32 without the easily confused I, O, 0 and 1.
	sasEncoding = base32.NewEncoding("ABCDEFGHJKLMNPQRSTUVWXYZ23456789").WithPadding(base32.NoPadding)
)

// MasterSecret holds the per-direction media keys produced by one handshake.
type MasterSecret struct {
	InitiatorKey     []byte
	InitiatorAuthKey []byte
	InitiatorSalt    []byte

	ResponderKey     []byte
	ResponderAuthKey []byte
	ResponderSalt    []byte
}

// Zero overwrites all six key fields.
func (m *MasterSecret) Zero() {
	if m == nil {
		return
	}
	helpers.WipeAll(
		m.InitiatorKey, m.InitiatorAuthKey, m.InitiatorSalt,
		m.ResponderKey, m.ResponderAuthKey, m.ResponderSalt,
	)
}

// String never prints key material.
func (m *MasterSecret) String() string {
	return "MasterSecret{redacted}"
}

// SASInfo is the short authentication string shown to both participants.
type SASInfo struct {
	Value    string
	Verified bool
}

// deriveMasterSecret expands both contributions under the handshake hash.
func deriveMasterSecret(responderPart, initiatorPart, transcript []byte) (*MasterSecret, error) {
	ikm := helpers.ConcatBytes(responderPart, initiatorPart)
	defer helpers.WipeBytes(ikm)

	r := hkdf.New(sha256.New, ikm, transcript, masterSecretInfo)
	size := 2 * (EncryptionKeySize + AuthKeySize + SaltSize)
	okm := make([]byte, size)
	if _, err := io.ReadFull(r, okm); err != nil {
		return nil, fmt.Errorf("expanding master secret: %w", err)
	}

	take := func(n int) []byte {
		out := okm[:n:n]
		okm = okm[n:]
		return out
	}
	return &MasterSecret{
		InitiatorKey:     take(EncryptionKeySize),
		InitiatorAuthKey: take(AuthKeySize),
		InitiatorSalt:    take(SaltSize),
		ResponderKey:     take(EncryptionKeySize),
		ResponderAuthKey: take(AuthKeySize),
		ResponderSalt:    take(SaltSize),
	}, nil
}

func deriveSAS(responderPart, initiatorPart, transcript []byte) (string, error) {
	ikm := helpers.ConcatBytes(responderPart, initiatorPart)
	defer helpers.WipeBytes(ikm)

	raw := make([]byte, 4)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, transcript, sasInfo), raw); err != nil {
		return "", fmt.Errorf("deriving SAS: %w", err)
	}
	return sasEncoding.EncodeToString(raw)[:sasLength], nil
}
