// Package token signs user ids into opaque proof-of-identity strings.
//
// The reducer signs str(uid) on user creation; the result seeds per-user
// flag derivation and is embedded in challenge action URLs. Only the server
// ever verifies it, so the scheme just needs to be unforgeable, not fancy:
// Ed25519 over the little-endian uid with trailing zero bytes stripped.
package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
)

const prefix = "GgT-"

// GenKeys returns a fresh (signing key, verify key) pair, urlsafe base64.
func GenKeys() (string, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate keypair: %w", err)
	}
	sk := base64.URLEncoding.EncodeToString(priv.Seed())
	vk := base64.URLEncoding.EncodeToString(pub)
	return sk, vk, nil
}

func LoadSigningKey(enc string) (ed25519.PrivateKey, error) {
	seed, err := base64.URLEncoding.DecodeString(strings.TrimSpace(enc))
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key should be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func LoadVerifyKey(enc string) (ed25519.PublicKey, error) {
	raw, err := base64.URLEncoding.DecodeString(strings.TrimSpace(enc))
	if err != nil {
		return nil, fmt.Errorf("decode verify key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verify key should be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func encodeUID(uid int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(uid))
	end := 8
	for end > 0 && buf[end-1] == 0 {
		end--
	}
	return buf[:end]
}

// Sign produces the token for a user id. uid must be non-negative.
func Sign(sk ed25519.PrivateKey, uid int64) string {
	if uid < 0 {
		panic("token: negative uid")
	}
	msg := encodeUID(uid)
	sig := ed25519.Sign(sk, msg)
	// signature followed by message, like a NaCl signed message
	return prefix + base64.URLEncoding.EncodeToString(append(sig, msg...))
}

// Verify checks a token and recovers the user id it was issued for.
func Verify(vk ed25519.PublicKey, tok string) (int64, bool) {
	if !strings.HasPrefix(tok, prefix) {
		return 0, false
	}
	raw, err := base64.URLEncoding.DecodeString(tok[len(prefix):])
	if err != nil || len(raw) < ed25519.SignatureSize || len(raw) > ed25519.SignatureSize+8 {
		return 0, false
	}
	sig, msg := raw[:ed25519.SignatureSize], raw[ed25519.SignatureSize:]
	if !ed25519.Verify(vk, msg, sig) {
		return 0, false
	}
	var buf [8]byte
	copy(buf[:], msg)
	return int64(binary.LittleEndian.Uint64(buf[:])), true
}
