package solana

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// ParsePrivateKey accepts a secret key as base64 (the storage format used for
// orders), base58 (wallet export format) or a path to a solana-keygen JSON file
// prefixed with "file:". The returned key is always 64 bytes.
func ParsePrivateKey(s string) (solana.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty private key")
	}

	if path, ok := strings.CutPrefix(s, "file:"); ok {
		key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read keygen file: %w", err)
		}
		return key, nil
	}

	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) == ed25519.PrivateKeySize {
		return solana.PrivateKey(raw), nil
	}

	key, err := solana.PrivateKeyFromBase58(s)
	if err != nil {
		return nil, fmt.Errorf("private key is neither base64 nor base58: %w", err)
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(key), ed25519.PrivateKeySize)
	}
	return key, nil
}

// EncodePrivateKey returns the base64 storage form of key.
func EncodePrivateKey(key solana.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(key)
}

// signerFor returns a key getter for Transaction.Sign that only knows keys.
func signerFor(keys ...solana.PrivateKey) func(solana.PublicKey) *solana.PrivateKey {
	return func(pub solana.PublicKey) *solana.PrivateKey {
		for i := range keys {
			if keys[i].PublicKey().Equals(pub) {
				return &keys[i]
			}
		}
		return nil
	}
}
