// Package client implements the authenticated control channel: the
// server side embedded in the bitbox daemon and the client side used by
// the bitbox-client CLI. The AES/ECB mode and the custom RSA NoPadding
// key wrap are insecure by modern standards but are reproduced
// byte-for-byte for interoperability with legacy peers.
package client

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/big"
	"os"

	"golang.org/x/crypto/ssh"
)

const aesKeyBytes = 16

// AuthorizedKey pairs an identity with the RSA public key allowed to
// authenticate as it.
type AuthorizedKey struct {
	Identity string
	Key      *rsa.PublicKey
}

// ParseAuthorizedKeys parses OpenSSH public key entries. The key
// comment is the identity. Malformed and non-RSA entries are skipped
// with a warning.
func ParseAuthorizedKeys(entries []string, logger *slog.Logger) []AuthorizedKey {
	var keys []AuthorizedKey

	for _, entry := range entries {
		pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(entry))
		if err != nil {
			logger.Warn("invalid authorized key entry", slog.String("error", err.Error()))
			continue
		}

		cryptoKey, ok := pub.(ssh.CryptoPublicKey)
		if !ok {
			logger.Warn("unsupported authorized key type", slog.String("type", pub.Type()))
			continue
		}

		rsaKey, ok := cryptoKey.CryptoPublicKey().(*rsa.PublicKey)
		if !ok {
			logger.Warn("authorized key is not RSA", slog.String("identity", comment))
			continue
		}

		keys = append(keys, AuthorizedKey{Identity: comment, Key: rsaKey})
	}

	return keys
}

// LoadPrivateKey reads an RSA private key in OpenSSH or PEM format.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", path, err)
	}

	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	priv, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA: %T", raw)
	}

	return priv, nil
}

// GenerateAESKey returns a fresh 128-bit session key.
func GenerateAESKey() ([]byte, error) {
	key := make([]byte, aesKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating session key: %w", err)
	}

	return key, nil
}

// WrapSecretKey encrypts an AES key under an RSA public key using raw
// NoPadding exponentiation over a modulus-sized block: byte 0 is zero,
// the key occupies bytes 1..16, random bytes fill the tail.
func WrapSecretKey(key []byte, pub *rsa.PublicKey) (string, error) {
	if len(key) != aesKeyBytes {
		return "", fmt.Errorf("session key must be %d bytes, got %d", aesKeyBytes, len(key))
	}

	k := (pub.N.BitLen() + 7) / 8

	block := make([]byte, k)
	copy(block[1:1+aesKeyBytes], key)
	if _, err := rand.Read(block[1+aesKeyBytes:]); err != nil {
		return "", fmt.Errorf("generating wrap padding: %w", err)
	}

	m := new(big.Int).SetBytes(block)
	c := new(big.Int).Exp(m, big.NewInt(int64(pub.E)), pub.N)

	return base64.StdEncoding.EncodeToString(c.FillBytes(make([]byte, k))), nil
}

// UnwrapSecretKey reverses WrapSecretKey with the private key.
func UnwrapSecretKey(wrapped string, priv *rsa.PrivateKey) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("decoding wrapped key: %w", err)
	}

	k := (priv.N.BitLen() + 7) / 8

	c := new(big.Int).SetBytes(data)
	if c.Cmp(priv.N) >= 0 {
		return nil, fmt.Errorf("wrapped key out of range")
	}

	block := new(big.Int).Exp(c, priv.D, priv.N).FillBytes(make([]byte, k))

	return block[1 : 1+aesKeyBytes], nil
}

// EncryptMessage pads a JSON document with a newline and random
// printable bytes up to the AES block boundary, then encrypts it with
// AES-128 in ECB mode and returns the base64 ciphertext.
func EncryptMessage(key, doc []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	padded := append(append([]byte{}, doc...), '\n')
	for len(padded)%aes.BlockSize != 0 {
		b, err := randPrintable()
		if err != nil {
			return "", err
		}
		padded = append(padded, b)
	}

	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}

	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptMessage decrypts a base64 AES/ECB payload and splits at the
// first newline to strip the padding.
func DecryptMessage(key []byte, payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("payload is not block-aligned: %d bytes", len(data))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	plain := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Decrypt(plain[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}

	for i, b := range plain {
		if b == '\n' {
			return plain[:i], nil
		}
	}

	return nil, fmt.Errorf("payload missing newline terminator")
}

// randPrintable returns a random byte in the printable ASCII range
// 32..126, excluding the quote and backslash that would break the JSON
// framing.
func randPrintable() (byte, error) {
	for {
		var b [1]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("generating padding: %w", err)
		}

		c := 32 + b[0]%95
		if c == '"' || c == '\\' {
			continue
		}

		return c, nil
	}
}
