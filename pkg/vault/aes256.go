package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/openfroyo/froyoctl/pkg/errs"
)

const (
	saltLen    = 32
	keyLen     = 32
	ivLen      = 16
	hmacLen    = sha256.Size
	iterations = 10000
)

type derivedKeys struct {
	cipherKey []byte
	hmacKey   []byte
	iv        []byte
	material  []byte
}

func deriveKeys(secret, salt []byte) *derivedKeys {
	material := pbkdf2.Key(secret, salt, iterations, 2*keyLen+ivLen, sha256.New)
	return &derivedKeys{
		cipherKey: material[:keyLen],
		hmacKey:   material[keyLen : 2*keyLen],
		iv:        material[2*keyLen:],
		material:  material,
	}
}

func (k *derivedKeys) wipe() {
	clear(k.material)
}

// Encrypt seals plaintext with secret. An empty vaultID or DefaultID
// produces a 1.1 envelope; any other id is embedded in a 1.2 header.
func Encrypt(plaintext, secret []byte, vaultID string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errs.New(errs.CodeVaultSecretUnavailable, "vault secret is empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	keys := deriveKeys(secret, salt)
	defer keys.wipe()

	padded := pad(plaintext, aes.BlockSize)
	defer clear(padded)

	block, err := aes.NewCipher(keys.cipherKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCTR(block, keys.iv).XORKeyStream(ciphertext, padded)

	mac := hmac.New(sha256.New, keys.hmacKey)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	inner := fmt.Sprintf("%s\n%s\n%s",
		hex.EncodeToString(salt),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext))

	env := &Envelope{Cipher: CipherAES256, Body: []byte(hex.EncodeToString([]byte(inner)))}
	if vaultID != "" && vaultID != DefaultID {
		env.ID = vaultID
	}
	return env.Format(), nil
}

// Decrypt opens vault text with secret. The HMAC is checked before any
// decryption; a wrong secret or tampered body fails with VaultIntegrityError.
// The caller owns the returned buffer and should clear it after use.
func Decrypt(envelope, secret []byte) ([]byte, error) {
	env, err := ParseEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	return decryptBody(env.Body, secret)
}

func decryptBody(body, secret []byte) ([]byte, error) {
	salt, tag, ciphertext, err := splitBody(body)
	if err != nil {
		return nil, err
	}

	keys := deriveKeys(secret, salt)
	defer keys.wipe()

	mac := hmac.New(sha256.New, keys.hmacKey)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, errs.New(errs.CodeVaultIntegrity, "HMAC verification failed")
	}

	block, err := aes.NewCipher(keys.cipherKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCTR(block, keys.iv).XORKeyStream(padded, ciphertext)

	plaintext, err := unpad(padded, aes.BlockSize)
	if err != nil {
		clear(padded)
		return nil, err
	}
	out := bytes.Clone(plaintext)
	clear(padded)
	return out, nil
}

func splitBody(body []byte) (salt, tag, ciphertext []byte, err error) {
	inner := make([]byte, hex.DecodedLen(len(body)))
	if _, err := hex.Decode(inner, body); err != nil {
		return nil, nil, nil, errs.New(errs.CodeVaultIntegrity, "vault body is not valid hex")
	}

	parts := bytes.Split(inner, []byte("\n"))
	if len(parts) != 3 {
		return nil, nil, nil, errs.New(errs.CodeVaultIntegrity, "vault body must hold salt, hmac and ciphertext")
	}

	decoded := make([][]byte, 3)
	for i, p := range parts {
		decoded[i] = make([]byte, hex.DecodedLen(len(p)))
		if _, err := hex.Decode(decoded[i], p); err != nil {
			return nil, nil, nil, errs.New(errs.CodeVaultIntegrity, "vault body field is not valid hex")
		}
	}
	salt, tag, ciphertext = decoded[0], decoded[1], decoded[2]

	if len(salt) == 0 || len(tag) != hmacLen || len(ciphertext) == 0 {
		return nil, nil, nil, errs.New(errs.CodeVaultIntegrity, "vault body fields have invalid lengths")
	}
	return salt, tag, ciphertext, nil
}

// pad applies PKCS#7 padding.
func pad(data []byte, size int) []byte {
	n := size - len(data)%size
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 || len(data)%size != 0 {
		return nil, errs.New(errs.CodeVaultIntegrity, "invalid padding")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size {
		return nil, errs.New(errs.CodeVaultIntegrity, "invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errs.New(errs.CodeVaultIntegrity, "invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
