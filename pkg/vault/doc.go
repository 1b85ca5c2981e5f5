// Package vault encrypts and decrypts secret values embedded in inventories.
//
// Envelopes use the AES256 vault format: PBKDF2-HMAC-SHA256 derives a cipher
// key, an HMAC key and a CTR IV from the secret and a random salt; the HMAC
// over the ciphertext is verified before anything is decrypted. Envelopes
// written by ansible-vault are accepted.
//
// Secrets come from a Keyring of vault ids. Plaintext and key material are
// cleared as soon as they are no longer needed and are never logged.
package vault
