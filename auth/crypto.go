package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// passwordKeyIterations feeds the password → sealing key derivation.
	passwordKeyIterations = 100000
	// recordKeyIterations feeds the (public key, gun salt) → record key
	// derivation. Record keys are derived per put/get, so this stays cheap.
	recordKeyIterations = 10000
	// saltLength is the random salt size for both derivations.
	saltLength = 16
	// keyLength is the AES-256 key size.
	keyLength = 32
)

// CipherBlob is an AES-256-GCM sealed value at rest. Nonce and ciphertext
// are stored separately so the store never guesses at framing.
type CipherBlob struct {
	Nonce      string `json:"nonce"`      // base64
	Ciphertext string `json:"ciphertext"` // base64, includes GCM tag
}

// NewSalt returns a fresh random salt, base64 encoded.
func NewSalt() (string, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(salt), nil
}

// PasswordKey derives the sealing key for a user's keystore from their
// password and stored salt.
func PasswordKey(password, saltB64 string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	return pbkdf2.Key([]byte(password), salt, passwordKeyIterations, keyLength, sha256.New), nil
}

// RecordKey derives the per-record GUN payload key from the owner's public
// key and their GUN salt. Everyone holding both values derives the same key,
// which is what lets the owner read their private records from any device.
func RecordKey(ownerPubHex, gunSaltB64 string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(gunSaltB64)
	if err != nil {
		return nil, fmt.Errorf("decode gun salt: %w", err)
	}
	return pbkdf2.Key([]byte(ownerPubHex), salt, recordKeyIterations, keyLength, sha256.New), nil
}

// nodeKeySalt is fixed: the node mnemonic already carries the entropy.
var nodeKeySalt = []byte("oipd/node-keystore/v1")

// NodeKeyFromMnemonic derives the node's keystore sealing key. The sync
// loop opens node-sealed GUN salts with it to decrypt and verify private
// records of locally registered users.
func NodeKeyFromMnemonic(mnemonic string) []byte {
	return pbkdf2.Key([]byte(mnemonic), nodeKeySalt, passwordKeyIterations, keyLength, sha256.New)
}

// Seal encrypts plaintext under key with AES-256-GCM and a random nonce.
func Seal(key, plaintext []byte) (*CipherBlob, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return &CipherBlob{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Open decrypts a sealed blob. A wrong key fails authentication and returns
// ErrWalletLocked rather than garbage plaintext.
func Open(key []byte, blob *CipherBlob) ([]byte, error) {
	if blob == nil {
		return nil, errors.New("nothing sealed")
	}
	nonce, err := base64.StdEncoding.DecodeString(blob.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrWalletLocked
	}
	return plaintext, nil
}

// EncryptedPayload is a private record's data section as it travels the
// graph: the GCM parts split out, each base64. Splitting the tag keeps the
// wire form compatible with WebCrypto clients, which handle it separately.
type EncryptedPayload struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	AuthTag   string `json:"authTag"`
}

const gcmTagSize = 16

// SealRecordData encrypts a record's data section under a record key.
func SealRecordData(key, plaintext []byte) (*EncryptedPayload, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - gcmTagSize
	return &EncryptedPayload{
		Encrypted: base64.StdEncoding.EncodeToString(sealed[:split]),
		IV:        base64.StdEncoding.EncodeToString(nonce),
		AuthTag:   base64.StdEncoding.EncodeToString(sealed[split:]),
	}, nil
}

// OpenRecordData decrypts a record's data section. A wrong key or tampered
// payload fails authentication.
func OpenRecordData(key []byte, p *EncryptedPayload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nothing sealed")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(p.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(p.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(p.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("decode auth tag: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, ErrWalletLocked
	}
	return plaintext, nil
}
