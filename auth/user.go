package auth

import (
	"context"
	"time"
)

// User represents a registered account: login credentials plus the
// encrypted HD wallet whose keys sign the user's records.
type User struct {
	Email         string    `json:"email"`
	PasswordHash  string    `json:"passwordHash"`
	PublicKey     string    `json:"publicKey"`     // compressed secp256k1, hex
	GunPubKeyHash string    `json:"gunPubKeyHash"` // soul prefix derived from PublicKey
	Wallet        Keystore  `json:"wallet"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Keystore is the user's key material at rest. Every blob is sealed with a
// key derived from the password; the plaintext never touches the index.
type Keystore struct {
	// Salt feeds the password key derivation, base64.
	Salt              string      `json:"salt"`
	EncryptedMnemonic *CipherBlob `json:"encryptedMnemonic"`
	EncryptedGunSalt  *CipherBlob `json:"encryptedGunSalt"`
	// NodeSealedGunSalt is the same GUN salt sealed under the node key, so
	// the sync loop can decrypt this user's private records without their
	// password. Absent when the node runs without a wallet.
	NodeSealedGunSalt *CipherBlob `json:"nodeSealedGunSalt,omitempty"`
}

// UserResponse represents a user with sensitive fields removed
type UserResponse struct {
	Email         string    `json:"email"`
	PublicKey     string    `json:"publicKey"`
	GunPubKeyHash string    `json:"gunPubKeyHash"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ToResponse converts User to UserResponse, removing sensitive fields
func (u *User) ToResponse() *UserResponse {
	return &UserResponse{
		Email:         u.Email,
		PublicKey:     u.PublicKey,
		GunPubKeyHash: u.GunPubKeyHash,
		CreatedAt:     u.CreatedAt,
	}
}

// Store defines the interface for user persistence. Lookups for missing
// users return a not-found failure the service maps to ErrUserNotFound.
type Store interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByPublicKey(ctx context.Context, pubKeyHex string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
}

// AuthResult represents the result of a successful authentication
type AuthResult struct {
	User        *UserResponse `json:"user"`
	AccessToken string        `json:"access_token"`
	ExpiresAt   time.Time     `json:"expires_at"`
}
