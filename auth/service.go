// Package auth manages user accounts: bcrypt login credentials, the
// encrypted HD wallet each account signs records with, and the access
// tokens the HTTP surface trusts. Plaintext key material exists only in
// memory while a password is in hand.
package auth

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/record"
)

// Service wires the user store, token issuing and wallet handling together.
type Service struct {
	store   Store
	tokens  *TokenService
	nodeKey []byte
	log     *logrus.Entry
}

// ServiceOption adjusts service construction.
type ServiceOption func(*Service)

// WithNodeKey enables node-side custody of GUN salts: new keystores carry a
// second copy of the salt sealed under this key, which lets the sync loop
// decrypt local users' private records.
func WithNodeKey(key []byte) ServiceOption {
	return func(s *Service) { s.nodeKey = key }
}

// NewService creates an authentication service.
func NewService(store Store, tokens *TokenService, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		tokens: tokens,
		log:    common.ComponentLogger("auth"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tokens exposes the token service for route middleware.
func (s *Service) Tokens() *TokenService { return s.tokens }

// RegisterResult is what a fresh registration hands back: the one-time
// mnemonic disclosure plus a ready session.
type RegisterResult struct {
	AuthResult
	// Mnemonic is returned exactly once, at registration. It is never
	// served again without a password re-check.
	Mnemonic string `json:"mnemonic"`
}

// Register creates an account: a fresh wallet, its keystore sealed under
// the password, and a first access token.
func (s *Service) Register(ctx context.Context, email, password string) (*RegisterResult, error) {
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := CheckPasswordStrength(password); err != nil {
		return nil, err
	}
	if existing, err := s.store.GetUserByEmail(ctx, email); err == nil && existing != nil {
		return nil, ErrUserExists
	} else if err != nil && common.KindOf(err) != common.FailureNotFound {
		return nil, err
	}

	passwordHash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	mnemonic, err := NewMnemonic()
	if err != nil {
		return nil, err
	}
	wallet, err := WalletFromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}

	keystore, err := sealKeystore(password, mnemonic, s.nodeKey)
	if err != nil {
		return nil, err
	}

	user := &User{
		Email:         email,
		PasswordHash:  passwordHash,
		PublicKey:     wallet.PublicKey,
		GunPubKeyHash: wallet.GunPrefix(),
		Wallet:        *keystore,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"email": email,
		"pub":   user.PublicKey,
	}).Info("registered user")

	session, err := s.session(user)
	if err != nil {
		return nil, err
	}
	return &RegisterResult{AuthResult: *session, Mnemonic: mnemonic}, nil
}

// sealKeystore encrypts a fresh wallet's secrets under the password, and
// when the node holds a key, the GUN salt under that too.
func sealKeystore(password, mnemonic string, nodeKey []byte) (*Keystore, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	key, err := PasswordKey(password, salt)
	if err != nil {
		return nil, err
	}
	sealedMnemonic, err := Seal(key, []byte(mnemonic))
	if err != nil {
		return nil, err
	}
	gunSalt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	sealedGunSalt, err := Seal(key, []byte(gunSalt))
	if err != nil {
		return nil, err
	}
	ks := &Keystore{
		Salt:              salt,
		EncryptedMnemonic: sealedMnemonic,
		EncryptedGunSalt:  sealedGunSalt,
	}
	if len(nodeKey) > 0 {
		if ks.NodeSealedGunSalt, err = Seal(nodeKey, []byte(gunSalt)); err != nil {
			return nil, err
		}
	}
	return ks, nil
}

// Login checks credentials and issues a session.
func (s *Service) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	user, err := s.authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s.session(user)
}

// authenticate loads a user and checks the password, folding the not-found
// and wrong-password cases into one answer so login failures do not leak
// which addresses have accounts.
func (s *Service) authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if common.KindOf(err) == common.FailureNotFound {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := ValidatePassword(password, user.PasswordHash); err != nil {
		s.log.WithField("email", email).Warn("failed login attempt")
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (s *Service) session(user *User) (*AuthResult, error) {
	token, expiresAt, err := s.tokens.GenerateToken(user)
	if err != nil {
		return nil, err
	}
	return &AuthResult{
		User:        user.ToResponse(),
		AccessToken: token,
		ExpiresAt:   expiresAt,
	}, nil
}

// Unlock opens a user's wallet with their password. Callers hold the
// result only for the duration of one signing operation.
func (s *Service) Unlock(ctx context.Context, email, password string) (*Wallet, error) {
	user, err := s.authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return unlockWallet(user, password)
}

func unlockWallet(user *User, password string) (*Wallet, error) {
	key, err := PasswordKey(password, user.Wallet.Salt)
	if err != nil {
		return nil, err
	}
	mnemonic, err := Open(key, user.Wallet.EncryptedMnemonic)
	if err != nil {
		return nil, err
	}
	return WalletFromMnemonic(string(mnemonic))
}

// ExportMnemonic re-authenticates and returns the wallet mnemonic. The
// password is required even inside an authenticated session.
func (s *Service) ExportMnemonic(ctx context.Context, email, password string) (string, error) {
	wallet, err := s.Unlock(ctx, email, password)
	if err != nil {
		return "", err
	}
	common.SecurityLogger("auth").WithField("email", email).Info("mnemonic exported")
	return wallet.Mnemonic, nil
}

// GunRecordKey derives the per-record encryption key for a user's private
// GUN payloads. Requires the password to open the stored GUN salt.
func (s *Service) GunRecordKey(ctx context.Context, email, password string) ([]byte, error) {
	user, err := s.authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	key, err := PasswordKey(password, user.Wallet.Salt)
	if err != nil {
		return nil, err
	}
	gunSalt, err := Open(key, user.Wallet.EncryptedGunSalt)
	if err != nil {
		return nil, err
	}
	return RecordKey(user.PublicKey, string(gunSalt))
}

// SyncRecordKey derives the record key for an owner without their password,
// using the node-sealed GUN salt. Only works for users registered on this
// node; a remote owner's records stay opaque until their home node projects
// them.
func (s *Service) SyncRecordKey(ctx context.Context, ownerPubHex string) ([]byte, error) {
	if len(s.nodeKey) == 0 {
		return nil, ErrWalletLocked
	}
	user, err := s.store.GetUserByPublicKey(ctx, ownerPubHex)
	if err != nil {
		return nil, err
	}
	if user.Wallet.NodeSealedGunSalt == nil {
		return nil, ErrWalletLocked
	}
	gunSalt, err := Open(s.nodeKey, user.Wallet.NodeSealedGunSalt)
	if err != nil {
		return nil, err
	}
	return RecordKey(user.PublicKey, string(gunSalt))
}

// EmailDomain reports the registered email domain for a public key. The
// deletion processor consults this for the admin-domain override.
func (s *Service) EmailDomain(ctx context.Context, pubKeyHex string) (string, error) {
	user, err := s.store.GetUserByPublicKey(ctx, pubKeyHex)
	if err != nil {
		return "", err
	}
	return EmailDomain(user.Email), nil
}

// OwnerPrefix resolves a public key to the GUN soul prefix its records use.
func OwnerPrefix(pubKeyHex string) string {
	return record.GunOwnerPrefix(pubKeyHex)
}
