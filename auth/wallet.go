package auth

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	bip39 "github.com/tyler-smith/go-bip39"

	"github.com/oipwg/oipd/record"
	"github.com/oipwg/oipd/sig"
)

// Wallet is an unlocked HD wallet: the private account key plus the derived
// identity. It lives only in memory for the duration of a request.
type Wallet struct {
	Mnemonic  string
	Account   *hdkeychain.ExtendedKey // m/44'/0'/0', private
	PublicKey string                  // compressed secp256k1 hex at 0/0
}

// NewMnemonic generates a fresh 12-word BIP-39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// WalletFromMnemonic derives the signing account and the identity key from
// a mnemonic. The identity key is the compressed public key at the first
// external child (0/0) of the default account, matching what legacy clients
// publish in creator registrations.
func WalletFromMnemonic(mnemonic string) (*Wallet, error) {
	account, err := sig.AccountFromMnemonic(mnemonic, "")
	if err != nil {
		return nil, err
	}
	pubHex, err := identityKey(account)
	if err != nil {
		return nil, err
	}
	return &Wallet{Mnemonic: mnemonic, Account: account, PublicKey: pubHex}, nil
}

// identityKey returns the compressed public key at child 0/0 as hex.
func identityKey(account *hdkeychain.ExtendedKey) (string, error) {
	key := account
	for _, idx := range []uint32{0, 0} {
		next, err := key.Derive(idx)
		if err != nil {
			return "", fmt.Errorf("derive identity child: %w", err)
		}
		key = next
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("extract identity key: %w", err)
	}
	return hex.EncodeToString(pub.SerializeCompressed()), nil
}

// XPub returns the neutered account key, which is what the wallet publishes
// in its creator registration.
func (w *Wallet) XPub() (string, error) {
	neutered, err := w.Account.Neuter()
	if err != nil {
		return "", fmt.Errorf("neuter account: %w", err)
	}
	return neutered.String(), nil
}

// Signer builds a legacy-method signer for this wallet.
func (w *Wallet) Signer() (*sig.Signer, error) {
	xpub, err := w.XPub()
	if err != nil {
		return nil, err
	}
	return sig.NewSigner(w.Account, sig.LegacyMethod(xpub))
}

// GunPrefix returns the soul prefix records owned by this wallet carry.
func (w *Wallet) GunPrefix() string {
	return record.GunOwnerPrefix(w.PublicKey)
}
