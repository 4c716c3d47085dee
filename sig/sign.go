package sig

import (
	"encoding/base64"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	bip39 "github.com/tyler-smith/go-bip39"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/record"
)

// Signer produces signatures a verification method will accept. It holds the
// private extended key at the node the method's xpub describes.
type Signer struct {
	account *hdkeychain.ExtendedKey
	vm      *VerificationMethod
}

// NewSigner pairs a private account key with the verification method that
// publishes its neutered form. The xpub must match when the method carries
// one, which catches wallets signing under the wrong account.
func NewSigner(account *hdkeychain.ExtendedKey, vm *VerificationMethod) (*Signer, error) {
	if !account.IsPrivate() {
		return nil, fmt.Errorf("signer requires a private extended key")
	}
	if vm.XPub != "" {
		neutered, err := account.Neuter()
		if err != nil {
			return nil, fmt.Errorf("neuter account key: %w", err)
		}
		if neutered.String() != vm.XPub {
			return nil, common.Failf(common.FailureVerification,
				"account key does not match method %s xpub", vm.ID)
		}
	}
	return &Signer{account: account, vm: vm}, nil
}

// Method returns the verification method this signer signs under.
func (s *Signer) Method() *VerificationMethod { return s.vm }

// Sign canonicalizes payload, derives the leaf the method's policy selects
// and returns a base64 DER signature plus the leaf index used.
func (s *Signer) Sign(payload []byte) (string, uint32, error) {
	canonical, err := record.Canonicalize(payload, "signature")
	if err != nil {
		return "", 0, common.Failf(common.FailureDecode, "canonicalize payload: %w", err)
	}
	return s.SignCanonical(canonical)
}

// SignCanonical signs bytes that are already in canonical form.
func (s *Signer) SignCanonical(canonical []byte) (string, uint32, error) {
	digest := PayloadDigest(canonical)
	leaf := s.vm.FixedIndex
	if s.vm.LeafPolicy != LeafFixed {
		leaf = LeafIndex(digest)
	}
	prefix, err := s.vm.PrefixPath()
	if err != nil {
		return "", 0, common.Fail(common.FailureDecode, err)
	}

	key := s.account
	for _, idx := range append(prefix, leaf) {
		key, err = key.Derive(idx)
		if err != nil {
			return "", 0, fmt.Errorf("derive signing child %d: %w", idx, err)
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return "", 0, fmt.Errorf("extract signing key: %w", err)
	}
	sig := ecdsa.Sign(priv, digest)
	return base64.StdEncoding.EncodeToString(sig.Serialize()), leaf, nil
}

// AccountFromMnemonic derives the default signing account m/44'/0'/0' from a
// BIP-39 mnemonic.
func AccountFromMnemonic(mnemonic, passphrase string) (*hdkeychain.ExtendedKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, common.Failf(common.FailureDecode, "invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("master key from seed: %w", err)
	}
	return DeriveAccount(master, 44, 0, 0)
}

// DeriveAccount walks the hardened purpose'/coin'/account' path from a
// master key.
func DeriveAccount(master *hdkeychain.ExtendedKey, purpose, coin, account uint32) (*hdkeychain.ExtendedKey, error) {
	key := master
	for _, idx := range []uint32{purpose, coin, account} {
		next, err := key.Derive(hdkeychain.HardenedKeyStart + idx)
		if err != nil {
			return nil, fmt.Errorf("derive hardened child %d: %w", idx, err)
		}
		key = next
	}
	return key, nil
}

// LegacyMethod describes the pre-document signing rule as a verification
// method: fixed child 0/0 under the account xpub. Wallets created before
// DID documents sign this way, and the node wallet keeps doing so for
// deletion re-signing.
func LegacyMethod(xpub string) *VerificationMethod {
	return &VerificationMethod{
		ID:               "legacy-0",
		Type:             "EcdsaSecp256k1VerificationKey2019",
		XPub:             xpub,
		DerivationPrefix: "0",
		LeafPolicy:       LeafFixed,
		FixedIndex:       0,
	}
}
