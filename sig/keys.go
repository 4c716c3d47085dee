package sig

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/oipwg/oipd/common"
)

// leafIndexMask keeps derived indices in the non-hardened range.
const leafIndexMask = 0x7FFFFFFF

// LeafIndex maps a payload digest to a 31-bit child index.
func LeafIndex(digest []byte) uint32 {
	if len(digest) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(digest[:4]) & leafIndexMask
}

// PayloadDigest is the message all signatures cover: SHA-256 of the
// canonical payload bytes.
func PayloadDigest(canonical []byte) []byte {
	sum := sha256.Sum256(canonical)
	return sum[:]
}

// parseXPub decodes an extended public key and rejects private keys, which
// must never appear in a registration.
func parseXPub(xpub string) (*hdkeychain.ExtendedKey, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, common.Failf(common.FailureDecode, "parse xpub: %w", err)
	}
	if key.IsPrivate() {
		return nil, common.Failf(common.FailureVerification, "registration carries a private key")
	}
	return key, nil
}

// derivePublic walks non-hardened children from key.
func derivePublic(key *hdkeychain.ExtendedKey, path []uint32) (*btcec.PublicKey, error) {
	cur := key
	for _, idx := range path {
		next, err := cur.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("derive child %d: %w", idx, err)
		}
		cur = next
	}
	pub, err := cur.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("extract pubkey: %w", err)
	}
	return pub, nil
}

// methodLeafKey resolves the public key a method would have signed this
// payload with.
func methodLeafKey(vm *VerificationMethod, digest []byte) (*btcec.PublicKey, uint32, error) {
	key, err := parseXPub(vm.XPub)
	if err != nil {
		return nil, 0, err
	}
	prefix, err := vm.PrefixPath()
	if err != nil {
		return nil, 0, common.Fail(common.FailureDecode, err)
	}
	leaf := vm.FixedIndex
	if vm.LeafPolicy != LeafFixed {
		leaf = LeafIndex(digest)
	}
	pub, err := derivePublic(key, append(prefix, leaf))
	if err != nil {
		return nil, 0, common.Fail(common.FailureVerification, err)
	}
	return pub, leaf, nil
}

// PubKeyHex renders a compressed public key the way registrations store it.
func PubKeyHex(pub *btcec.PublicKey) string {
	return hex.EncodeToString(pub.SerializeCompressed())
}

// ParsePubKeyHex parses a compressed or uncompressed hex public key.
func ParsePubKeyHex(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, common.Failf(common.FailureDecode, "decode pubkey hex: %w", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, common.Failf(common.FailureDecode, "parse pubkey: %w", err)
	}
	return pub, nil
}
