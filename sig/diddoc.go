// Package sig implements record authorship verification. Two paths exist:
// the legacy one checks a signature against the single xpub declared at
// creator registration, and the v0.9 one walks the creator's DID document,
// deriving per-record leaf keys from each active verification method.
package sig

import (
	"fmt"
	"strconv"
	"strings"
)

// LeafPolicy selects how the signing leaf index is chosen under a
// verification method.
type LeafPolicy string

const (
	// LeafPayloadDigest derives the leaf from the first 31 bits of the
	// SHA-256 of the canonical payload, making every record sign under a
	// different key.
	LeafPayloadDigest LeafPolicy = "payload_digest"
	// LeafFixed always signs under the method's fixed index.
	LeafFixed LeafPolicy = "fixed"
)

// VerificationMethod is one key-derivation rule in a DID document.
type VerificationMethod struct {
	ID               string     `json:"vm_id"`
	Type             string     `json:"vm_type"`
	XPub             string     `json:"xpub"`
	DerivationPrefix string     `json:"derivation_prefix"`
	LeafPolicy       LeafPolicy `json:"leaf_policy"`
	FixedIndex       uint32     `json:"fixed_index,omitempty"`
	ValidFromBlock   int64      `json:"valid_from_block"`
	RevokedFromBlock *int64     `json:"revoked_from_block,omitempty"`
}

// ActiveAt reports whether the method may sign at ordering index h:
// valid_from_block ≤ h < revoked_from_block.
func (vm *VerificationMethod) ActiveAt(h int64) bool {
	if h < vm.ValidFromBlock {
		return false
	}
	if vm.RevokedFromBlock != nil && h >= *vm.RevokedFromBlock {
		return false
	}
	return true
}

// PrefixPath parses the derivation prefix into non-hardened child indices
// relative to the method's xpub. Hardened segments cannot be derived from a
// public key and are rejected.
func (vm *VerificationMethod) PrefixPath() ([]uint32, error) {
	prefix := strings.TrimPrefix(vm.DerivationPrefix, "m/")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" || prefix == "m" {
		return nil, nil
	}
	parts := strings.Split(prefix, "/")
	path := make([]uint32, 0, len(parts))
	for _, part := range parts {
		if strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h") {
			return nil, fmt.Errorf("derivation prefix %q: hardened segment %q not derivable from xpub",
				vm.DerivationPrefix, part)
		}
		n, err := strconv.ParseUint(part, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("derivation prefix %q: bad segment %q", vm.DerivationPrefix, part)
		}
		path = append(path, uint32(n))
	}
	return path, nil
}

// DIDDocument is the v0.9 creator registration shape: one identifier with
// one or more verification methods.
type DIDDocument struct {
	ID                  string               `json:"id"`
	VerificationMethods []VerificationMethod `json:"verificationMethods"`
}

// Method returns the verification method with the given id.
func (d *DIDDocument) Method(id string) (*VerificationMethod, bool) {
	for i := range d.VerificationMethods {
		if d.VerificationMethods[i].ID == id {
			return &d.VerificationMethods[i], true
		}
	}
	return nil, false
}

// Registration is a creator's on-record registration, either shape.
type Registration struct {
	DID string `json:"did"`
	// XPub is the legacy single extended public key. Present iff the
	// creator registered before v0.9.
	XPub string `json:"xpub,omitempty"`
	// PublicKey is the creator's compressed key in hex, kept for ownership
	// comparisons.
	PublicKey string `json:"publicKey,omitempty"`
	// Email backs the admin-domain deletion override.
	Email string `json:"email,omitempty"`
	// Document is the v0.9 DID document. Present iff registered under v0.9.
	Document *DIDDocument `json:"document,omitempty"`
}

// Legacy reports whether the registration predates DID documents.
func (r *Registration) Legacy() bool {
	return r.Document == nil
}
