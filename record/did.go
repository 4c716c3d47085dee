// Package record defines the data model shared by every oipd component:
// decentralized identifiers, the record envelope, storage manifests, and the
// canonical JSON form that signatures are computed over.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Backend identifies the storage network a record lives on.
type Backend string

const (
	BackendArweave Backend = "arweave"
	BackendGun     Backend = "gun"
)

// Valid reports whether b names a supported backend.
func (b Backend) Valid() bool {
	return b == BackendArweave || b == BackendGun
}

// DID is a parsed decentralized identifier of the form
// did:<backend>:<locator>[:<local-id>].
type DID struct {
	Backend Backend
	Locator string
	LocalID string
}

// ParseDID parses s into its components. The local-id segment may itself
// contain colons; only the first three separators are structural.
func ParseDID(s string) (DID, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) < 3 || parts[0] != "did" {
		return DID{}, fmt.Errorf("malformed did %q", s)
	}
	d := DID{Backend: Backend(parts[1]), Locator: parts[2]}
	if !d.Backend.Valid() {
		return DID{}, fmt.Errorf("did %q: unsupported backend %q", s, parts[1])
	}
	if d.Locator == "" {
		return DID{}, fmt.Errorf("did %q: empty locator", s)
	}
	if len(parts) == 4 {
		d.LocalID = parts[3]
	}
	return d, nil
}

// String renders the canonical textual form.
func (d DID) String() string {
	if d.LocalID != "" {
		return fmt.Sprintf("did:%s:%s:%s", d.Backend, d.Locator, d.LocalID)
	}
	return fmt.Sprintf("did:%s:%s", d.Backend, d.Locator)
}

// Soul returns the GUN-native identifier for a GUN DID, which is the
// locator (owner pubkey prefix) joined with the local id.
func (d DID) Soul() string {
	if d.Backend != BackendGun {
		return ""
	}
	if d.LocalID == "" {
		return d.Locator
	}
	return d.Locator + ":" + d.LocalID
}

// ArweaveDID builds the DID for an Arweave transaction.
func ArweaveDID(txid string) DID {
	return DID{Backend: BackendArweave, Locator: txid}
}

// GunDID builds the DID for a GUN soul of the form <prefix>:<local-id>.
// A soul without a colon becomes a bare-locator DID.
func GunDID(soul string) DID {
	parts := strings.SplitN(soul, ":", 2)
	d := DID{Backend: BackendGun, Locator: parts[0]}
	if len(parts) == 2 {
		d.LocalID = parts[1]
	}
	return d
}

// gunPrefixLen is the length of the owner prefix embedded in GUN souls.
const gunPrefixLen = 12

// GunOwnerPrefix derives the soul prefix that marks a key's records on GUN:
// the first 12 hex characters of SHA-256 over the compressed public key hex.
func GunOwnerPrefix(pubKeyHex string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(pubKeyHex)))
	return hex.EncodeToString(sum[:])[:gunPrefixLen]
}

// IsDID reports whether s looks like a DID without fully validating it.
func IsDID(s string) bool {
	return strings.HasPrefix(s, "did:")
}
