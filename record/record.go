package record

import (
	"time"
)

// Creator identifies the author of a record.
type Creator struct {
	DID       string `json:"did"`
	PublicKey string `json:"publicKey,omitempty"`
}

// Envelope is the oip metadata stored next to a record's semantic data.
type Envelope struct {
	DID        string  `json:"did"`
	RecordType string  `json:"recordType,omitempty"`
	Creator    Creator `json:"creator"`
	Signature  string  `json:"signature,omitempty"`
	// SignedBy names the verification method a v0.9 signature was made
	// with; empty for legacy signatures.
	SignedBy  string  `json:"signedBy,omitempty"`
	Backend   Backend `json:"storage"`
	Encrypted bool    `json:"encrypted,omitempty"`
	// BlockHeight is set for Arweave records once observed in a block and
	// is never rewritten afterwards. Zero means not yet mined / GUN.
	BlockHeight int64            `json:"blockHeight,omitempty"`
	IndexedAt   time.Time        `json:"indexedAt"`
	Ver         string           `json:"ver,omitempty"`
	Manifest    *StorageManifest `json:"storageManifest,omitempty"`
}

// OrderingIndex is the height used for verification-method validity windows:
// the block height for Arweave records, and the indexing timestamp (unix
// seconds) for GUN records, which have no chain height.
func (e *Envelope) OrderingIndex() int64 {
	if e.BlockHeight > 0 {
		return e.BlockHeight
	}
	if e.IndexedAt.IsZero() {
		return 0
	}
	return e.IndexedAt.Unix()
}

// Record is the unit of indexing: semantic data keyed by template name and
// field name, plus the envelope.
type Record struct {
	Data map[string]map[string]interface{} `json:"data"`
	OIP  Envelope                          `json:"oip"`
}

// DID returns the record identifier.
func (r *Record) DID() string { return r.OIP.DID }

// Field returns data[template][field] if present.
func (r *Record) Field(templateName, fieldName string) (interface{}, bool) {
	tmpl, ok := r.Data[templateName]
	if !ok {
		return nil, false
	}
	v, ok := tmpl[fieldName]
	return v, ok
}

// AccessLevel values used by the accessControl template.
const (
	AccessPublic       = "public"
	AccessPrivate      = "private"
	AccessOrganization = "organization"
)

// AccessLevel returns the record's declared access level, defaulting to
// public when no accessControl template is attached.
func (r *Record) AccessLevel() string {
	if v, ok := r.Field("accessControl", "access_level"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if r.OIP.Encrypted {
		return AccessPrivate
	}
	return AccessPublic
}

// OwnerPublicKey resolves the record's owning key: an explicit
// accessControl or conversationSession owner wins; otherwise the creator's
// registered key.
func (r *Record) OwnerPublicKey() string {
	for _, tmpl := range []string{"accessControl", "conversationSession"} {
		if v, ok := r.Field(tmpl, "owner_public_key"); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return r.OIP.Creator.PublicKey
}
