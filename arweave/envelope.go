package arweave

import (
	"time"

	"github.com/oipwg/oipd/record"
)

// Tag names OIP transactions carry on chain.
const (
	TagIndexMethod = "Index-Method"
	TagContentType = "Content-Type"
	TagType        = "Type"
	TagVer         = "Ver"
	TagCreator     = "Creator"
	TagCreatorSig  = "CreatorSig"
	TagSignedBy    = "SignedBy"
	TagRecordType  = "RecordType"
	TagEncrypted   = "Encrypted"
)

// Transaction kinds under the Type tag.
const (
	TypeRecord        = "Record"
	TypeTemplate      = "Template"
	TypeDeleteMessage = "deleteMessage"
)

// Kind returns the transaction's Type tag, empty when untyped.
func (h *TxHeader) Kind() string {
	return h.Tags.Get(TagType)
}

// Envelope builds the oip metadata for a transaction. The signature tag is
// read whitespace-packed since wallets wrap long base64 values.
func (h *TxHeader) Envelope(indexedAt time.Time) record.Envelope {
	return record.Envelope{
		DID:         record.ArweaveDID(h.ID).String(),
		RecordType:  h.Tags.Get(TagRecordType),
		Creator:     record.Creator{DID: h.Tags.Get(TagCreator)},
		Signature:   h.Tags.GetPacked(TagCreatorSig),
		SignedBy:    h.Tags.Get(TagSignedBy),
		Backend:     record.BackendArweave,
		Encrypted:   h.Tags.Get(TagEncrypted) == "true",
		BlockHeight: h.Height,
		IndexedAt:   indexedAt,
		Ver:         h.Tags.Get(TagVer),
	}
}

// PublishTags builds the tag set for a transaction carrying env. The inverse
// of Envelope, used by the publish path.
func PublishTags(env record.Envelope, kind string) Tags {
	tags := Tags{
		TagIndexMethod: IndexMethod,
		TagContentType: "application/json",
		TagType:        kind,
		TagVer:         env.Ver,
	}
	if env.RecordType != "" {
		tags[TagRecordType] = env.RecordType
	}
	if env.Creator.DID != "" {
		tags[TagCreator] = env.Creator.DID
	}
	if env.Signature != "" {
		tags[TagCreatorSig] = env.Signature
	}
	if env.SignedBy != "" {
		tags[TagSignedBy] = env.SignedBy
	}
	if env.Encrypted {
		tags[TagEncrypted] = "true"
	}
	return tags
}
