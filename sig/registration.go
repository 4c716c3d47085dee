package sig

import (
	"encoding/json"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/record"
)

// RegistrationType is the record type creators register under.
const RegistrationType = "creatorRegistration"

// RegistrationFromRecord extracts a creator registration from an indexed
// record. Legacy registrations carry publicKey and xpub fields; v0.9 ones
// carry a didDocument.
func RegistrationFromRecord(rec *record.Record) (*Registration, error) {
	fields, ok := rec.Data[RegistrationType]
	if !ok {
		return nil, common.Failf(common.FailureDecode,
			"record %s carries no %s data", rec.OIP.DID, RegistrationType)
	}

	reg := &Registration{DID: rec.OIP.Creator.DID}
	if reg.DID == "" {
		reg.DID = rec.OIP.DID
	}
	reg.PublicKey = stringField(fields, "publicKey")
	if reg.PublicKey == "" {
		reg.PublicKey = stringField(fields, "pubKey")
	}
	reg.XPub = stringField(fields, "xpub")
	reg.Email = stringField(fields, "email")

	if raw, ok := fields["didDocument"]; ok {
		doc, err := documentFromValue(raw)
		if err != nil {
			return nil, err
		}
		reg.Document = doc
	}

	if reg.PublicKey == "" && reg.XPub == "" && reg.Document == nil {
		return nil, common.Failf(common.FailureDecode,
			"registration %s declares no key material", reg.DID)
	}
	return reg, nil
}

func stringField(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

// documentFromValue accepts the document either as a decoded map or as an
// embedded JSON string, both of which appear on the wire.
func documentFromValue(v interface{}) (*DIDDocument, error) {
	var raw []byte
	switch t := v.(type) {
	case string:
		raw = []byte(t)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, common.Failf(common.FailureDecode, "encode did document: %w", err)
		}
		raw = encoded
	}
	var doc DIDDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, common.Failf(common.FailureDecode, "decode did document: %w", err)
	}
	return &doc, nil
}
