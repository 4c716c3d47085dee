package sig

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/record"
)

// Mode names which verification path accepted (or rejected) a record.
type Mode string

const (
	ModeLegacy Mode = "legacy"
	ModeDIDv09 Mode = "did:v0.9"
)

// Reason explains a rejection. Empty on success.
type Reason string

const (
	ReasonNoValidKey               Reason = "NoValidKey"
	ReasonOutOfValidity            Reason = "OutOfValidity"
	ReasonSignatureMismatch        Reason = "SignatureMismatch"
	ReasonCanonicalizationMismatch Reason = "CanonicalizationMismatch"
)

// Result is the outcome of verifying one record.
type Result struct {
	IsValid      bool
	Mode         Mode
	VMID         string
	LeafIndex    uint32
	SignerPubKey string
	Reason       Reason
}

// CreatorSource resolves a creator DID to its registration. The index layer
// implements this against the creators index; tests use fakes.
type CreatorSource interface {
	Creator(ctx context.Context, did string) (*Registration, error)
}

// Engine verifies record signatures against creator registrations.
type Engine struct {
	creators CreatorSource
	log      *logrus.Entry
}

func NewEngine(creators CreatorSource) *Engine {
	return &Engine{
		creators: creators,
		log:      common.ComponentLogger("sig"),
	}
}

// Verify checks the envelope's signature over the canonical form of payload.
// The creator registration is looked up through the engine's source; records
// whose creator is not registered yet defer with a resource failure so the
// sync loop can park them.
func (e *Engine) Verify(ctx context.Context, payload []byte, env *record.Envelope) (*Result, error) {
	reg, err := e.creators.Creator(ctx, env.Creator.DID)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, common.Failf(common.FailureResource, "creator %s not registered yet", env.Creator.DID)
	}
	return e.VerifyWithRegistration(payload, env, reg)
}

// VerifyWithRegistration is Verify with the registration already in hand.
// Creator registration records verify against themselves through this path.
func (e *Engine) VerifyWithRegistration(payload []byte, env *record.Envelope, reg *Registration) (*Result, error) {
	canonical, err := record.Canonicalize(payload, "signature")
	if err != nil {
		e.log.WithError(err).WithField("did", env.DID).Warn("payload does not canonicalize")
		return &Result{Reason: ReasonCanonicalizationMismatch},
			common.Failf(common.FailureDecode, "canonicalize payload: %w", err)
	}
	digest := PayloadDigest(canonical)

	sigBytes, err := DecodeSignature(env.Signature)
	if err != nil {
		return &Result{Reason: ReasonSignatureMismatch},
			common.Failf(common.FailureDecode, "decode signature: %w", err)
	}

	if reg.Legacy() {
		return e.verifyLegacy(digest, sigBytes, reg)
	}
	return e.verifyDocument(digest, sigBytes, env, reg.Document)
}

// verifyLegacy checks the signature against the registration's declared key
// material: the bare public key when present, otherwise the xpub's first
// external address (child 0/0) and the xpub's own key.
func (e *Engine) verifyLegacy(digest, sigBytes []byte, reg *Registration) (*Result, error) {
	var candidates []*btcec.PublicKey
	if reg.PublicKey != "" {
		pub, err := ParsePubKeyHex(reg.PublicKey)
		if err != nil {
			return &Result{Mode: ModeLegacy, Reason: ReasonNoValidKey}, err
		}
		candidates = append(candidates, pub)
	}
	if reg.XPub != "" {
		key, err := parseXPub(reg.XPub)
		if err != nil {
			return &Result{Mode: ModeLegacy, Reason: ReasonNoValidKey}, err
		}
		if pub, err := derivePublic(key, []uint32{0, 0}); err == nil {
			candidates = append(candidates, pub)
		}
		if pub, err := key.ECPubKey(); err == nil {
			candidates = append(candidates, pub)
		}
	}
	if len(candidates) == 0 {
		return &Result{Mode: ModeLegacy, Reason: ReasonNoValidKey}, nil
	}
	for _, pub := range candidates {
		if verifyDigest(pub, sigBytes, digest) {
			return &Result{
				IsValid:      true,
				Mode:         ModeLegacy,
				SignerPubKey: PubKeyHex(pub),
			}, nil
		}
	}
	return &Result{Mode: ModeLegacy, Reason: ReasonSignatureMismatch}, nil
}

// verifyDocument walks the DID document's verification methods. Methods
// active at the record's ordering index are tried first; a signature that
// only verifies under a revoked or not-yet-valid method is rejected with
// OutOfValidity so callers can tell expiry from forgery.
func (e *Engine) verifyDocument(digest, sigBytes []byte, env *record.Envelope, doc *DIDDocument) (*Result, error) {
	if len(doc.VerificationMethods) == 0 {
		return &Result{Mode: ModeDIDv09, Reason: ReasonNoValidKey}, nil
	}

	h := env.OrderingIndex()
	ordered := orderMethods(doc, env.SignedBy)

	var sawActive bool
	for _, vm := range ordered {
		if !vm.ActiveAt(h) {
			continue
		}
		sawActive = true
		pub, leaf, err := methodLeafKey(vm, digest)
		if err != nil {
			e.log.WithError(err).WithField("vm", vm.ID).Debug("skipping underivable method")
			continue
		}
		if verifyDigest(pub, sigBytes, digest) {
			return &Result{
				IsValid:      true,
				Mode:         ModeDIDv09,
				VMID:         vm.ID,
				LeafIndex:    leaf,
				SignerPubKey: PubKeyHex(pub),
			}, nil
		}
	}

	for _, vm := range ordered {
		if vm.ActiveAt(h) {
			continue
		}
		pub, _, err := methodLeafKey(vm, digest)
		if err != nil {
			continue
		}
		if verifyDigest(pub, sigBytes, digest) {
			e.log.WithFields(logrus.Fields{
				"did": env.DID,
				"vm":  vm.ID,
				"h":   h,
			}).Warn("signature verifies only under an inactive method")
			return &Result{Mode: ModeDIDv09, VMID: vm.ID, Reason: ReasonOutOfValidity}, nil
		}
	}

	if !sawActive {
		return &Result{Mode: ModeDIDv09, Reason: ReasonNoValidKey}, nil
	}
	return &Result{Mode: ModeDIDv09, Reason: ReasonSignatureMismatch}, nil
}

// orderMethods returns the document's methods with the signedBy hint, when it
// names one of them, moved to the front.
func orderMethods(doc *DIDDocument, signedBy string) []*VerificationMethod {
	out := make([]*VerificationMethod, 0, len(doc.VerificationMethods))
	var hinted *VerificationMethod
	for i := range doc.VerificationMethods {
		vm := &doc.VerificationMethods[i]
		if signedBy != "" && vm.ID == signedBy {
			hinted = vm
			continue
		}
		out = append(out, vm)
	}
	if hinted != nil {
		out = append([]*VerificationMethod{hinted}, out...)
	}
	return out
}

// VerifyDetached checks a signature over content against a bare compressed
// public key. The deletion registry uses it for GUN entries, which are
// signed outside any record envelope.
func VerifyDetached(pubKeyHex, signature string, content []byte) (bool, error) {
	pub, err := ParsePubKeyHex(pubKeyHex)
	if err != nil {
		return false, err
	}
	sigBytes, err := DecodeSignature(signature)
	if err != nil {
		return false, err
	}
	return verifyDigest(pub, sigBytes, PayloadDigest(content)), nil
}

// DecodeSignature accepts the encodings seen in the wild: standard and
// unpadded base64, then hex.
func DecodeSignature(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty signature")
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	if raw, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	if raw, err := hex.DecodeString(s); err == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("signature is neither base64 nor hex")
}

// verifyDigest checks one signature against one key, handling the three
// serializations publishers produce: 65-byte compact with recovery header,
// 64-byte raw r||s, and DER.
func verifyDigest(pub *btcec.PublicKey, sigBytes, digest []byte) bool {
	switch len(sigBytes) {
	case 65:
		recovered, _, err := ecdsa.RecoverCompact(sigBytes, digest)
		if err != nil {
			return false
		}
		return recovered.IsEqual(pub)
	case 64:
		var r, s btcec.ModNScalar
		if overflow := r.SetByteSlice(sigBytes[:32]); overflow {
			return false
		}
		if overflow := s.SetByteSlice(sigBytes[32:]); overflow {
			return false
		}
		return ecdsa.NewSignature(&r, &s).Verify(digest, pub)
	default:
		sig, err := ecdsa.ParseDERSignature(sigBytes)
		if err != nil {
			return false
		}
		return sig.Verify(digest, pub)
	}
}
