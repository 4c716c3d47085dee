package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/arweave"
	"github.com/oipwg/oipd/auth"
	"github.com/oipwg/oipd/codec"
	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/deletion"
	"github.com/oipwg/oipd/gun"
	"github.com/oipwg/oipd/record"
	"github.com/oipwg/oipd/sig"
	"github.com/oipwg/oipd/sync"
	"github.com/oipwg/oipd/template"
)

// PublishVer is the protocol version stamped on records this node signs.
const PublishVer = "0.9.0"

// ChainSubmitter hands a signed payload to the external publishing service
// and returns the transaction id. Implemented by arweave.Publisher.
type ChainSubmitter interface {
	Submit(ctx context.Context, tags arweave.Tags, payload []byte) (string, error)
}

// GraphWriter is the slice of the GUN client publishing uses.
type GraphWriter interface {
	Put(ctx context.Context, soul string, fields map[string]interface{}) (*gun.Node, error)
}

// IntentPublisher writes deletion intents to the distributed registry.
// Implemented by deletion.Registry.
type IntentPublisher interface {
	Publish(ctx context.Context, e *deletion.Entry) error
}

// DeleteGate previews a deletion against the local authorization rules
// before the intent goes out. Implemented by deletion.Processor.
type DeleteGate interface {
	Authorize(ctx context.Context, target *record.Record, e *deletion.Entry) deletion.Decision
}

// PublisherDeps wires the collaborators publishing needs. Chain and Node
// are optional: without a publishing service the node is sync-only on the
// Arweave side, and without a node wallet every publish needs a password.
type PublisherDeps struct {
	Auth      *auth.Service
	Templates *template.Registry
	Records   RecordIndex
	Graph     GraphWriter
	Intents   IntentPublisher
	Gate      DeleteGate
	Chain     ChainSubmitter
	Node      *auth.Wallet
}

// Publisher signs and ships records to a storage backend. It never writes
// the index: projection happens when the sync loops observe the published
// write, exactly as for writes made anywhere else in the mesh.
type Publisher struct {
	auth      *auth.Service
	templates *template.Registry
	records   RecordIndex
	graph     GraphWriter
	intents   IntentPublisher
	gate      DeleteGate
	chain     ChainSubmitter
	node      *auth.Wallet
	log       *logrus.Entry
}

// NewPublisher builds the publish service.
func NewPublisher(deps PublisherDeps) *Publisher {
	return &Publisher{
		auth:      deps.Auth,
		templates: deps.Templates,
		records:   deps.Records,
		graph:     deps.Graph,
		intents:   deps.Intents,
		gate:      deps.Gate,
		chain:     deps.Chain,
		node:      deps.Node,
		log:       common.ComponentLogger("publish"),
	}
}

// PublishRequest is the POST /records body.
type PublishRequest struct {
	// Data is the record in semantic form: template name to field map.
	Data map[string]map[string]interface{} `json:"data"`
	// Templates, when set, pins the template sections the record must
	// carry. A mismatch fails validation before anything is signed.
	Templates []string `json:"templates,omitempty"`
	// Storage picks the backend, "gun" by default.
	Storage    string `json:"storage,omitempty"`
	RecordType string `json:"recordType,omitempty"`
	// Encrypt seals the data section under the caller's record key.
	// Requires an authenticated session with the password supplied.
	Encrypt bool `json:"encrypt,omitempty"`
	// LocalID names the GUN soul suffix; a random id is used when empty.
	LocalID string `json:"localId,omitempty"`
	// AccessControl is merged into the data section when present.
	AccessControl map[string]interface{} `json:"accessControl,omitempty"`
	// Password unlocks the caller's wallet for signing. Without it the
	// record is signed by the node wallet.
	Password string `json:"password,omitempty"`
}

// PublishResult reports where a record went. The record is not readable
// through this node until the sync loop projects it.
type PublishResult struct {
	DID       string `json:"did"`
	Storage   string `json:"storage"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

// signingIdentity is the wallet a publish operation signs with plus the
// creator identity its records claim.
type signingIdentity struct {
	wallet     *auth.Wallet
	creatorDID string
	email      string
}

// identity picks the signing wallet: the caller's own when they supplied
// their password, otherwise the node wallet.
func (p *Publisher) identity(ctx context.Context, cl *auth.Claims, password string) (*signingIdentity, error) {
	if cl != nil && password != "" {
		w, err := p.auth.Unlock(ctx, cl.Email, password)
		if err != nil {
			return nil, err
		}
		return &signingIdentity{wallet: w, creatorDID: CreatorDID(w), email: cl.Email}, nil
	}
	if p.node == nil {
		return nil, common.Failf(common.FailurePolicy,
			"no signing identity: supply a password or configure a node wallet")
	}
	return &signingIdentity{wallet: p.node, creatorDID: CreatorDID(p.node)}, nil
}

// CreatorDID is the deterministic identifier a wallet's registration record
// publishes under, derived from its soul prefix.
func CreatorDID(w *auth.Wallet) string {
	return record.GunDID(registrationSoul(w.GunPrefix())).String()
}

func registrationSoul(prefix string) string {
	return prefix + ":creator-registration"
}

// Publish signs a record and ships it to the requested backend.
func (p *Publisher) Publish(ctx context.Context, cl *auth.Claims, req *PublishRequest) (*PublishResult, error) {
	if len(req.Data) == 0 {
		return nil, common.Failf(common.FailureDecode, "record carries no data")
	}
	storage := record.Backend(req.Storage)
	if req.Storage == "" {
		storage = record.BackendGun
	}
	if !storage.Valid() {
		return nil, common.Failf(common.FailureDecode, "unknown storage %q", req.Storage)
	}

	data := req.Data
	if req.AccessControl != nil {
		data = cloneSections(data)
		data["accessControl"] = req.AccessControl
	}
	if err := p.checkTemplates(data, req.Templates); err != nil {
		return nil, err
	}

	if req.Encrypt {
		if cl == nil || req.Password == "" {
			return nil, common.Failf(common.FailurePolicy,
				"encrypting requires an authenticated session with the password supplied")
		}
		if storage != record.BackendGun {
			return nil, common.Failf(common.FailurePolicy,
				"encrypted records publish to gun storage only")
		}
	}

	id, err := p.identity(ctx, cl, req.Password)
	if err != nil {
		return nil, err
	}
	// Without an indexed creator registration the record would defer at
	// verification on every node, so the registration must be out before
	// the record.
	if _, err := p.EnsureCreatorRegistration(ctx, id.wallet, id.email); err != nil {
		return nil, err
	}

	switch storage {
	case record.BackendGun:
		return p.publishGun(ctx, id, data, req)
	default:
		return p.publishArweave(ctx, id, data, req)
	}
}

// checkTemplates validates the record's template usage before signing: every
// section must name a registered template, and when the request pins a
// template list the sections must match it exactly.
func (p *Publisher) checkTemplates(data map[string]map[string]interface{}, pinned []string) error {
	for name := range data {
		if _, ok := p.templates.LookupByName(name); !ok {
			return common.Failf(common.FailureTemplateMissing, "unknown template: %s", name)
		}
	}
	if len(pinned) == 0 {
		return nil
	}
	want := make(map[string]bool, len(pinned))
	for _, name := range pinned {
		want[name] = true
		if _, ok := data[name]; !ok {
			return common.Failf(common.FailureDecode,
				"record pins template %s but carries no such section", name)
		}
	}
	for name := range data {
		if !want[name] {
			return common.Failf(common.FailureDecode,
				"record carries section %s outside its pinned templates", name)
		}
	}
	return nil
}

func (p *Publisher) publishGun(ctx context.Context, id *signingIdentity, data map[string]map[string]interface{}, req *PublishRequest) (*PublishResult, error) {
	localID := req.LocalID
	if localID == "" {
		localID = uuid.New().String()
	}
	if strings.ContainsAny(localID, " \t\n") || len(localID) > 128 {
		return nil, common.Failf(common.FailureDecode, "unusable local id %q", localID)
	}

	soul := id.wallet.GunPrefix() + ":" + localID
	did := record.GunDID(soul).String()

	env := record.Envelope{
		DID:        did,
		RecordType: req.RecordType,
		Creator:    record.Creator{DID: id.creatorDID, PublicKey: id.wallet.PublicKey},
		Backend:    record.BackendGun,
		Encrypted:  req.Encrypt,
		IndexedAt:  time.Now().UTC(),
		Ver:        PublishVer,
	}

	// The signature covers the wire data field: the semantic sections, or
	// the sealed blob when encrypting. Sealing happens first so ciphertext
	// integrity rides on the record signature.
	var wireData interface{} = data
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, common.Failf(common.FailureDecode, "encode record data: %w", err)
	}
	if req.Encrypt {
		key, kerr := p.auth.GunRecordKey(ctx, id.email, req.Password)
		if kerr != nil {
			return nil, kerr
		}
		sealed, serr := auth.SealRecordData(key, payload)
		if serr != nil {
			return nil, serr
		}
		wireData = sealed
		if payload, err = json.Marshal(sealed); err != nil {
			return nil, common.Failf(common.FailureDecode, "encode sealed data: %w", err)
		}
	}

	signer, err := id.wallet.Signer()
	if err != nil {
		return nil, err
	}
	if env.Signature, _, err = signer.Sign(payload); err != nil {
		return nil, err
	}

	if _, err := p.graph.Put(ctx, soul, sync.GunRecordFields(env, wireData)); err != nil {
		return nil, err
	}
	if _, err := p.graph.Put(ctx, sync.RecordsIndexSoul, map[string]interface{}{did: true}); err != nil {
		return nil, err
	}

	p.log.WithFields(logrus.Fields{
		"did":     did,
		"creator": id.creatorDID,
	}).Info("record published to gun")
	return &PublishResult{DID: did, Storage: string(record.BackendGun), Encrypted: req.Encrypt}, nil
}

func (p *Publisher) publishArweave(ctx context.Context, id *signingIdentity, data map[string]map[string]interface{}, req *PublishRequest) (*PublishResult, error) {
	if p.chain == nil {
		return nil, common.Failf(common.FailureResource, "arweave publishing not configured")
	}

	tuples, err := codec.Compress(data, p.templates)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(tuples)
	if err != nil {
		return nil, common.Failf(common.FailureDecode, "encode tuples: %w", err)
	}

	env := record.Envelope{
		RecordType: req.RecordType,
		Creator:    record.Creator{DID: id.creatorDID, PublicKey: id.wallet.PublicKey},
		Backend:    record.BackendArweave,
		Ver:        PublishVer,
	}
	signer, err := id.wallet.Signer()
	if err != nil {
		return nil, err
	}
	if env.Signature, _, err = signer.Sign(payload); err != nil {
		return nil, err
	}

	txid, err := p.chain.Submit(ctx, arweave.PublishTags(env, arweave.TypeRecord), payload)
	if err != nil {
		return nil, err
	}
	did := record.ArweaveDID(txid).String()

	p.log.WithFields(logrus.Fields{
		"did":     did,
		"creator": id.creatorDID,
	}).Info("record submitted to arweave")
	return &PublishResult{DID: did, Storage: string(record.BackendArweave)}, nil
}

// DeleteRequest is the POST /records/delete body. The password is required:
// deletion intents are always signed by the caller's own wallet so the
// authorization gate on every node can hold the intent to its key.
type DeleteRequest struct {
	DID      string `json:"did"`
	Storage  string `json:"storage,omitempty"`
	Password string `json:"password"`
}

// DeleteResult acknowledges a published intent. Whether the record actually
// disappears is decided by each node's authorization gate.
type DeleteResult struct {
	DID     string `json:"did"`
	Storage string `json:"storage"`
	Status  string `json:"status"`
}

// PublishDelete signs a deletion intent and publishes it. When the target
// is already indexed locally the authorization gate is consulted first, so
// obviously unauthorized intents fail fast instead of littering the
// registry; absent targets publish anyway and settle when they appear.
func (p *Publisher) PublishDelete(ctx context.Context, cl *auth.Claims, req *DeleteRequest) (*DeleteResult, error) {
	if cl == nil {
		return nil, common.Failf(common.FailureAuthorization, "deletion requires an authenticated session")
	}
	if !record.IsDID(req.DID) {
		return nil, common.Failf(common.FailureDecode, "malformed did %q", req.DID)
	}
	if req.Password == "" {
		return nil, common.Failf(common.FailurePolicy, "deletion requires the wallet password")
	}

	wallet, err := p.auth.Unlock(ctx, cl.Email, req.Password)
	if err != nil {
		return nil, err
	}
	signer, err := wallet.Signer()
	if err != nil {
		return nil, err
	}

	entry := &deletion.Entry{
		DID:                req.DID,
		DeletedByPublicKey: wallet.PublicKey,
		DeletedAt:          time.Now().UTC(),
		Origin:             record.BackendGun,
	}
	if entry.Signature, _, err = signer.SignCanonical(entry.SignedContent()); err != nil {
		return nil, err
	}

	overridden := false
	target, err := p.records.GetRecord(ctx, req.DID)
	switch {
	case err == nil:
		decision := p.gate.Authorize(ctx, target, entry)
		if !decision.Authorized {
			return nil, common.Failf(common.FailureAuthorization,
				"deletion of %s not authorized: %s", req.DID, decision.Reason)
		}
		overridden = decision.Rule == deletion.RuleAdminOverride
	case common.KindOf(err) == common.FailureNotFound:
		// Target not indexed here yet. The intent still publishes; the
		// processor buffers it until the record appears.
	default:
		return nil, err
	}

	// An override only covers records this node signed, and remote gates do
	// not honor foreign overrides. The intent travels under the node key so
	// the creator rule accepts it everywhere.
	if overridden {
		if p.node == nil {
			return nil, common.Failf(common.FailureResource,
				"admin override needs the node wallet to re-sign the intent")
		}
		nodeSigner, err := p.node.Signer()
		if err != nil {
			return nil, err
		}
		entry.DeletedByPublicKey = p.node.PublicKey
		if entry.Signature, _, err = nodeSigner.SignCanonical(entry.SignedContent()); err != nil {
			return nil, err
		}
		wallet = p.node
	}

	storage := record.Backend(req.Storage)
	if req.Storage == "" {
		storage = record.BackendGun
	}
	switch storage {
	case record.BackendGun:
		if err := p.intents.Publish(ctx, entry); err != nil {
			return nil, err
		}
	case record.BackendArweave:
		if err := p.publishDeleteMessage(ctx, wallet, req.DID); err != nil {
			return nil, err
		}
	default:
		return nil, common.Failf(common.FailureDecode, "unknown storage %q", req.Storage)
	}

	p.log.WithFields(logrus.Fields{
		"did":     req.DID,
		"deleter": wallet.PublicKey,
		"storage": storage,
	}).Info("deletion intent published")
	return &DeleteResult{DID: req.DID, Storage: string(storage), Status: "intent published"}, nil
}

// publishDeleteMessage ships a signed deleteMessage transaction to the
// chain publisher.
func (p *Publisher) publishDeleteMessage(ctx context.Context, wallet *auth.Wallet, did string) error {
	if p.chain == nil {
		return common.Failf(common.FailureResource, "arweave publishing not configured")
	}
	payload, err := json.Marshal(map[string]interface{}{
		"delete": map[string]interface{}{"did": did},
	})
	if err != nil {
		return common.Failf(common.FailureDecode, "encode delete message: %w", err)
	}
	signer, err := wallet.Signer()
	if err != nil {
		return err
	}
	env := record.Envelope{
		Creator: record.Creator{DID: CreatorDID(wallet), PublicKey: wallet.PublicKey},
		Backend: record.BackendArweave,
		Ver:     PublishVer,
	}
	if env.Signature, _, err = signer.Sign(payload); err != nil {
		return err
	}
	_, err = p.chain.Submit(ctx, arweave.PublishTags(env, arweave.TypeDeleteMessage), payload)
	return err
}

// RegisterCreator publishes a wallet's creator registration to GUN under
// its deterministic soul. Registrations verify against their own embedded
// key material, so this is the record that makes every later publish by the
// wallet verifiable.
func (p *Publisher) RegisterCreator(ctx context.Context, w *auth.Wallet, email string) (string, error) {
	xpub, err := w.XPub()
	if err != nil {
		return "", err
	}
	reg := map[string]interface{}{
		"publicKey": w.PublicKey,
		"xpub":      xpub,
	}
	if email != "" {
		reg["email"] = email
	}
	data := map[string]map[string]interface{}{sig.RegistrationType: reg}

	soul := registrationSoul(w.GunPrefix())
	did := record.GunDID(soul).String()
	env := record.Envelope{
		DID:        did,
		RecordType: sig.RegistrationType,
		Creator:    record.Creator{DID: did, PublicKey: w.PublicKey},
		Backend:    record.BackendGun,
		IndexedAt:  time.Now().UTC(),
		Ver:        PublishVer,
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return "", common.Failf(common.FailureDecode, "encode registration: %w", err)
	}
	signer, err := w.Signer()
	if err != nil {
		return "", err
	}
	if env.Signature, _, err = signer.Sign(payload); err != nil {
		return "", err
	}

	if _, err := p.graph.Put(ctx, soul, sync.GunRecordFields(env, data)); err != nil {
		return "", err
	}
	if _, err := p.graph.Put(ctx, sync.RecordsIndexSoul, map[string]interface{}{did: true}); err != nil {
		return "", err
	}
	p.log.WithField("did", did).Info("creator registration published")
	return did, nil
}

// EnsureCreatorRegistration publishes the wallet's registration unless the
// index already carries it. Re-signing an unchanged registration would just
// churn graph state, so an indexed registration is left alone.
func (p *Publisher) EnsureCreatorRegistration(ctx context.Context, w *auth.Wallet, email string) (string, error) {
	did := CreatorDID(w)
	if _, err := p.records.GetRecord(ctx, did); err == nil {
		return did, nil
	} else if common.KindOf(err) != common.FailureNotFound {
		return "", err
	}
	return p.RegisterCreator(ctx, w, email)
}

func cloneSections(data map[string]map[string]interface{}) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	return out
}

// PublishRecord serves POST /records. The 202 is an acknowledgement of the
// backend write, not of indexing: the record appears in reads once the sync
// loop projects it.
func (h *Handlers) PublishRecord(c echo.Context) error {
	var req PublishRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	res, err := h.Publisher.Publish(c.Request().Context(), claims(c), &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, res)
}

// DeleteRecord serves POST /records/delete.
func (h *Handlers) DeleteRecord(c echo.Context) error {
	var req DeleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	res, err := h.Publisher.PublishDelete(c.Request().Context(), claims(c), &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, res)
}
