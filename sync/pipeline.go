package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/auth"
	"github.com/oipwg/oipd/codec"
	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/deletion"
	"github.com/oipwg/oipd/record"
	"github.com/oipwg/oipd/sig"
	"github.com/oipwg/oipd/template"
)

// Index is the slice of the projection the pipeline touches.
type Index interface {
	IndexRecord(ctx context.Context, rec *record.Record) error
	GetRecord(ctx context.Context, did string) (*record.Record, error)
	DeleteRecord(ctx context.Context, did string) error
}

// KeySource derives the symmetric key for records owned by a local user.
// Implemented by the auth service; nil disables decryption entirely, in
// which case encrypted records are replicated but never projected.
type KeySource interface {
	SyncRecordKey(ctx context.Context, ownerPubHex string) ([]byte, error)
}

// RecordSink observes successfully projected and deleted records. The event
// notifier implements it.
type RecordSink interface {
	RecordIndexed(rec *record.Record)
	TemplateRegistered(name string)
}

// RecordCache is warmed with freshly indexed records. The resolver
// implements it.
type RecordCache interface {
	Put(rec *record.Record)
}

// Pipeline is the shared record path both sync loops feed: verify the
// signature, recover the semantic data, and project through the writer.
// Outcomes follow the failure taxonomy: transient errors surface to the
// caller for retry, permanent ones land in the failed set, deferrable ones
// park in the pending queue until what they wait for arrives.
type Pipeline struct {
	templates *template.Registry
	creators  *CreatorDirectory
	verifier  *sig.Engine
	index     Index
	writer    *Writer
	failed    *FailedSet
	pending   PendingQueue
	deletions *deletion.Processor
	keys      KeySource
	sink      RecordSink
	resolver  RecordCache

	drainCh chan struct{}
	log     *logrus.Entry
	seclog  *logrus.Entry
}

// PipelineDeps carries the pipeline's collaborators. Index, templates,
// verifier, writer, failed, pending and deletions are required; the rest
// degrade gracefully when nil.
type PipelineDeps struct {
	Templates *template.Registry
	Creators  *CreatorDirectory
	Verifier  *sig.Engine
	Index     Index
	Writer    *Writer
	Failed    *FailedSet
	Pending   PendingQueue
	Deletions *deletion.Processor
	Keys      KeySource
	Sink      RecordSink
	Resolver  RecordCache
}

// NewPipeline wires the pipeline and subscribes it to template
// registrations so deferred records replay as soon as their template lands.
func NewPipeline(deps PipelineDeps) *Pipeline {
	p := &Pipeline{
		templates: deps.Templates,
		creators:  deps.Creators,
		verifier:  deps.Verifier,
		index:     deps.Index,
		writer:    deps.Writer,
		failed:    deps.Failed,
		pending:   deps.Pending,
		deletions: deps.Deletions,
		keys:      deps.Keys,
		sink:      deps.Sink,
		resolver:  deps.Resolver,
		drainCh:   make(chan struct{}, 1),
		log:       common.ComponentLogger("pipeline"),
		seclog:    common.SecurityLogger("pipeline"),
	}
	if p.templates != nil {
		p.templates.Subscribe(func(*template.Template) { p.requestDrain() })
	}
	return p
}

// Start launches the drain worker. Replays run on their own goroutine so a
// template registered from inside a writer job cannot deadlock the writer.
// One drain is requested up front to replay anything a durable pending
// queue carried across a restart.
func (p *Pipeline) Start(ctx context.Context) {
	p.requestDrain()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.drainCh:
				p.DrainPending(ctx)
			}
		}
	}()
}

func (p *Pipeline) requestDrain() {
	select {
	case p.drainCh <- struct{}{}:
	default:
	}
}

// ProcessRecord runs one record whose payload is the compressed wire form,
// which is how records arrive from the chain. A nil return means the record
// is settled: indexed, deferred, skipped or permanently failed. An error
// means it is still unresolved and the caller should retry the observation.
func (p *Pipeline) ProcessRecord(ctx context.Context, payload []byte, env record.Envelope) error {
	did := env.DID
	if p.failed.Failed(did) {
		return nil
	}
	if env.Creator.DID == "" {
		p.MarkFailed(did, "record names no creator")
		return nil
	}

	// Creator registrations carry their own key material and verify against
	// themselves, otherwise no creator could ever register.
	if env.RecordType == sig.RegistrationType {
		return p.processRegistration(ctx, payload, env)
	}

	result, err := p.verifier.Verify(ctx, payload, &env)
	if err != nil {
		return p.settle(ctx, KindRecord, payload, env, err)
	}
	if !result.IsValid {
		p.rejectSignature(env, result)
		return nil
	}
	env.Creator.PublicKey = result.SignerPubKey

	plaintext := payload
	if env.Encrypted {
		opened, ok := p.openEncrypted(ctx, result.SignerPubKey, payload)
		if !ok {
			// Not our user's record. It stays on chain for whoever holds
			// the key; projecting ciphertext would index noise.
			p.log.WithField("did", did).Debug("encrypted record has no local key, skipping")
			return nil
		}
		plaintext = opened
	}

	var tuples []codec.Compressed
	if err := json.Unmarshal(plaintext, &tuples); err != nil {
		p.MarkFailed(did, "payload is not a tuple array: "+err.Error())
		return nil
	}
	data, err := codec.Decompress(tuples, p.templates)
	if err != nil {
		return p.settle(ctx, KindRecord, payload, env, err)
	}

	return p.project(ctx, &record.Record{Data: data, OIP: env}, nil)
}

// ProcessData runs one record whose semantic data is already in hand, which
// is how records arrive from the graph. payload is the byte form the
// signature covers.
func (p *Pipeline) ProcessData(ctx context.Context, data map[string]map[string]interface{}, payload []byte, env record.Envelope) error {
	did := env.DID
	if p.failed.Failed(did) {
		return nil
	}

	if _, ok := data[sig.RegistrationType]; ok && env.RecordType == sig.RegistrationType {
		return p.projectRegistration(ctx, data, payload, env)
	}
	if env.Creator.DID == "" {
		p.MarkFailed(did, "record names no creator")
		return nil
	}

	result, err := p.verifier.Verify(ctx, payload, &env)
	if err != nil {
		return p.settle(ctx, KindData, payload, env, err)
	}
	if !result.IsValid {
		p.rejectSignature(env, result)
		return nil
	}
	env.Creator.PublicKey = result.SignerPubKey

	if env.Encrypted {
		opened, ok := p.openEncrypted(ctx, result.SignerPubKey, payload)
		if !ok {
			p.log.WithField("did", did).Debug("encrypted record has no local key, skipping")
			return nil
		}
		var plainData map[string]map[string]interface{}
		if err := json.Unmarshal(opened, &plainData); err != nil {
			p.MarkFailed(did, "decrypted payload is not record data: "+err.Error())
			return nil
		}
		data = plainData
	}

	// The graph carries data in semantic form, so there is nothing to
	// decompress, but the mapping for every template must still be live.
	for name := range data {
		if _, ok := p.templates.LookupByName(name); !ok {
			err := common.Failf(common.FailureTemplateMissing, "unknown template: %s", name)
			return p.settle(ctx, KindData, payload, env, err)
		}
	}

	return p.project(ctx, &record.Record{Data: data, OIP: env}, nil)
}

// processRegistration decompresses first: the registration's key material
// lives inside the record data.
func (p *Pipeline) processRegistration(ctx context.Context, payload []byte, env record.Envelope) error {
	var tuples []codec.Compressed
	if err := json.Unmarshal(payload, &tuples); err != nil {
		p.MarkFailed(env.DID, "payload is not a tuple array: "+err.Error())
		return nil
	}
	data, err := codec.Decompress(tuples, p.templates)
	if err != nil {
		return p.settle(ctx, KindRecord, payload, env, err)
	}
	return p.projectRegistration(ctx, data, payload, env)
}

func (p *Pipeline) projectRegistration(ctx context.Context, data map[string]map[string]interface{}, payload []byte, env record.Envelope) error {
	rec := &record.Record{Data: data, OIP: env}
	reg, err := sig.RegistrationFromRecord(rec)
	if err != nil {
		return p.settle(ctx, KindRecord, payload, env, err)
	}
	result, err := p.verifier.VerifyWithRegistration(payload, &env, reg)
	if err != nil {
		return p.settle(ctx, KindRecord, payload, env, err)
	}
	if !result.IsValid {
		p.rejectSignature(env, result)
		return nil
	}
	env.Creator.PublicKey = result.SignerPubKey
	rec.OIP = env
	return p.project(ctx, rec, reg)
}

// ProcessTemplate verifies and registers a published template definition.
func (p *Pipeline) ProcessTemplate(ctx context.Context, payload []byte, env record.Envelope) error {
	did := env.DID
	if p.failed.Failed(did) {
		return nil
	}
	if env.Creator.DID == "" {
		p.MarkFailed(did, "template names no creator")
		return nil
	}

	result, err := p.verifier.Verify(ctx, payload, &env)
	if err != nil {
		return p.settle(ctx, KindTemplate, payload, env, err)
	}
	if !result.IsValid {
		p.rejectSignature(env, result)
		return nil
	}

	var tmpl template.Template
	if err := json.Unmarshal(payload, &tmpl); err != nil {
		p.MarkFailed(did, "payload is not a template: "+err.Error())
		return nil
	}
	// The transaction id is the template id; a definition cannot name its
	// own transaction before publishing.
	if parsed, err := record.ParseDID(did); err == nil {
		tmpl.ID = parsed.Locator
	}
	tmpl.Creator = env.Creator.DID
	tmpl.BlockHeight = env.BlockHeight
	tmpl.IndexedAt = env.IndexedAt

	err = p.writer.Do(ctx, did, func(ctx context.Context) error {
		_, rerr := p.templates.Register(ctx, &tmpl)
		return rerr
	})
	if err != nil {
		if common.KindOf(err) == common.FailureResource {
			// Mapping capacity is a hard ceiling; the template is refused
			// for good rather than retried into the same wall.
			p.MarkFailed(did, err.Error())
			p.log.WithError(err).WithField("template", tmpl.Name).Warn("template refused")
			return nil
		}
		return p.settle(ctx, KindTemplate, payload, env, err)
	}

	if p.sink != nil {
		p.sink.TemplateRegistered(tmpl.Name)
	}
	return nil
}

// ProcessDelete verifies a deletion message and routes the intent through
// the authorization gate. Unauthorized intents are logged and ignored
// inside the processor; only index trouble comes back as an error.
func (p *Pipeline) ProcessDelete(ctx context.Context, payload []byte, env record.Envelope) error {
	if p.failed.Failed(env.DID) {
		return nil
	}
	if env.Creator.DID == "" {
		p.MarkFailed(env.DID, "delete message names no creator")
		return nil
	}

	result, err := p.verifier.Verify(ctx, payload, &env)
	if err != nil {
		return p.settle(ctx, KindDelete, payload, env, err)
	}
	if !result.IsValid {
		p.seclog.WithFields(logrus.Fields{
			"did":    env.DID,
			"reason": result.Reason,
		}).Warn("delete message failed verification")
		p.failed.Mark(env.DID, string(result.Reason))
		return nil
	}

	target, err := deleteTarget(payload)
	if err != nil {
		p.MarkFailed(env.DID, err.Error())
		return nil
	}

	entry := &deletion.Entry{
		DID:                target,
		DeletedByPublicKey: result.SignerPubKey,
		DeletedAt:          env.IndexedAt,
		Origin:             env.Backend,
		Signature:          env.Signature,
	}
	return p.deletions.Process(ctx, entry)
}

// deleteTarget extracts the target DID from a delete message payload of the
// form {"delete":{"did":"..."}}.
func deleteTarget(payload []byte) (string, error) {
	var msg struct {
		Delete struct {
			DID string `json:"did"`
		} `json:"delete"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", common.Failf(common.FailureDecode, "malformed delete message: %v", err)
	}
	if !record.IsDID(msg.Delete.DID) {
		return "", common.Failf(common.FailureDecode, "delete message targets no did")
	}
	return msg.Delete.DID, nil
}

// project writes the record through the single writer and runs the
// post-index hooks.
func (p *Pipeline) project(ctx context.Context, rec *record.Record, reg *sig.Registration) error {
	err := p.writer.Do(ctx, rec.DID(), func(ctx context.Context) error {
		return p.index.IndexRecord(ctx, rec)
	})
	if err != nil {
		if common.IsPermanent(err) || common.KindOf(err) == common.FailureResource {
			p.MarkFailed(rec.DID(), err.Error())
			return nil
		}
		return err
	}

	if reg != nil {
		p.creators.Put(rec.DID(), reg)
		// Records deferred on this creator can settle now.
		p.requestDrain()
	}
	if p.resolver != nil {
		p.resolver.Put(rec)
	}
	p.deletions.TargetAppeared(ctx, rec.DID())
	if p.sink != nil {
		p.sink.RecordIndexed(rec)
	}
	p.log.WithFields(logrus.Fields{
		"did":     rec.DID(),
		"type":    rec.OIP.RecordType,
		"storage": rec.OIP.Backend,
	}).Info("record indexed")
	return nil
}

// settle classifies a pipeline failure: deferrable errors park the item,
// permanent ones poison it, anything else stays unresolved for the caller.
func (p *Pipeline) settle(ctx context.Context, kind string, payload []byte, env record.Envelope, cause error) error {
	switch {
	case common.IsDeferrable(cause):
		pr := PendingRecord{
			Kind:       kind,
			DID:        env.DID,
			Payload:    payload,
			Envelope:   env,
			Reason:     cause.Error(),
			DeferredAt: time.Now().UTC(),
		}
		if err := p.pending.Defer(ctx, pr); err != nil {
			return err
		}
		p.log.WithFields(logrus.Fields{
			"did":    env.DID,
			"reason": pr.Reason,
		}).Info("record deferred")
		return nil
	case common.IsPermanent(cause):
		p.MarkFailed(env.DID, cause.Error())
		return nil
	default:
		return cause
	}
}

// Failed reports whether a DID is poisoned.
func (p *Pipeline) Failed(did string) bool { return p.failed.Failed(did) }

// MarkFailed poisons a DID so no pass retries it.
func (p *Pipeline) MarkFailed(did, reason string) {
	p.failed.Mark(did, reason)
	p.log.WithFields(logrus.Fields{
		"did":    did,
		"reason": reason,
	}).Warn("record permanently failed")
}

func (p *Pipeline) rejectSignature(env record.Envelope, result *sig.Result) {
	p.failed.Mark(env.DID, string(result.Reason))
	p.seclog.WithFields(logrus.Fields{
		"did":     env.DID,
		"creator": env.Creator.DID,
		"mode":    result.Mode,
		"reason":  result.Reason,
	}).Warn("record failed verification")
}

// openEncrypted tries to decrypt an encrypted payload with a locally held
// owner key. A miss of any kind is not an error, just not our record.
func (p *Pipeline) openEncrypted(ctx context.Context, ownerPub string, raw []byte) ([]byte, bool) {
	if p.keys == nil {
		return nil, false
	}
	var enc auth.EncryptedPayload
	if err := json.Unmarshal(raw, &enc); err != nil || enc.Encrypted == "" {
		return nil, false
	}
	key, err := p.keys.SyncRecordKey(ctx, ownerPub)
	if err != nil {
		return nil, false
	}
	plain, err := auth.OpenRecordData(key, &enc)
	if err != nil {
		p.log.WithError(err).Debug("record key did not open payload")
		return nil, false
	}
	return plain, true
}

// DrainPending replays everything parked in the pending queue. Items whose
// dependency is still missing simply defer again; transient failures are
// re-queued so nothing is lost between passes.
func (p *Pipeline) DrainPending(ctx context.Context) {
	recs, err := p.pending.DrainAll(ctx)
	if err != nil {
		p.log.WithError(err).Warn("pending queue drain failed")
		return
	}
	if len(recs) == 0 {
		return
	}
	p.log.WithField("count", len(recs)).Info("replaying deferred records")
	for _, pr := range recs {
		var err error
		switch pr.Kind {
		case KindTemplate:
			err = p.ProcessTemplate(ctx, pr.Payload, pr.Envelope)
		case KindDelete:
			err = p.ProcessDelete(ctx, pr.Payload, pr.Envelope)
		case KindData:
			var data map[string]map[string]interface{}
			if jerr := json.Unmarshal(pr.Payload, &data); jerr != nil {
				p.MarkFailed(pr.DID, "deferred payload unreadable: "+jerr.Error())
				continue
			}
			err = p.ProcessData(ctx, data, pr.Payload, pr.Envelope)
		default:
			err = p.ProcessRecord(ctx, pr.Payload, pr.Envelope)
		}
		if err != nil {
			if derr := p.pending.Defer(ctx, pr); derr != nil {
				p.log.WithError(derr).WithField("did", pr.DID).Warn("deferred record lost")
			}
		}
	}
}

// PendingLen reports the pending queue depth, for the health endpoint.
func (p *Pipeline) PendingLen(ctx context.Context) int {
	n, err := p.pending.Len(ctx)
	if err != nil {
		return -1
	}
	return n
}
