package deletion

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/record"
)

// Index is the slice of the search index the processor needs.
type Index interface {
	GetRecord(ctx context.Context, did string) (*record.Record, error)
	DeleteRecord(ctx context.Context, did string) error
}

// GraphStore removes locally replicated GUN nodes.
type GraphStore interface {
	Delete(soul string) error
}

// Invalidator evicts resolved views after a deletion.
type Invalidator interface {
	Invalidate(did string)
}

// UserDirectory resolves the email domain a public key registered under.
// Used only by the admin-domain override.
type UserDirectory interface {
	EmailDomain(ctx context.Context, pubKeyHex string) (string, error)
}

// AdminPolicy configures the admin-domain override. The zero value disables
// it: every field must be set for the override to be consulted at all.
type AdminPolicy struct {
	BaseDomain string
	NodeKeyHex string
	Users      UserDirectory
}

func (a AdminPolicy) enabled() bool {
	return a.BaseDomain != "" && a.NodeKeyHex != "" && a.Users != nil
}

// Decision is the outcome of the authorization gate.
type Decision struct {
	Authorized bool
	Rule       string
	Reason     string
}

// Authorization rules, in evaluation order. The first applicable rule
// decides; later rules are not consulted.
const (
	RuleOwnerKey      = "owner_key"
	RuleSoulPrefix    = "soul_prefix"
	RuleCreator       = "creator"
	RuleAdminOverride = "admin_override"
)

// maxPending bounds the pre-target intent buffer.
const maxPending = 10000

// Processor applies deletion intents: one authorization gate, removal from
// the index and the local replica, and buffering for intents that arrive
// before their target does.
type Processor struct {
	index  Index
	graph  GraphStore
	caches Invalidator
	policy AdminPolicy
	log    *logrus.Entry
	seclog *logrus.Entry

	applied func(*Entry)

	mu      sync.Mutex
	pending map[string]map[string]*Entry
	count   int
}

// ProcessorOption adjusts processor construction.
type ProcessorOption func(*Processor)

// WithGraphStore wires the local GUN replica so applied deletions also drop
// the replicated node.
func WithGraphStore(g GraphStore) ProcessorOption {
	return func(p *Processor) { p.graph = g }
}

// WithInvalidator wires the resolver cache.
func WithInvalidator(i Invalidator) ProcessorOption {
	return func(p *Processor) { p.caches = i }
}

// WithAdminPolicy enables the admin-domain override.
func WithAdminPolicy(a AdminPolicy) ProcessorOption {
	return func(p *Processor) { p.policy = a }
}

// WithApplied registers a hook invoked after an intent lands, including
// buffered intents applied when their target appears.
func WithApplied(fn func(*Entry)) ProcessorOption {
	return func(p *Processor) { p.applied = fn }
}

// NewProcessor builds a processor over the given index.
func NewProcessor(index Index, opts ...ProcessorOption) *Processor {
	p := &Processor{
		index:   index,
		log:     common.ComponentLogger("deletion"),
		seclog:  common.SecurityLogger("deletion"),
		pending: make(map[string]map[string]*Entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process evaluates one intent. An absent target buffers the intent until
// TargetAppeared; an unauthorized intent is logged and ignored, never
// propagated as an error. Only index trouble surfaces to the caller, so sync
// loops can retry transient outages.
func (p *Processor) Process(ctx context.Context, e *Entry) error {
	target, err := p.index.GetRecord(ctx, e.DID)
	if err != nil {
		if common.KindOf(err) == common.FailureNotFound {
			p.buffer(e)
			return nil
		}
		return err
	}
	decision := p.Authorize(ctx, target, e)
	if !decision.Authorized {
		return nil
	}
	return p.apply(ctx, e, decision)
}

// Authorize is the single gate every deletion decision flows through.
// Denials are security-logged here so callers cannot skip the audit line.
func (p *Processor) Authorize(ctx context.Context, target *record.Record, e *Entry) Decision {
	d := p.evaluate(ctx, target, e)
	if !d.Authorized {
		p.seclog.WithFields(logrus.Fields{
			"did":     target.DID(),
			"deleter": e.DeletedByPublicKey,
			"reason":  d.Reason,
		}).Warn("deletion not authorized")
	}
	return d
}

func (p *Processor) evaluate(ctx context.Context, target *record.Record, e *Entry) Decision {
	deleter := strings.ToLower(strings.TrimSpace(e.DeletedByPublicKey))
	if deleter == "" {
		return Decision{Reason: "deleter key missing"}
	}

	// An owner key declared on the record wins over everything else.
	if owner := explicitOwnerKey(target); owner != "" {
		if strings.EqualFold(owner, deleter) {
			return Decision{Authorized: true, Rule: RuleOwnerKey}
		}
		return p.adminOverride(ctx, target, deleter, "deleter is not the declared owner")
	}

	// GUN souls embed a hash of the owner's key in the DID locator.
	if did, err := record.ParseDID(target.DID()); err == nil && did.Backend == record.BackendGun {
		if record.GunOwnerPrefix(deleter) == strings.ToLower(did.Locator) {
			return Decision{Authorized: true, Rule: RuleSoulPrefix}
		}
		return p.adminOverride(ctx, target, deleter, "deleter key does not hash to the soul prefix")
	}

	if creator := target.OIP.Creator.PublicKey; creator != "" && strings.EqualFold(creator, deleter) {
		return Decision{Authorized: true, Rule: RuleCreator}
	}
	return p.adminOverride(ctx, target, deleter, "deleter is not the creator")
}

// adminOverride grants deletion to operators registered under this node's
// domain, but only over records the node wallet itself signed. It is never
// transitive: matching the domain grants nothing over foreign records.
func (p *Processor) adminOverride(ctx context.Context, target *record.Record, deleter, reason string) Decision {
	if !p.policy.enabled() {
		return Decision{Reason: reason}
	}
	if !strings.EqualFold(target.OIP.Creator.PublicKey, p.policy.NodeKeyHex) {
		return Decision{Reason: reason}
	}
	domain, err := p.policy.Users.EmailDomain(ctx, deleter)
	if err != nil {
		p.log.WithError(err).Debug("admin override lookup failed")
		return Decision{Reason: reason}
	}
	if !strings.EqualFold(domain, p.policy.BaseDomain) {
		return Decision{Reason: reason}
	}
	p.log.WithFields(logrus.Fields{
		"did":     target.DID(),
		"deleter": deleter,
		"domain":  domain,
	}).Warn("admin-domain override authorized deletion")
	return Decision{Authorized: true, Rule: RuleAdminOverride}
}

func (p *Processor) apply(ctx context.Context, e *Entry, decision Decision) error {
	if err := p.index.DeleteRecord(ctx, e.DID); err != nil {
		return err
	}
	if p.graph != nil {
		if did, err := record.ParseDID(e.DID); err == nil && did.Backend == record.BackendGun {
			if err := p.graph.Delete(did.Soul()); err != nil {
				p.log.WithError(err).WithField("did", e.DID).Warn("replica node not removed")
			}
		}
	}
	if p.caches != nil {
		p.caches.Invalidate(e.DID)
	}
	if p.applied != nil {
		p.applied(e)
	}
	p.log.WithFields(logrus.Fields{
		"did":  e.DID,
		"rule": decision.Rule,
	}).Info("record deleted")
	return nil
}

func (p *Processor) buffer(e *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := strings.ToLower(e.DeletedByPublicKey)
	byDeleter := p.pending[e.DID]
	if _, seen := byDeleter[key]; !seen && p.count >= maxPending {
		p.log.WithField("did", e.DID).Warn("pending deletion buffer full, intent dropped")
		return
	}
	if byDeleter == nil {
		byDeleter = make(map[string]*Entry, 1)
		p.pending[e.DID] = byDeleter
	}
	if _, seen := byDeleter[key]; !seen {
		p.count++
	}
	byDeleter[key] = e
	p.log.WithField("did", e.DID).Debug("deletion intent buffered until target appears")
}

// Pending reports how many intents wait for their target.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// TargetAppeared re-evaluates intents buffered for did. Sync loops call it
// right after a record is first projected, so a deletion that raced ahead of
// its target still lands within the same cycle.
func (p *Processor) TargetAppeared(ctx context.Context, did string) {
	p.mu.Lock()
	byDeleter := p.pending[did]
	delete(p.pending, did)
	p.count -= len(byDeleter)
	p.mu.Unlock()
	for _, e := range byDeleter {
		if err := p.Process(ctx, e); err != nil {
			p.log.WithError(err).WithField("did", did).Warn("buffered deletion failed")
			p.buffer(e)
		}
	}
}

func explicitOwnerKey(target *record.Record) string {
	for _, tmpl := range []string{"accessControl", "conversationSession"} {
		if v, ok := target.Field(tmpl, "owner_public_key"); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
