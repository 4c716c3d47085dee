package sync

import (
	"context"
	"encoding/json"
	"strings"
	stdsync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/config"
	"github.com/oipwg/oipd/deletion"
	"github.com/oipwg/oipd/gun"
	"github.com/oipwg/oipd/record"
	"github.com/oipwg/oipd/sig"
)

// RecordsIndexSoul is the well-known root listing the DIDs a node
// publishes. Peers diff it against their local index to find new records.
const RecordsIndexSoul = "oip:records:index"

const (
	gunBackoffStart = time.Second
	gunBackoffMax   = 30 * time.Second
)

// GunLoop replicates records and deletion intents from whitelisted peers:
// one pull task per peer plus a merge task for the deletion registry.
// Pushed puts from connected peers are handled as they arrive, so gossip
// does not wait for the next pass.
type GunLoop struct {
	client    *gun.Client
	pipeline  *Pipeline
	index     Index
	registry  *deletion.Registry
	deletions *deletion.Processor
	cfg       config.GunConfig
	log       *logrus.Entry
	seclog    *logrus.Entry

	// applied memoizes intents already routed through the gate so an
	// append-only registry is not re-processed every cycle.
	applied *FailedSet
	pushed  chan string
}

// NewGunLoop wires the graph loop.
func NewGunLoop(client *gun.Client, index Index, registry *deletion.Registry, deletions *deletion.Processor, pipeline *Pipeline, cfg config.GunConfig) *GunLoop {
	l := &GunLoop{
		client:    client,
		pipeline:  pipeline,
		index:     index,
		registry:  registry,
		deletions: deletions,
		cfg:       cfg,
		log:       common.ComponentLogger("gun-sync"),
		seclog:    common.SecurityLogger("gun-sync"),
		applied:   NewFailedSet(50000),
		pushed:    make(chan string, 256),
	}
	client.Subscribe(func(n *gun.Node) {
		select {
		case l.pushed <- n.Soul():
		default:
			// Channel full; the periodic pass picks the node up instead.
		}
	})
	return l
}

// Run launches the per-peer pull tasks, the deletion merge task and the
// push handler, then blocks until the context ends.
func (l *GunLoop) Run(ctx context.Context) error {
	var wg stdsync.WaitGroup
	for _, peer := range l.cfg.Peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			l.peerLoop(ctx, peer)
		}(peer)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.deletionLoop(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.pushLoop(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

func (l *GunLoop) interval() time.Duration {
	if l.cfg.SyncInterval > 0 {
		return l.cfg.SyncInterval
	}
	return 30 * time.Second
}

// peerLoop pulls one peer on the sync interval, demoting it to exponential
// backoff while it errors. The whitelist itself never changes at runtime.
func (l *GunLoop) peerLoop(ctx context.Context, peer string) {
	log := l.log.WithField("peer", peer)
	backoff := gunBackoffStart
	for {
		wait := l.interval()
		if err := l.syncPeer(ctx, peer); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("peer sync failed")
			wait = backoff
			backoff *= 2
			if backoff > gunBackoffMax {
				backoff = gunBackoffMax
			}
		} else {
			backoff = gunBackoffStart
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// syncPeer diffs the peer's record index against the local projection and
// pulls whatever is missing.
func (l *GunLoop) syncPeer(ctx context.Context, peer string) error {
	idx, err := l.client.GetFrom(ctx, peer, RecordsIndexSoul)
	if err != nil {
		if common.KindOf(err) == common.FailureNotFound {
			return nil
		}
		return err
	}
	for did := range idx.Fields {
		if !record.IsDID(did) {
			continue
		}
		if err := l.syncRecord(ctx, peer, did); err != nil {
			return err
		}
	}
	return nil
}

func (l *GunLoop) syncRecord(ctx context.Context, peer, did string) error {
	parsed, err := record.ParseDID(did)
	if err != nil || parsed.Backend != record.BackendGun {
		return nil
	}
	if l.pipeline.Failed(did) {
		return nil
	}
	if ok, _ := l.client.Store().Indexed(parsed.Soul()); ok {
		return nil
	}

	if _, err := l.index.GetRecord(ctx, did); err == nil {
		_ = l.client.Store().MarkIndexed(parsed.Soul())
		return nil
	} else if common.KindOf(err) != common.FailureNotFound {
		return err
	}

	node, err := l.client.GetFrom(ctx, peer, parsed.Soul())
	if err != nil {
		if common.KindOf(err) == common.FailureNotFound {
			l.log.WithFields(logrus.Fields{
				"peer": peer,
				"did":  did,
			}).Debug("peer flags a record it cannot serve")
			return nil
		}
		return err
	}
	return l.processNode(ctx, did, node)
}

// processNode parses the wire body and runs it through the pipeline.
func (l *GunLoop) processNode(ctx context.Context, did string, node *gun.Node) error {
	data, payload, env, err := ParseGunRecord(node)
	if err != nil {
		l.pipeline.MarkFailed(did, err.Error())
		return nil
	}
	// The soul is authoritative for identity; a body claiming another DID
	// is either stale or lying.
	env.DID = did
	env.Backend = record.BackendGun
	if env.IndexedAt.IsZero() {
		env.IndexedAt = time.Now().UTC()
	}
	return l.pipeline.ProcessData(ctx, data, payload, env)
}

// pushLoop handles nodes that arrive through put gossip instead of pulls.
// The merged state is already in the local store by the time the
// subscription fires; only classification and projection remain.
func (l *GunLoop) pushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case soul := <-l.pushed:
			l.handlePushed(ctx, soul)
		}
	}
}

func (l *GunLoop) handlePushed(ctx context.Context, soul string) {
	switch {
	case deletion.IsRegistrySoul(soul):
		l.mergeDeletions(ctx)
	case strings.HasPrefix(soul, "oip:"):
		// Index and bookkeeping roots; nothing to project.
	case strings.Contains(soul, ":"):
		did := record.GunDID(soul).String()
		if l.pipeline.Failed(did) {
			return
		}
		if ok, _ := l.client.Store().Indexed(soul); ok {
			return
		}
		if _, err := l.index.GetRecord(ctx, did); err == nil {
			_ = l.client.Store().MarkIndexed(soul)
			return
		} else if common.KindOf(err) != common.FailureNotFound {
			return
		}
		node, err := l.client.Store().Get(soul)
		if err != nil {
			return
		}
		if err := l.processNode(ctx, did, node); err != nil {
			l.log.WithError(err).WithField("did", did).Debug("pushed record not settled, next pass retries")
		}
	}
}

// deletionLoop merges the distributed deletion registry on the sync
// interval.
func (l *GunLoop) deletionLoop(ctx context.Context) {
	for {
		l.mergeDeletions(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.interval()):
		}
	}
}

// mergeDeletions routes every unseen registry entry through the
// authorization gate. Entries carrying a signature must verify against the
// named key; unsigned entries still face the gate, which only authorizes
// keys that own the target.
func (l *GunLoop) mergeDeletions(ctx context.Context) {
	entries, err := l.registry.Entries(ctx)
	if err != nil {
		l.log.WithError(err).Debug("deletion registry unreadable")
		return
	}
	for _, e := range entries {
		key := e.DID + "|" + strings.ToLower(e.DeletedByPublicKey)
		if l.applied.Failed(key) {
			continue
		}
		if e.Signature != "" {
			ok, verr := sig.VerifyDetached(e.DeletedByPublicKey, e.Signature, e.SignedContent())
			if verr != nil || !ok {
				l.seclog.WithFields(logrus.Fields{
					"did":     e.DID,
					"deleter": e.DeletedByPublicKey,
				}).Warn("deletion entry signature invalid")
				l.applied.Mark(key, "bad signature")
				continue
			}
		}
		if err := l.deletions.Process(ctx, e); err != nil {
			l.log.WithError(err).WithField("did", e.DID).Warn("deletion intent not applied, next cycle retries")
			continue
		}
		l.applied.Mark(key, "processed")
	}
}

// AppliedIntents reports how many registry entries this node has routed
// through the gate, for the health endpoint.
func (l *GunLoop) AppliedIntents() int { return l.applied.Len() }

// ParseGunRecord splits a graph node into the envelope, the semantic data
// and the exact bytes the signature covers. Encrypted records return nil
// data; the pipeline recovers it after decryption.
func ParseGunRecord(node *gun.Node) (map[string]map[string]interface{}, []byte, record.Envelope, error) {
	var env record.Envelope
	oipRaw, ok := node.Fields["oip"]
	if !ok {
		return nil, nil, env, common.Failf(common.FailureDecode, "node %s carries no oip envelope", node.Soul())
	}
	oipJSON, err := json.Marshal(oipRaw)
	if err != nil {
		return nil, nil, env, common.Failf(common.FailureDecode, "node %s: encode envelope: %v", node.Soul(), err)
	}
	if err := json.Unmarshal(oipJSON, &env); err != nil {
		return nil, nil, env, common.Failf(common.FailureDecode, "node %s: malformed envelope: %v", node.Soul(), err)
	}

	dataRaw, ok := node.Fields["data"]
	if !ok {
		return nil, nil, env, common.Failf(common.FailureDecode, "node %s carries no data", node.Soul())
	}
	payload, err := json.Marshal(dataRaw)
	if err != nil {
		return nil, nil, env, common.Failf(common.FailureDecode, "node %s: encode data: %v", node.Soul(), err)
	}

	if env.Encrypted {
		return nil, payload, env, nil
	}
	var data map[string]map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, nil, env, common.Failf(common.FailureDecode, "node %s: data is not template sections: %v", node.Soul(), err)
	}
	return data, payload, env, nil
}

// GunRecordFields renders a record as the wire body {oip, data} for
// publishing. The caller seals data beforehand for private records.
func GunRecordFields(env record.Envelope, data interface{}) map[string]interface{} {
	return map[string]interface{}{
		"oip":  env,
		"data": data,
	}
}
