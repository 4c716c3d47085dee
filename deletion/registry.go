// Package deletion implements the network-visible deletion registry: an
// append-only set of intents that every node observes and applies locally
// after an authorization check. Entries are never removed; an applied or
// rejected intent stays in the registry for audit.
package deletion

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/gun"
	"github.com/oipwg/oipd/record"
)

// Registry soul layout on GUN. Every node mirrors the same flat index, so an
// intent published anywhere eventually reaches every replica.
const (
	registryRoot = "oip:deleted:records"

	// IndexSoul is the flat index node flagging every DID with an intent.
	IndexSoul = registryRoot + ":index"
)

// EntrySoul returns the registry soul carrying the intent for one DID.
func EntrySoul(did string) string { return registryRoot + ":" + did }

// IsRegistrySoul reports whether soul belongs to the deletion registry.
func IsRegistrySoul(soul string) bool {
	return soul == IndexSoul || strings.HasPrefix(soul, registryRoot+":")
}

// Entry is one deletion intent. DeletedByPublicKey must already be verified
// by the observing sync loop: for Arweave intents it is the recovered signer
// of the deleteMessage, for GUN intents the key named by the entry node.
type Entry struct {
	DID                string         `json:"did"`
	DeletedByPublicKey string         `json:"deletedByPublicKey"`
	DeletedAt          time.Time      `json:"deletedAt"`
	Origin             record.Backend `json:"origin,omitempty"`
	Signature          string         `json:"signature,omitempty"`
}

// SignedContent returns the bytes an entry signature covers: the target DID
// and the intent timestamp. Publishers sign this; observers verify it when
// a signature is present.
func (e *Entry) SignedContent() []byte {
	return []byte(e.DID + "|" + e.DeletedAt.UTC().Format(time.RFC3339))
}

// Fields renders the entry as a GUN node body.
func (e *Entry) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"did":                e.DID,
		"deletedByPublicKey": e.DeletedByPublicKey,
		"deletedAt":          e.DeletedAt.UTC().Format(time.RFC3339),
	}
	if e.Signature != "" {
		fields["signature"] = e.Signature
	}
	return fields
}

// EntryFromNode decodes a registry node back into an intent.
func EntryFromNode(node *gun.Node) (*Entry, error) {
	e := &Entry{Origin: record.BackendGun}
	var ok bool
	if e.DID, ok = stringField(node, "did"); !ok {
		return nil, common.Failf(common.FailureDecode, "deletion entry %s: missing did", node.Soul())
	}
	if e.DeletedByPublicKey, ok = stringField(node, "deletedByPublicKey"); !ok {
		return nil, common.Failf(common.FailureDecode, "deletion entry %s: missing deleter key", node.Soul())
	}
	if raw, ok := stringField(node, "deletedAt"); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			e.DeletedAt = t
		}
	}
	e.Signature, _ = stringField(node, "signature")
	return e, nil
}

func stringField(node *gun.Node, name string) (string, bool) {
	v, ok := node.Fields[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// Registry reads and writes the distributed deletion registry over GUN.
type Registry struct {
	client *gun.Client
	log    *logrus.Entry
}

// NewRegistry wraps the GUN client with the registry soul scheme.
func NewRegistry(client *gun.Client) *Registry {
	return &Registry{
		client: client,
		log:    common.ComponentLogger("deletion-registry"),
	}
}

// Publish writes the intent under its entry soul and flags the flat index.
// Connected peers pick it up through the normal put gossip.
func (r *Registry) Publish(ctx context.Context, e *Entry) error {
	if e.DeletedAt.IsZero() {
		e.DeletedAt = time.Now().UTC()
	}
	if _, err := r.client.Put(ctx, EntrySoul(e.DID), e.Fields()); err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, IndexSoul, map[string]interface{}{e.DID: true}); err != nil {
		return err
	}
	r.log.WithField("did", e.DID).Info("deletion intent published")
	return nil
}

// Entries loads every intent flagged in the index. Unreadable entries are
// skipped with a warning so one bad node cannot stall a sync cycle.
func (r *Registry) Entries(ctx context.Context) ([]*Entry, error) {
	index, err := r.client.Get(ctx, IndexSoul)
	if err != nil {
		if common.KindOf(err) == common.FailureNotFound {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]*Entry, 0, len(index.Fields))
	for did := range index.Fields {
		if !record.IsDID(did) {
			continue
		}
		node, err := r.client.Get(ctx, EntrySoul(did))
		if err != nil {
			r.log.WithError(err).WithField("did", did).Warn("deletion entry unreadable")
			continue
		}
		entry, err := EntryFromNode(node)
		if err != nil {
			r.log.WithError(err).WithField("did", did).Warn("deletion entry malformed")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
