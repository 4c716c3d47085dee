package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/arweave"
	"github.com/oipwg/oipd/auth"
	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/deletion"
	"github.com/oipwg/oipd/record"
	"github.com/oipwg/oipd/sig"
	"github.com/oipwg/oipd/sync"
	"github.com/oipwg/oipd/template"
)

// publishRig wires a Publisher to fakes for everything except auth, which
// runs for real so signatures come from real wallets.
type publishRig struct {
	auth    *auth.Service
	pub     *Publisher
	reg     *template.Registry
	idx     *fakeIndex
	graph   *fakeGraph
	chain   *fakeChain
	intents *fakeIntents
	gate    *fakeGate
}

func newPublishRig(t *testing.T, opts ...func(*PublisherDeps)) *publishRig {
	t.Helper()
	rig := &publishRig{
		auth:    newTestAuth(),
		reg:     newTestRegistry(t, "post"),
		idx:     newFakeIndex(),
		graph:   &fakeGraph{},
		chain:   &fakeChain{txid: "tx-test-1"},
		intents: &fakeIntents{},
		gate:    &fakeGate{decision: deletion.Decision{Authorized: true, Rule: deletion.RuleOwnerKey}},
	}
	deps := PublisherDeps{
		Auth:      rig.auth,
		Templates: rig.reg,
		Records:   rig.idx,
		Graph:     rig.graph,
		Intents:   rig.intents,
		Gate:      rig.gate,
		Chain:     rig.chain,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	rig.reg = deps.Templates
	rig.pub = NewPublisher(deps)
	return rig
}

func (r *publishRig) register(t *testing.T, email string) (*auth.RegisterResult, *auth.Claims) {
	t.Helper()
	res, err := r.auth.Register(context.Background(), email, testPassword)
	require.NoError(t, err)
	return res, &auth.Claims{PublicKey: res.User.PublicKey, Email: email}
}

func postData(title string) map[string]map[string]interface{} {
	return map[string]map[string]interface{}{"post": {"title": title}}
}

func TestPublishGunSignsVerifiableRecord(t *testing.T) {
	rig := newPublishRig(t)
	reg, cl := rig.register(t, testEmail)
	ctx := context.Background()

	res, err := rig.pub.Publish(ctx, cl, &PublishRequest{
		Data:       postData("hello mesh"),
		RecordType: "post",
		LocalID:    "first-post",
		Password:   testPassword,
	})
	require.NoError(t, err)

	prefix := record.GunOwnerPrefix(reg.User.PublicKey)
	assert.Equal(t, record.GunDID(prefix+":first-post").String(), res.DID)
	assert.Equal(t, string(record.BackendGun), res.Storage)

	// the creator registration goes out before the record, each followed
	// by its index flag
	require.Len(t, rig.graph.puts, 4)
	assert.Equal(t, prefix+":creator-registration", rig.graph.puts[0].soul)
	assert.Equal(t, sync.RecordsIndexSoul, rig.graph.puts[1].soul)
	assert.Equal(t, prefix+":first-post", rig.graph.puts[2].soul)
	assert.Equal(t, sync.RecordsIndexSoul, rig.graph.puts[3].soul)

	regDID := record.GunDID(prefix + ":creator-registration").String()
	assert.Equal(t, true, rig.graph.puts[1].fields[regDID])
	assert.Equal(t, true, rig.graph.puts[3].fields[res.DID])

	// the registration verifies against its own embedded key material
	regFields := rig.graph.puts[0].fields
	regEnv, ok := regFields["oip"].(record.Envelope)
	require.True(t, ok)
	regData, ok := regFields["data"].(map[string]map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, sig.RegistrationType, regEnv.RecordType)
	assert.Equal(t, regEnv.DID, regEnv.Creator.DID)
	assert.Equal(t, reg.User.PublicKey, regData[sig.RegistrationType]["publicKey"])
	assert.NotEmpty(t, regData[sig.RegistrationType]["xpub"])
	assert.Equal(t, testEmail, regData[sig.RegistrationType]["email"])

	selfReg, err := sig.RegistrationFromRecord(&record.Record{Data: regData, OIP: regEnv})
	require.NoError(t, err)
	regPayload, err := json.Marshal(regData)
	require.NoError(t, err)
	regResult, err := sig.NewEngine(nil).VerifyWithRegistration(regPayload, &regEnv, selfReg)
	require.NoError(t, err)
	assert.True(t, regResult.IsValid)

	// and the record verifies against that registration
	fields := rig.graph.puts[2].fields
	env, ok := fields["oip"].(record.Envelope)
	require.True(t, ok)
	assert.Equal(t, res.DID, env.DID)
	assert.Equal(t, "post", env.RecordType)
	assert.Equal(t, PublishVer, env.Ver)
	assert.Equal(t, reg.User.PublicKey, env.Creator.PublicKey)
	assert.Equal(t, regDID, env.Creator.DID)
	assert.False(t, env.IndexedAt.IsZero())

	payload, err := json.Marshal(fields["data"])
	require.NoError(t, err)
	result, err := sig.NewEngine(nil).VerifyWithRegistration(payload, &env, selfReg)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
}

func TestPublishSkipsRegistrationWhenIndexed(t *testing.T) {
	rig := newPublishRig(t)
	_, cl := rig.register(t, testEmail)
	ctx := context.Background()

	wallet, err := rig.auth.Unlock(ctx, testEmail, testPassword)
	require.NoError(t, err)
	rig.idx.add(&record.Record{
		Data: map[string]map[string]interface{}{
			sig.RegistrationType: {"publicKey": wallet.PublicKey},
		},
		OIP: record.Envelope{DID: CreatorDID(wallet)},
	})

	_, err = rig.pub.Publish(ctx, cl, &PublishRequest{
		Data:     postData("no churn"),
		LocalID:  "p1",
		Password: testPassword,
	})
	require.NoError(t, err)

	require.Len(t, rig.graph.puts, 2)
	assert.Equal(t, record.GunOwnerPrefix(wallet.PublicKey)+":p1", rig.graph.puts[0].soul)
}

func TestPublishRejectsUnknownTemplate(t *testing.T) {
	rig := newPublishRig(t)

	_, err := rig.pub.Publish(context.Background(), nil, &PublishRequest{
		Data: map[string]map[string]interface{}{"mystery": {"x": 1}},
	})
	require.Error(t, err)
	assert.Equal(t, common.FailureTemplateMissing, common.KindOf(err))
}

func TestPublishPinnedTemplates(t *testing.T) {
	rig := newPublishRig(t, func(d *PublisherDeps) {
		d.Templates = newTestRegistry(t, "post", "image")
	})
	ctx := context.Background()

	_, err := rig.pub.Publish(ctx, nil, &PublishRequest{
		Data:      postData("pinned"),
		Templates: []string{"post", "image"},
	})
	require.Error(t, err)
	assert.Equal(t, common.FailureDecode, common.KindOf(err))
	assert.Contains(t, err.Error(), "image")

	_, err = rig.pub.Publish(ctx, nil, &PublishRequest{
		Data: map[string]map[string]interface{}{
			"post":  {"title": "pinned"},
			"image": {"title": "sneaky extra"},
		},
		Templates: []string{"post"},
	})
	require.Error(t, err)
	assert.Equal(t, common.FailureDecode, common.KindOf(err))
}

func TestPublishEncryptPolicy(t *testing.T) {
	rig := newPublishRig(t)
	ctx := context.Background()

	// anonymous callers cannot encrypt
	_, err := rig.pub.Publish(ctx, nil, &PublishRequest{
		Data:    postData("secret"),
		Encrypt: true,
	})
	assert.Equal(t, common.FailurePolicy, common.KindOf(err))

	// encrypted records are gun-only
	_, cl := rig.register(t, testEmail)
	_, err = rig.pub.Publish(ctx, cl, &PublishRequest{
		Data:     postData("secret"),
		Encrypt:  true,
		Storage:  string(record.BackendArweave),
		Password: testPassword,
	})
	assert.Equal(t, common.FailurePolicy, common.KindOf(err))
}

func TestPublishEncryptedRecordRoundTrips(t *testing.T) {
	rig := newPublishRig(t)
	reg, cl := rig.register(t, testEmail)
	ctx := context.Background()

	res, err := rig.pub.Publish(ctx, cl, &PublishRequest{
		Data:     postData("for my eyes"),
		Encrypt:  true,
		LocalID:  "sealed-1",
		Password: testPassword,
	})
	require.NoError(t, err)
	assert.True(t, res.Encrypted)

	prefix := record.GunOwnerPrefix(reg.User.PublicKey)
	fields, ok := rig.graph.find(prefix + ":sealed-1")
	require.True(t, ok)

	sealed, ok := fields["data"].(*auth.EncryptedPayload)
	require.True(t, ok, "wire data should be the sealed payload")
	env, ok := fields["oip"].(record.Envelope)
	require.True(t, ok)
	assert.True(t, env.Encrypted)

	// the signature covers the sealed form
	payload, err := json.Marshal(sealed)
	require.NoError(t, err)
	result, err := sig.NewEngine(nil).VerifyWithRegistration(payload, &env,
		&sig.Registration{PublicKey: reg.User.PublicKey})
	require.NoError(t, err)
	assert.True(t, result.IsValid)

	// and the owner's record key opens it
	key, err := rig.auth.GunRecordKey(ctx, testEmail, testPassword)
	require.NoError(t, err)
	plain, err := auth.OpenRecordData(key, sealed)
	require.NoError(t, err)
	var got map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(plain, &got))
	assert.Equal(t, "for my eyes", got["post"]["title"])
}

func TestPublishRejectsUnusableLocalID(t *testing.T) {
	rig := newPublishRig(t)
	_, cl := rig.register(t, testEmail)
	ctx := context.Background()

	for _, localID := range []string{"has space", strings.Repeat("x", 129)} {
		_, err := rig.pub.Publish(ctx, cl, &PublishRequest{
			Data:     postData("x"),
			LocalID:  localID,
			Password: testPassword,
		})
		assert.Equal(t, common.FailureDecode, common.KindOf(err), "local id %q", localID)
	}
}

func TestPublishArweaveSubmitsSignedTuples(t *testing.T) {
	rig := newPublishRig(t)
	reg, cl := rig.register(t, testEmail)
	ctx := context.Background()

	res, err := rig.pub.Publish(ctx, cl, &PublishRequest{
		Data:       postData("on chain"),
		Storage:    string(record.BackendArweave),
		RecordType: "post",
		Password:   testPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, "did:arweave:tx-test-1", res.DID)
	assert.Equal(t, string(record.BackendArweave), res.Storage)

	prefix := record.GunOwnerPrefix(reg.User.PublicKey)
	creatorDID := record.GunDID(prefix + ":creator-registration").String()
	assert.Equal(t, arweave.TypeRecord, rig.chain.tags[arweave.TagType])
	assert.Equal(t, PublishVer, rig.chain.tags[arweave.TagVer])
	assert.Equal(t, "post", rig.chain.tags[arweave.TagRecordType])
	assert.Equal(t, creatorDID, rig.chain.tags[arweave.TagCreator])
	assert.NotEmpty(t, rig.chain.tags[arweave.TagCreatorSig])

	// the payload is the compressed tuple form
	var tuples []map[string]interface{}
	require.NoError(t, json.Unmarshal(rig.chain.payload, &tuples))
	require.Len(t, tuples, 1)
	assert.Equal(t, "tmpl-1", tuples[0]["t"])
	assert.Equal(t, "on chain", tuples[0]["0"])

	// a peer reconstructing the envelope from tags can verify it
	env := record.Envelope{Signature: rig.chain.tags[arweave.TagCreatorSig]}
	result, err := sig.NewEngine(nil).VerifyWithRegistration(rig.chain.payload, &env,
		&sig.Registration{PublicKey: reg.User.PublicKey})
	require.NoError(t, err)
	assert.True(t, result.IsValid)
}

func TestPublishArweaveWithoutChain(t *testing.T) {
	rig := newPublishRig(t, func(d *PublisherDeps) { d.Chain = nil })
	_, cl := rig.register(t, testEmail)

	_, err := rig.pub.Publish(context.Background(), cl, &PublishRequest{
		Data:     postData("nowhere to go"),
		Storage:  string(record.BackendArweave),
		Password: testPassword,
	})
	require.Error(t, err)
	assert.Equal(t, common.FailureResource, common.KindOf(err))
}

func TestPublishFallsBackToNodeWallet(t *testing.T) {
	node, err := auth.WalletFromMnemonic(testMnemonic)
	require.NoError(t, err)
	rig := newPublishRig(t, func(d *PublisherDeps) { d.Node = node })

	_, err = rig.pub.Publish(context.Background(), nil, &PublishRequest{
		Data: postData("node says"),
	})
	require.NoError(t, err)

	require.Len(t, rig.graph.puts, 4)
	env, ok := rig.graph.puts[2].fields["oip"].(record.Envelope)
	require.True(t, ok)
	assert.Equal(t, node.PublicKey, env.Creator.PublicKey)
	assert.Equal(t, CreatorDID(node), env.Creator.DID)
}

func TestPublishWithoutIdentity(t *testing.T) {
	rig := newPublishRig(t)

	_, err := rig.pub.Publish(context.Background(), nil, &PublishRequest{
		Data: postData("unsigned"),
	})
	require.Error(t, err)
	assert.Equal(t, common.FailurePolicy, common.KindOf(err))
}

func TestDeleteRequiresSession(t *testing.T) {
	rig := newPublishRig(t)

	_, err := rig.pub.PublishDelete(context.Background(), nil, &DeleteRequest{
		DID:      "did:gun:x:1",
		Password: testPassword,
	})
	require.Error(t, err)
	assert.Equal(t, common.FailureAuthorization, common.KindOf(err))
}

func TestDeleteRequiresPassword(t *testing.T) {
	rig := newPublishRig(t)
	_, cl := rig.register(t, testEmail)

	_, err := rig.pub.PublishDelete(context.Background(), cl, &DeleteRequest{
		DID: "did:gun:x:1",
	})
	require.Error(t, err)
	assert.Equal(t, common.FailurePolicy, common.KindOf(err))
}

func TestDeletePublishesVerifiableIntent(t *testing.T) {
	rig := newPublishRig(t)
	reg, cl := rig.register(t, testEmail)
	target := publicRecord("did:gun:t:1")
	rig.idx.add(target)

	res, err := rig.pub.PublishDelete(context.Background(), cl, &DeleteRequest{
		DID:      "did:gun:t:1",
		Password: testPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, "intent published", res.Status)
	assert.Equal(t, string(record.BackendGun), res.Storage)

	require.True(t, rig.gate.asked)
	assert.Equal(t, target.OIP.DID, rig.gate.target.OIP.DID)

	require.Len(t, rig.intents.entries, 1)
	entry := rig.intents.entries[0]
	assert.Equal(t, "did:gun:t:1", entry.DID)
	assert.Equal(t, reg.User.PublicKey, entry.DeletedByPublicKey)
	assert.False(t, entry.DeletedAt.IsZero())

	// the intent signature is what every node's registry merge checks
	ok, err := sig.VerifyDetached(entry.DeletedByPublicKey, entry.Signature, entry.SignedContent())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteDeniedByGate(t *testing.T) {
	rig := newPublishRig(t)
	_, cl := rig.register(t, testEmail)
	rig.idx.add(publicRecord("did:gun:t:1"))
	rig.gate.decision = deletion.Decision{Authorized: false, Reason: "record created by another key"}

	_, err := rig.pub.PublishDelete(context.Background(), cl, &DeleteRequest{
		DID:      "did:gun:t:1",
		Password: testPassword,
	})
	require.Error(t, err)
	assert.Equal(t, common.FailureAuthorization, common.KindOf(err))
	assert.Contains(t, err.Error(), "record created by another key")
	assert.Empty(t, rig.intents.entries)
}

func TestDeleteAdminOverrideResignsAsNode(t *testing.T) {
	mnemonic, err := auth.NewMnemonic()
	require.NoError(t, err)
	node, err := auth.WalletFromMnemonic(mnemonic)
	require.NoError(t, err)

	rig := newPublishRig(t, func(d *PublisherDeps) { d.Node = node })
	reg, cl := rig.register(t, testEmail)
	rig.idx.add(publicRecord("did:gun:t:1"))
	rig.gate.decision = deletion.Decision{Authorized: true, Rule: deletion.RuleAdminOverride}

	_, err = rig.pub.PublishDelete(context.Background(), cl, &DeleteRequest{
		DID:      "did:gun:t:1",
		Password: testPassword,
	})
	require.NoError(t, err)

	// Remote gates only honor keys that own the target, so the intent must
	// travel under the node key, not the admin's.
	require.Len(t, rig.intents.entries, 1)
	entry := rig.intents.entries[0]
	assert.Equal(t, node.PublicKey, entry.DeletedByPublicKey)
	assert.NotEqual(t, reg.User.PublicKey, entry.DeletedByPublicKey)
	ok, err := sig.VerifyDetached(entry.DeletedByPublicKey, entry.Signature, entry.SignedContent())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteUnindexedTargetStillPublishes(t *testing.T) {
	rig := newPublishRig(t)
	_, cl := rig.register(t, testEmail)

	_, err := rig.pub.PublishDelete(context.Background(), cl, &DeleteRequest{
		DID:      "did:arweave:gone",
		Password: testPassword,
	})
	require.NoError(t, err)
	assert.False(t, rig.gate.asked, "no local target, nothing to preview")
	assert.Len(t, rig.intents.entries, 1)
}

func TestDeleteArweaveSendsDeleteMessage(t *testing.T) {
	rig := newPublishRig(t)
	_, cl := rig.register(t, testEmail)

	_, err := rig.pub.PublishDelete(context.Background(), cl, &DeleteRequest{
		DID:      "did:arweave:victim",
		Storage:  string(record.BackendArweave),
		Password: testPassword,
	})
	require.NoError(t, err)
	assert.Empty(t, rig.intents.entries)

	assert.Equal(t, arweave.TypeDeleteMessage, rig.chain.tags[arweave.TagType])
	var msg map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rig.chain.payload, &msg))
	assert.Equal(t, "did:arweave:victim", msg["delete"]["did"])
}

func TestPublishRecordHandler(t *testing.T) {
	rig := newPublishRig(t)
	reg, cl := rig.register(t, testEmail)
	h := &Handlers{Publisher: rig.pub}

	c, rec := jsonCtx(http.MethodPost, "/records",
		`{"data":{"post":{"title":"via handler"}},"localId":"h1","password":"`+testPassword+`"}`)
	asUser(c, reg.User.PublicKey, cl.Email)
	require.NoError(t, h.PublishRecord(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "did:gun:")
}
