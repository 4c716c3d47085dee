package api

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/arweave"
	"github.com/oipwg/oipd/auth"
	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/deletion"
	"github.com/oipwg/oipd/es"
	"github.com/oipwg/oipd/gun"
	"github.com/oipwg/oipd/record"
	"github.com/oipwg/oipd/template"
)

const (
	testEmail    = "alice@example.com"
	testPassword = "hunter2hunter2"

	// The zero-entropy BIP-39 vector, used where a test needs a node
	// wallet with a stable identity.
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
)

// fakeIndex is an in-memory RecordIndex that remembers the last query it
// served.
type fakeIndex struct {
	records   map[string]*record.Record
	page      *es.RecordPage
	lastQuery es.RecordQuery
	searchErr error
}

func newFakeIndex(recs ...*record.Record) *fakeIndex {
	f := &fakeIndex{
		records: make(map[string]*record.Record),
		page:    &es.RecordPage{Records: []*record.Record{}},
	}
	for _, rec := range recs {
		f.add(rec)
	}
	return f
}

func (f *fakeIndex) add(rec *record.Record) { f.records[rec.OIP.DID] = rec }

func (f *fakeIndex) SearchRecords(_ context.Context, q es.RecordQuery) (*es.RecordPage, error) {
	f.lastQuery = q
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.page, nil
}

func (f *fakeIndex) GetRecord(_ context.Context, did string) (*record.Record, error) {
	rec, ok := f.records[did]
	if !ok {
		return nil, common.Failf(common.FailureNotFound, "record %s not indexed", did)
	}
	return rec, nil
}

type graphPut struct {
	soul   string
	fields map[string]interface{}
}

// fakeGraph records every put in order.
type fakeGraph struct {
	puts []graphPut
	err  error
}

func (f *fakeGraph) Put(_ context.Context, soul string, fields map[string]interface{}) (*gun.Node, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.puts = append(f.puts, graphPut{soul: soul, fields: fields})
	return gun.NewNode(soul, fields, 1), nil
}

// find returns the fields of the most recent put under soul.
func (f *fakeGraph) find(soul string) (map[string]interface{}, bool) {
	for i := len(f.puts) - 1; i >= 0; i-- {
		if f.puts[i].soul == soul {
			return f.puts[i].fields, true
		}
	}
	return nil, false
}

// fakeChain captures the last submitted transaction.
type fakeChain struct {
	txid    string
	err     error
	tags    arweave.Tags
	payload []byte
}

func (f *fakeChain) Submit(_ context.Context, tags arweave.Tags, payload []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.tags, f.payload = tags, payload
	return f.txid, nil
}

type fakeIntents struct {
	entries []*deletion.Entry
	err     error
}

func (f *fakeIntents) Publish(_ context.Context, e *deletion.Entry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

// fakeGate hands back a fixed decision and remembers what it was asked.
type fakeGate struct {
	decision deletion.Decision
	asked    bool
	target   *record.Record
	entry    *deletion.Entry
}

func (f *fakeGate) Authorize(_ context.Context, target *record.Record, e *deletion.Entry) deletion.Decision {
	f.asked = true
	f.target, f.entry = target, e
	return f.decision
}

// memUsers is an in-memory auth.Store so handler tests run against a real
// auth service with real wallets.
type memUsers struct {
	users map[string]*auth.User
}

func newMemUsers() *memUsers { return &memUsers{users: make(map[string]*auth.User)} }

func (m *memUsers) CreateUser(_ context.Context, user *auth.User) error {
	key := strings.ToLower(user.Email)
	if _, ok := m.users[key]; ok {
		return auth.ErrUserExists
	}
	copied := *user
	m.users[key] = &copied
	return nil
}

func (m *memUsers) GetUserByEmail(_ context.Context, email string) (*auth.User, error) {
	user, ok := m.users[strings.ToLower(email)]
	if !ok {
		return nil, common.Failf(common.FailureNotFound, "user %s not registered", email)
	}
	copied := *user
	return &copied, nil
}

func (m *memUsers) GetUserByPublicKey(_ context.Context, pubKeyHex string) (*auth.User, error) {
	for _, user := range m.users {
		if user.PublicKey == pubKeyHex {
			copied := *user
			return &copied, nil
		}
	}
	return nil, common.Failf(common.FailureNotFound, "no user holds key %s", pubKeyHex)
}

func (m *memUsers) UpdateUser(_ context.Context, user *auth.User) error {
	copied := *user
	m.users[strings.ToLower(user.Email)] = &copied
	return nil
}

func newTestAuth() *auth.Service {
	return auth.NewService(newMemUsers(), auth.NewTokenService("test-secret", time.Hour))
}

type tplStore struct{}

func (tplStore) IndexTemplate(context.Context, *template.Template) error    { return nil }
func (tplStore) AllTemplates(context.Context) ([]*template.Template, error) { return nil, nil }
func (tplStore) DeleteTemplate(context.Context, string) error               { return nil }
func (tplStore) CountRecordsUsing(context.Context, string) (int64, error)   { return 0, nil }

type tplMapper struct{}

func (tplMapper) ApplyTemplateMapping(context.Context, *template.Template) error { return nil }

// newTestRegistry registers one template per name, each with a string title
// and a dref author field.
func newTestRegistry(t *testing.T, names ...string) *template.Registry {
	t.Helper()
	reg := template.NewRegistry(tplStore{}, tplMapper{})
	for i, name := range names {
		_, err := reg.Register(context.Background(), &template.Template{
			ID:   fmt.Sprintf("tmpl-%d", i+1),
			Name: name,
			Fields: []template.Field{
				{Name: "title", Type: template.TypeString},
				{Name: "author", Type: template.TypeDref},
			},
		})
		require.NoError(t, err)
	}
	return reg
}

// jsonCtx builds an echo context around a JSON request.
func jsonCtx(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return echo.New().NewContext(req, rec), rec
}

// asUser injects authenticated claims the way the JWT middleware does.
func asUser(c echo.Context, pub, email string) {
	c.Set("user", &jwt.Token{Claims: &auth.Claims{PublicKey: pub, Email: email}})
}

func publicRecord(did string) *record.Record {
	return &record.Record{
		Data: map[string]map[string]interface{}{
			"post": {"title": "hello"},
		},
		OIP: record.Envelope{
			DID:     did,
			Backend: record.BackendGun,
			Creator: record.Creator{DID: "did:gun:creator", PublicKey: "02creator"},
		},
	}
}

func privateRecord(did, ownerPub string) *record.Record {
	rec := publicRecord(did)
	rec.Data["accessControl"] = map[string]interface{}{
		"access_level":     record.AccessPrivate,
		"owner_public_key": ownerPub,
	}
	return rec
}
