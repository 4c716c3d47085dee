package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/arweave"
	"github.com/oipwg/oipd/auth"
	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/template"
)

func seriesFields() []template.Field {
	return []template.Field{
		{Name: "title", Type: template.TypeString},
		{Name: "sequel", Type: template.TypeDref},
	}
}

func TestPublishTemplateLocalWhenNoChain(t *testing.T) {
	node, err := auth.WalletFromMnemonic(testMnemonic)
	require.NoError(t, err)
	rig := newPublishRig(t, func(d *PublisherDeps) {
		d.Chain = nil
		d.Node = node
	})

	res, err := rig.pub.PublishTemplate(context.Background(), nil, &TemplateRequest{
		Name:   "series",
		Fields: seriesFields(),
	})
	require.NoError(t, err)
	assert.Equal(t, TemplateStorageLocal, res.Storage)
	_, err = uuid.Parse(res.ID)
	assert.NoError(t, err, "local templates take a generated id")

	tmpl, ok := rig.reg.LookupByName("series")
	require.True(t, ok)
	assert.Equal(t, res.ID, tmpl.ID)
	assert.Equal(t, CreatorDID(node), tmpl.Creator)
	// indices were allocated densely
	require.Len(t, tmpl.Fields, 2)
	assert.Equal(t, 0, tmpl.Fields[0].Index)
	assert.Equal(t, 1, tmpl.Fields[1].Index)
}

func TestPublishTemplateChainTakesTxid(t *testing.T) {
	rig := newPublishRig(t)
	_, cl := rig.register(t, testEmail)

	res, err := rig.pub.PublishTemplate(context.Background(), cl, &TemplateRequest{
		Name:     "series",
		Fields:   seriesFields(),
		Password: testPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, "tx-test-1", res.ID)
	assert.Equal(t, "arweave", res.Storage)

	assert.Equal(t, arweave.TypeTemplate, rig.chain.tags[arweave.TagType])
	assert.NotEmpty(t, rig.chain.tags[arweave.TagCreatorSig])

	// the signed chain payload already carries the final wire indices
	var onChain template.Template
	require.NoError(t, json.Unmarshal(rig.chain.payload, &onChain))
	assert.Equal(t, "series", onChain.Name)
	require.Len(t, onChain.Fields, 2)
	assert.Equal(t, 1, onChain.Fields[1].Index)

	// registered locally right away so records can use it before the
	// sync loop replays the transaction
	tmpl, ok := rig.reg.LookupByName("series")
	require.True(t, ok)
	assert.Equal(t, "tx-test-1", tmpl.ID)
}

func TestPublishTemplateValidation(t *testing.T) {
	node, err := auth.WalletFromMnemonic(testMnemonic)
	require.NoError(t, err)
	rig := newPublishRig(t, func(d *PublisherDeps) { d.Node = node })
	ctx := context.Background()

	_, err = rig.pub.PublishTemplate(ctx, nil, &TemplateRequest{Fields: seriesFields()})
	assert.Equal(t, common.FailureDecode, common.KindOf(err))

	_, err = rig.pub.PublishTemplate(ctx, nil, &TemplateRequest{Name: "series"})
	assert.Equal(t, common.FailureDecode, common.KindOf(err))

	_, err = rig.pub.PublishTemplate(ctx, nil, &TemplateRequest{
		Name:    "series",
		Fields:  seriesFields(),
		Storage: "floppy",
	})
	assert.Equal(t, common.FailureDecode, common.KindOf(err))
}

func TestTemplateEndpoints(t *testing.T) {
	node, err := auth.WalletFromMnemonic(testMnemonic)
	require.NoError(t, err)
	rig := newPublishRig(t, func(d *PublisherDeps) {
		d.Chain = nil
		d.Node = node
	})
	h := &Handlers{Templates: rig.reg, Publisher: rig.pub}

	c, rec := jsonCtx(http.MethodPost, "/templates",
		`{"name":"series","fields":[{"name":"title","type":"string"}]}`)
	require.NoError(t, h.PublishTemplate(c))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "templateId")

	c, rec = jsonCtx(http.MethodGet, "/templates", "")
	require.NoError(t, h.ListTemplates(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Total     int                  `json:"total"`
		Templates []*template.Template `json:"templates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total, "the rig's post template plus the published one")
}
