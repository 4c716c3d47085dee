package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/arweave"
	"github.com/oipwg/oipd/auth"
	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/record"
	"github.com/oipwg/oipd/template"
)

// ListTemplates serves GET /templates.
func (h *Handlers) ListTemplates(c echo.Context) error {
	active := h.Templates.Active()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":     len(active),
		"templates": active,
	})
}

// TemplateRequest is the POST /templates body. Field indices may be left
// zero; the registry allocates dense indices on registration.
type TemplateRequest struct {
	Name   string           `json:"name"`
	Fields []template.Field `json:"fields"`
	// Storage is "arweave" (the default when a publishing service is
	// configured) or "local" for a registry-only definition.
	Storage  string `json:"storage,omitempty"`
	Password string `json:"password,omitempty"`
}

// TemplateResult names the registered definition. Chain-published templates
// take the transaction id as their template id.
type TemplateResult struct {
	ID      string `json:"templateId"`
	Name    string `json:"name"`
	Storage string `json:"storage"`
}

// PublishTemplate serves POST /templates.
func (h *Handlers) PublishTemplate(c echo.Context) error {
	var req TemplateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	res, err := h.Publisher.PublishTemplate(c.Request().Context(), claims(c), &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

// TemplateStorageLocal registers a template on this node only, without a
// chain transaction. Local definitions never propagate to peers.
const TemplateStorageLocal = "local"

// PublishTemplate signs and registers a template definition. Chain
// publishes register locally right away under the transaction id, so the
// definition is usable before the sync loop replays the transaction; the
// replay re-registers the same id, which is a no-op.
func (p *Publisher) PublishTemplate(ctx context.Context, cl *auth.Claims, req *TemplateRequest) (*TemplateResult, error) {
	if req.Name == "" {
		return nil, common.Failf(common.FailureDecode, "template names no name")
	}
	if len(req.Fields) == 0 {
		return nil, common.Failf(common.FailureDecode, "template %s declares no fields", req.Name)
	}

	id, err := p.identity(ctx, cl, req.Password)
	if err != nil {
		return nil, err
	}

	storage := req.Storage
	if storage == "" {
		if p.chain != nil {
			storage = string(record.BackendArweave)
		} else {
			storage = TemplateStorageLocal
		}
	}

	tmpl := template.Template{
		Name:      req.Name,
		Fields:    req.Fields,
		Creator:   id.creatorDID,
		IndexedAt: time.Now().UTC(),
	}
	// Indices are allocated before signing so the chain payload carries the
	// wire positions every node will use.
	tmpl.AllocateIndices()
	if err := tmpl.Validate(); err != nil {
		return nil, common.Fail(common.FailureDecode, err)
	}

	switch storage {
	case TemplateStorageLocal:
		tmpl.ID = uuid.New().String()
	case string(record.BackendArweave):
		if p.chain == nil {
			return nil, common.Failf(common.FailureResource, "arweave publishing not configured")
		}
		txid, serr := p.submitTemplate(ctx, id, &tmpl)
		if serr != nil {
			return nil, serr
		}
		tmpl.ID = txid
	default:
		return nil, common.Failf(common.FailureDecode, "unknown template storage %q", req.Storage)
	}

	if _, err := p.templates.Register(ctx, &tmpl); err != nil {
		if storage != TemplateStorageLocal {
			// The transaction is out regardless; the sync replay will hit
			// the same refusal, so the operator sees it now.
			p.log.WithError(err).WithField("txid", tmpl.ID).Warn("published template refused by registry")
		}
		return nil, err
	}

	p.log.WithFields(logrus.Fields{
		"template": tmpl.Name,
		"id":       tmpl.ID,
		"storage":  storage,
	}).Info("template published")
	return &TemplateResult{ID: tmpl.ID, Name: tmpl.Name, Storage: storage}, nil
}

func (p *Publisher) submitTemplate(ctx context.Context, id *signingIdentity, tmpl *template.Template) (string, error) {
	payload, err := json.Marshal(tmpl)
	if err != nil {
		return "", common.Failf(common.FailureDecode, "encode template: %w", err)
	}
	env := record.Envelope{
		Creator: record.Creator{DID: id.creatorDID, PublicKey: id.wallet.PublicKey},
		Backend: record.BackendArweave,
		Ver:     PublishVer,
	}
	signer, err := id.wallet.Signer()
	if err != nil {
		return "", err
	}
	if env.Signature, _, err = signer.Sign(payload); err != nil {
		return "", err
	}
	return p.chain.Submit(ctx, arweave.PublishTags(env, arweave.TypeTemplate), payload)
}
