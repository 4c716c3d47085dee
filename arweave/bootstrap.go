package arweave

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/template"
)

// bootstrapJSON carries the protocol's base templates. Templates are
// themselves published as transactions, so a fresh node needs these to
// decode anything at all, the creator registration template first of all.
//
//go:embed bootstrap.json
var bootstrapJSON []byte

// BootstrapTemplates parses the embedded base template set.
func BootstrapTemplates() ([]*template.Template, error) {
	var templates []*template.Template
	if err := json.Unmarshal(bootstrapJSON, &templates); err != nil {
		return nil, fmt.Errorf("decode bootstrap templates: %w", err)
	}
	return templates, nil
}

// Bootstrap registers the base templates that are not already known. Called
// once at startup after the registry has loaded persisted state.
func Bootstrap(ctx context.Context, reg *template.Registry) error {
	templates, err := BootstrapTemplates()
	if err != nil {
		return err
	}
	log := common.ComponentLogger("arweave")
	for _, tmpl := range templates {
		if _, ok := reg.LookupByID(tmpl.ID); ok {
			continue
		}
		if _, err := reg.Register(ctx, tmpl); err != nil {
			return fmt.Errorf("bootstrap template %s: %w", tmpl.Name, err)
		}
		log.WithField("template", tmpl.Name).Info("bootstrapped base template")
	}
	return nil
}

// fallbacksJSON carries embedded copies of the bootstrap-critical creator
// registrations. Signatures are only verifiable once these creators are
// known, so a gateway that cannot serve them would otherwise wedge a fresh
// node. Served only after every gateway has failed; this is a correctness
// mechanism, not a cache.
//
//go:embed fallbacks.json
var fallbacksJSON []byte

type fallbackTx struct {
	ID      string            `json:"id"`
	Height  int64             `json:"height"`
	Tags    map[string]string `json:"tags"`
	Payload json.RawMessage   `json:"payload"`
}

var (
	fallbackOnce sync.Once
	fallbackByID map[string]fallbackTx
)

func fallback(txid string) (fallbackTx, bool) {
	fallbackOnce.Do(func() {
		var txs []fallbackTx
		if err := json.Unmarshal(fallbacksJSON, &txs); err != nil {
			// Embedded data is validated by tests; an unparsable table
			// just disables the fallback path.
			common.ComponentLogger("arweave").WithError(err).Error("embedded fallback table unreadable")
			return
		}
		fallbackByID = make(map[string]fallbackTx, len(txs))
		for _, tx := range txs {
			fallbackByID[tx.ID] = tx
		}
	})
	tx, ok := fallbackByID[txid]
	return tx, ok
}

// FallbackHeaders lists the embedded bootstrap transactions as headers, for
// a sync loop that wants to process them before its first block range.
func FallbackHeaders(indexedAt time.Time) []TxHeader {
	_, _ = fallback("") // force table load
	headers := make([]TxHeader, 0, len(fallbackByID))
	for _, tx := range fallbackByID {
		headers = append(headers, TxHeader{
			ID:        tx.ID,
			Height:    tx.Height,
			Timestamp: indexedAt.Unix(),
			Tags:      Tags(tx.Tags),
		})
	}
	return headers
}
