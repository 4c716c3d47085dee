package es

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/template"
)

const recordsIndexBody = `{
  "settings": {
    "number_of_shards": 1,
    "number_of_replicas": 0,
    "index.mapping.total_fields.limit": 4000
  },
  "mappings": {
    "properties": {
      "data": {
        "type": "object",
        "dynamic": true
      },
      "oip": {
        "properties": {
          "did": {"type": "keyword"},
          "recordType": {"type": "keyword"},
          "storage": {"type": "keyword"},
          "creator": {
            "properties": {
              "did": {"type": "keyword"},
              "publicKey": {"type": "keyword"}
            }
          },
          "signature": {"type": "keyword", "index": false},
          "signedBy": {"type": "keyword"},
          "encrypted": {"type": "boolean"},
          "blockHeight": {"type": "long"},
          "indexedAt": {"type": "date"},
          "ver": {"type": "keyword"},
          "storageManifest": {
            "properties": {
              "contentHash": {"type": "keyword"},
              "size": {"type": "long"},
              "mime": {"type": "keyword"},
              "width": {"type": "long"},
              "height": {"type": "long"},
              "orientation": {"type": "keyword"},
              "thumbnail": {"type": "keyword", "index": false},
              "hints": {
                "properties": {
                  "kind": {"type": "keyword"},
                  "locator": {"type": "keyword"}
                }
              }
            }
          }
        }
      }
    }
  }
}`

const templatesIndexBody = `{
  "settings": {"number_of_shards": 1, "number_of_replicas": 0},
  "mappings": {
    "properties": {
      "templateId": {"type": "keyword"},
      "name": {"type": "keyword"},
      "creator": {"type": "keyword"},
      "blockHeight": {"type": "long"},
      "indexedAt": {"type": "date"},
      "unused": {"type": "boolean"},
      "fields": {
        "properties": {
          "name": {"type": "keyword"},
          "type": {"type": "keyword"},
          "index": {"type": "long"},
          "values": {"type": "keyword"}
        }
      }
    }
  }
}`

const usersIndexBody = `{
  "settings": {"number_of_shards": 1, "number_of_replicas": 0},
  "mappings": {
    "properties": {
      "email": {"type": "keyword"},
      "passwordHash": {"type": "keyword", "index": false},
      "publicKey": {"type": "keyword"},
      "gunPubKeyHash": {"type": "keyword"},
      "wallet": {"type": "object", "enabled": false},
      "createdAt": {"type": "date"}
    }
  }
}`

const stateIndexBody = `{
  "settings": {"number_of_shards": 1, "number_of_replicas": 0},
  "mappings": {
    "properties": {
      "component": {"type": "keyword"},
      "highWater": {"type": "long"},
      "updatedAt": {"type": "date"},
      "detail": {"type": "object", "dynamic": true}
    }
  }
}`

// fieldMapping translates one template field type into its index mapping.
// Repeated variants map the same way; Elasticsearch treats every field as
// multi-valued.
func fieldMapping(ft template.FieldType) map[string]interface{} {
	switch ft.Base() {
	case template.TypeString:
		return map[string]interface{}{
			"type": "text",
			"fields": map[string]interface{}{
				"keyword": map[string]interface{}{"type": "keyword", "ignore_above": 256},
			},
		}
	case template.TypeLong:
		return map[string]interface{}{"type": "long"}
	case template.TypeUint64:
		return map[string]interface{}{"type": "unsigned_long"}
	case template.TypeFloat:
		return map[string]interface{}{"type": "double"}
	case template.TypeBool:
		return map[string]interface{}{"type": "boolean"}
	case template.TypeEnum, template.TypeDref:
		return map[string]interface{}{"type": "keyword"}
	default:
		return map[string]interface{}{"type": "keyword"}
	}
}

// BuildTemplateMapping renders the _mapping body that teaches the records
// index about one template's fields under data.<template name>.
func BuildTemplateMapping(tmpl *template.Template) (string, error) {
	props := make(map[string]interface{}, len(tmpl.Fields))
	for _, f := range tmpl.Fields {
		props[f.Name] = fieldMapping(f.Type)
	}
	body := map[string]interface{}{
		"properties": map[string]interface{}{
			"data": map[string]interface{}{
				"properties": map[string]interface{}{
					tmpl.Name: map[string]interface{}{"properties": props},
				},
			},
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode mapping for %s: %w", tmpl.Name, err)
	}
	return string(raw), nil
}

// ApplyTemplateMapping installs a template's field mappings on the records
// index. Hitting the index field limit comes back as a resource failure so
// the registry can refuse the template instead of poisoning the index.
func (c *Client) ApplyTemplateMapping(ctx context.Context, tmpl *template.Template) error {
	body, err := BuildTemplateMapping(tmpl)
	if err != nil {
		return err
	}
	resp, err := c.es.Indices.PutMapping(
		[]string{c.RecordsIndex()},
		strings.NewReader(body),
		c.es.Indices.PutMapping.WithContext(ctx),
	)
	if err != nil {
		return common.Failf(common.FailureTransient, "put mapping %s: %w", tmpl.Name, err)
	}
	defer drain(resp)
	if resp.IsError() {
		reason := responseReason(resp)
		if strings.Contains(reason, "Limit of total fields") {
			return common.Failf(common.FailureResource, "mapping %s: %s", tmpl.Name, reason)
		}
		return statusFailure("put mapping "+tmpl.Name, resp)
	}
	// Each field plus the template's own object node count toward the limit.
	c.noteMappedFields(len(tmpl.Fields) + 1)
	c.log.WithField("template", tmpl.Name).Debug("applied template mapping")
	return nil
}

// fieldPressureThreshold is where the warning fires. The index raises the
// hard limit to 4000, so this is an early signal to retire unused templates,
// not an enforcement point.
const fieldPressureThreshold = 900

// MappedFieldCount reads the records index mapping and counts concrete
// fields the way the total_fields limit does: every named property and every
// multi-field.
func (c *Client) MappedFieldCount(ctx context.Context) (int, error) {
	resp, err := c.es.Indices.GetMapping(
		c.es.Indices.GetMapping.WithIndex(c.RecordsIndex()),
		c.es.Indices.GetMapping.WithContext(ctx),
	)
	if err != nil {
		return 0, common.Failf(common.FailureTransient, "get mapping: %w", err)
	}
	defer drain(resp)
	if resp.IsError() {
		return 0, statusFailure("get mapping", resp)
	}
	var payload map[string]struct {
		Mappings map[string]interface{} `json:"mappings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, common.Failf(common.FailureDecode, "decode mapping: %w", err)
	}
	total := 0
	for _, idx := range payload {
		total += countFields(idx.Mappings)
	}
	return total, nil
}

func countFields(m map[string]interface{}) int {
	n := 0
	for _, key := range []string{"properties", "fields"} {
		sub, ok := m[key].(map[string]interface{})
		if !ok {
			continue
		}
		for _, v := range sub {
			n++
			if child, ok := v.(map[string]interface{}); ok {
				n += countFields(child)
			}
		}
	}
	return n
}

func (c *Client) seedMappedFields(n int) {
	c.fieldsMu.Lock()
	c.mappedFields = n
	c.fieldsMu.Unlock()
	if n > fieldPressureThreshold {
		c.warnFieldPressure(n)
	}
}

func (c *Client) noteMappedFields(n int) {
	c.fieldsMu.Lock()
	before := c.mappedFields
	c.mappedFields += n
	after := c.mappedFields
	c.fieldsMu.Unlock()
	if after > fieldPressureThreshold && before <= fieldPressureThreshold {
		c.warnFieldPressure(after)
	}
}

func (c *Client) warnFieldPressure(n int) {
	c.log.WithField("mapped_fields", n).
		WithField("threshold", fieldPressureThreshold).
		Warn("records index mapped-field count is high; retire unused templates")
}
