package es

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/oipwg/oipd/auth"
	"github.com/oipwg/oipd/common"
)

// userDocID keys a user document. Addresses differing only in case are the
// same account.
func userDocID(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser stores a new account. The create op-type makes a concurrent
// duplicate registration lose cleanly instead of overwriting.
func (c *Client) CreateUser(ctx context.Context, user *auth.User) error {
	body, err := json.Marshal(user)
	if err != nil {
		return common.Failf(common.FailureDecode, "encode user %s: %w", user.Email, err)
	}
	resp, err := c.es.Create(
		c.UsersIndex(),
		userDocID(user.Email),
		bytes.NewReader(body),
		c.es.Create.WithContext(ctx),
	)
	if err != nil {
		return common.Failf(common.FailureTransient, "create user %s: %w", user.Email, err)
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusConflict {
		return auth.ErrUserExists
	}
	if resp.IsError() {
		return statusFailure("create user "+user.Email, resp)
	}
	return nil
}

// GetUserByEmail fetches one account document.
func (c *Client) GetUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	resp, err := c.es.Get(
		c.UsersIndex(),
		userDocID(email),
		c.es.Get.WithContext(ctx),
	)
	if err != nil {
		return nil, common.Failf(common.FailureTransient, "get user %s: %w", email, err)
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNotFound {
		return nil, common.Failf(common.FailureNotFound, "user %s not registered", email)
	}
	if resp.IsError() {
		return nil, statusFailure("get user "+email, resp)
	}
	var envelope struct {
		Source auth.User `json:"_source"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, common.Failf(common.FailureDecode, "decode user %s: %w", email, err)
	}
	return &envelope.Source, nil
}

// GetUserByPublicKey finds the account owning a wallet key. The deletion
// processor resolves deleter identities this way.
func (c *Client) GetUserByPublicKey(ctx context.Context, pubKeyHex string) (*auth.User, error) {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"publicKey": pubKeyHex},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, common.Failf(common.FailureDecode, "encode user query: %w", err)
	}
	resp, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.UsersIndex()),
		c.es.Search.WithBody(bytes.NewReader(body)),
		c.es.Search.WithSize(1),
	)
	if err != nil {
		return nil, common.Failf(common.FailureTransient, "search users: %w", err)
	}
	defer drain(resp)
	if resp.IsError() {
		return nil, statusFailure("search users", resp)
	}
	var envelope struct {
		Hits struct {
			Hits []struct {
				Source auth.User `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, common.Failf(common.FailureDecode, "decode user search: %w", err)
	}
	if len(envelope.Hits.Hits) == 0 {
		return nil, common.Failf(common.FailureNotFound, "no user holds key %s", pubKeyHex)
	}
	return &envelope.Hits.Hits[0].Source, nil
}

// UpdateUser overwrites an account document in place.
func (c *Client) UpdateUser(ctx context.Context, user *auth.User) error {
	body, err := json.Marshal(user)
	if err != nil {
		return common.Failf(common.FailureDecode, "encode user %s: %w", user.Email, err)
	}
	resp, err := c.es.Index(
		c.UsersIndex(),
		bytes.NewReader(body),
		c.es.Index.WithContext(ctx),
		c.es.Index.WithDocumentID(userDocID(user.Email)),
	)
	if err != nil {
		return common.Failf(common.FailureTransient, "update user %s: %w", user.Email, err)
	}
	defer drain(resp)
	if resp.IsError() {
		return statusFailure("update user "+user.Email, resp)
	}
	return nil
}
