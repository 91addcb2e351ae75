// Package aggregator wraps the bank-aggregation provider behind the audited
// backend client. Public tokens from the browser widget are exchanged
// server-side; access tokens never reach the frontend.
package aggregator

import (
	"context"
	"net/http"
	"strings"

	"fingate/pkg/backend"
)

type Client struct {
	Backend *backend.Client
}

func New(b *backend.Client) *Client {
	return &Client{Backend: b}
}

// LinkToken is the short-lived token the browser widget initializes with.
type LinkToken struct {
	LinkToken string `json:"link_token"`
	Expires   string `json:"expiration"`
	RequestID string `json:"request_id"`
}

// ExchangeResult confirms a completed link. The provider access token stays
// on the backend; only an opaque item reference comes back.
type ExchangeResult struct {
	ItemID      string `json:"item_id"`
	Institution string `json:"institution"`
	RequestID   string `json:"request_id"`
}

// CreateLinkToken requests a widget initialization token for the user.
func (c *Client) CreateLinkToken(ctx context.Context, userID string) (*LinkToken, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, &backend.ValidationError{Field: "user_id", Message: "user id required"}
	}
	res, err := c.Backend.Call(ctx, backend.CallSpec{
		Method:      http.MethodPost,
		Path:        "/bank/link-token",
		Body:        map[string]string{"user_id": userID},
		RequireEcho: true,
	})
	if err != nil {
		return nil, err
	}
	var out LinkToken
	if err := res.Decode(&out); err != nil {
		return nil, &backend.ValidationError{Field: "response", Message: err.Error()}
	}
	out.RequestID = res.RequestID
	return &out, nil
}

// ExchangePublicToken trades the widget's public token for a linked item.
func (c *Client) ExchangePublicToken(ctx context.Context, userID, publicToken string) (*ExchangeResult, error) {
	userID = strings.TrimSpace(userID)
	publicToken = strings.TrimSpace(publicToken)
	if userID == "" {
		return nil, &backend.ValidationError{Field: "user_id", Message: "user id required"}
	}
	if publicToken == "" {
		return nil, &backend.ValidationError{Field: "public_token", Message: "public token required"}
	}
	res, err := c.Backend.Call(ctx, backend.CallSpec{
		Method:      http.MethodPost,
		Path:        "/bank/exchange",
		Body:        map[string]string{"user_id": userID, "public_token": publicToken},
		RequireEcho: true,
	})
	if err != nil {
		return nil, err
	}
	var out ExchangeResult
	if err := res.Decode(&out); err != nil {
		return nil, &backend.ValidationError{Field: "response", Message: err.Error()}
	}
	out.RequestID = res.RequestID
	return &out, nil
}
