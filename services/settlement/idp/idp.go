// Package idp verifies end-user bearer tokens against the identity provider.
package idp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	cache "github.com/patrickmn/go-cache"
	uuid "github.com/satori/go.uuid"

	"github.com/marketforge/payments-service/libs/clients"
	"github.com/marketforge/payments-service/services/settlement/model"
)

const (
	// ErrUnauthorized - the token did not resolve to a user.
	ErrUnauthorized model.Error = "idp: unauthorized"

	verifyPath = "/auth/v1/user"

	// Verified tokens are cached briefly so bursts of calls from the same
	// client do not hammer the identity provider.
	cacheTTL     = 60 * time.Second
	cacheCleanup = 5 * time.Minute
)

// User is the verified identity behind a bearer token.
type User struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
}

// Client verifies bearer tokens via the identity provider.
type Client struct {
	client *clients.SimpleHTTPClient
	cache  *cache.Cache
}

// New returns a new instrumented identity provider client.
func New(serverURL string) (*Client, error) {
	simple, err := clients.NewInstrumented("idp", serverURL, "")
	if err != nil {
		return nil, err
	}

	return &Client{
		client: simple,
		cache:  cache.New(cacheTTL, cacheCleanup),
	}, nil
}

// NewWithHTTPClient returns an identity provider client on a custom
// http.Client, only used by tests.
func NewWithHTTPClient(serverURL string, httpClient *http.Client) (*Client, error) {
	simple, err := clients.NewWithHTTPClient(serverURL, "", httpClient)
	if err != nil {
		return nil, err
	}

	return &Client{
		client: simple,
		cache:  cache.New(cacheTTL, cacheCleanup),
	}, nil
}

// Verify resolves a bearer token to the user it belongs to. Any upstream
// failure is reported as ErrUnauthorized, callers never learn more than that
// the token did not verify.
func (c *Client) Verify(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	key := cacheKey(token)

	if cached, ok := c.cache.Get(key); ok {
		u := cached.(User)
		return &u, nil
	}

	req, err := c.client.NewRequest(ctx, http.MethodGet, verifyPath, nil, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("authorization", "Bearer "+token)

	var user User
	if _, err := c.client.Do(ctx, req, &user); err != nil {
		return nil, ErrUnauthorized
	}

	if uuid.Equal(user.ID, uuid.Nil) {
		return nil, ErrUnauthorized
	}

	c.cache.SetDefault(key, user)

	return &user, nil
}

// cacheKey hashes the token so raw credentials never sit in the cache.
func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
