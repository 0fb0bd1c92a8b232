// Package catalog consumes the commerce backend's product API. The catalog
// is the authoritative product store; this service only reads it.
package catalog

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/visualai/lenslike/internal/domain"
)

// ClientConfig holds settings for the commerce backend client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Client is an HTTP client for the commerce backend's product endpoints.
type Client struct {
	http *resty.Client
}

// NewClient creates a catalog client for the given backend base URL.
func NewClient(cfg *ClientConfig) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &Client{http: client}
}

// ListProducts fetches the full product listing.
func (c *Client) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var products []domain.Product
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&products).
		Get("/api/products")
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("catalog returned status %d listing products", resp.StatusCode())
	}
	return products, nil
}

// GetProduct fetches a single product by ID. Returns (nil, nil) when the
// product no longer exists, so callers can treat deletions as "fewer
// results" rather than failures.
func (c *Client) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	var product domain.Product
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&product).
		Get(fmt.Sprintf("/api/products/%d", id))
	if err != nil {
		return nil, fmt.Errorf("failed to get product %d: %w", id, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("catalog returned status %d for product %d", resp.StatusCode(), id)
	}
	return &product, nil
}
