package embedding

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// RemoteConfig holds configuration for the remote embedding provider.
type RemoteConfig struct {
	Endpoint   string
	Model      string
	APIKey     string
	Dimensions int
}

// RemoteEmbedder calls an HTTP embedding API (a CLIP-style multimodal
// endpoint) that accepts base64 image input and returns float vectors.
type RemoteEmbedder struct {
	client     *resty.Client
	endpoint   string
	model      string
	dimensions int
}

// NewRemoteEmbedder creates a remote embedder from cfg.
func NewRemoteEmbedder(cfg *RemoteConfig) *RemoteEmbedder {
	client := resty.New()
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	client.SetHeader("Content-Type", "application/json")

	return &RemoteEmbedder{
		client:     client,
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}
}

// Dimensions returns the configured vector dimension.
func (e *RemoteEmbedder) Dimensions() int {
	return e.dimensions
}

type embedImageInput struct {
	Image string `json:"image"`
}

type embedRequest struct {
	Model      string            `json:"model"`
	Dimensions int               `json:"dimensions,omitempty"`
	Input      []embedImageInput `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Detail string `json:"detail,omitempty"`
}

// EmbedImage posts the image as base64 and returns the raw (not yet
// normalized) embedding vector.
func (e *RemoteEmbedder) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	req := embedRequest{
		Model:      e.model,
		Dimensions: e.dimensions,
		Input:      []embedImageInput{{Image: base64.StdEncoding.EncodeToString(data)}},
	}

	var resp embedResponse
	httpResp, err := e.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(e.endpoint)
	if err != nil {
		// resty wraps context errors; keep them visible for the timeout check.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrModel, err)
	}

	if httpResp.StatusCode() != 200 {
		if resp.Detail != "" {
			return nil, fmt.Errorf("%w: %s", ErrModel, resp.Detail)
		}
		return nil, fmt.Errorf("%w: status %d", ErrModel, httpResp.StatusCode())
	}

	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: no embedding returned", ErrModel)
	}
	return resp.Data[0].Embedding, nil
}
