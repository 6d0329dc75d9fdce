package client

import (
	"context"
	"strings"

	"github.com/makeavideo/api/internal/config"
	"github.com/makeavideo/api/internal/worker"
)

// ComposerClient handles communication with the video composition service
type ComposerClient struct {
	jsonService
}

// NewComposerClient creates a new composition service client
func NewComposerClient(cfg *config.ServiceConfig) *ComposerClient {
	return &ComposerClient{jsonService: newJSONService("Composer", strings.TrimRight(cfg.URL, "/"), cfg.Timeout)}
}

// Compose assembles the rendered segments into one video
func (c *ComposerClient) Compose(ctx context.Context, req *worker.ComposeRequest) (*worker.ComposeResult, error) {
	var resp worker.ComposeResult
	if err := c.post(ctx, "compose", "/compose", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
