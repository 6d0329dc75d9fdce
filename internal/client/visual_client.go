package client

import (
	"context"
	"errors"
	"strings"

	"github.com/makeavideo/api/internal/config"
	"github.com/makeavideo/api/internal/model"
)

// VisualClient renders one visual type through the visual service
type VisualClient struct {
	jsonService
	visualType model.VisualType
}

// RenderVisualRequest is the request for a visual render
type RenderVisualRequest struct {
	JobID      string `json:"job_id"`
	SceneID    string `json:"scene_id"`
	VisualType string `json:"visual_type"`
	Prompt     string `json:"prompt"`
	Narration  string `json:"narration,omitempty"`
}

// RenderVisualResponse is the response from a visual render
type RenderVisualResponse struct {
	Status string `json:"status"`
	Path   string `json:"path"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewVisualClient creates a client bound to the /render/<type> endpoint
func NewVisualClient(cfg *config.ServiceConfig, vt model.VisualType) *VisualClient {
	return &VisualClient{
		jsonService: newJSONService("Visual", strings.TrimRight(cfg.URL, "/"), cfg.Timeout),
		visualType:  vt,
	}
}

// NewVisualClients returns one client per visual type
func NewVisualClients(cfg *config.ServiceConfig) map[model.VisualType]*VisualClient {
	clients := make(map[model.VisualType]*VisualClient, len(model.ValidVisualTypes))
	for _, vt := range model.ValidVisualTypes {
		clients[vt] = NewVisualClient(cfg, vt)
	}
	return clients
}

// RenderVisual renders the scene's visual
func (c *VisualClient) RenderVisual(ctx context.Context, scene model.Scene, jobID string) (*model.VisualResult, error) {
	req := RenderVisualRequest{
		JobID:      jobID,
		SceneID:    scene.ID,
		VisualType: string(c.visualType),
		Prompt:     scene.VisualPrompt,
		Narration:  scene.NarrationText,
	}

	var resp RenderVisualResponse
	if err := c.post(ctx, "render", "/render/"+string(c.visualType), req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &GenerationError{Service: "Visual", Op: "render", Err: errors.New(resp.Error)}
	}
	if resp.Status == "" {
		resp.Status = "success"
	}

	return &model.VisualResult{
		Path:       resp.Path,
		URL:        resp.URL,
		Status:     resp.Status,
		VisualType: c.visualType,
	}, nil
}
