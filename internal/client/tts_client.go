package client

import (
	"context"
	"errors"
	"strings"

	"github.com/makeavideo/api/internal/config"
	"github.com/makeavideo/api/internal/model"
)

// TTSClient handles communication with the narration service
type TTSClient struct {
	jsonService
}

// SynthesizeRequest is the request for speech synthesis
type SynthesizeRequest struct {
	SceneID  string `json:"scene_id"`
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// SynthesizeResponse is the response from speech synthesis
type SynthesizeResponse struct {
	Status   string  `json:"status"`
	Path     string  `json:"path"`
	URL      string  `json:"url,omitempty"`
	Duration float64 `json:"duration"`
	Error    string  `json:"error,omitempty"`
}

// NewTTSClient creates a new narration service client
func NewTTSClient(cfg *config.ServiceConfig) *TTSClient {
	return &TTSClient{jsonService: newJSONService("TTS", strings.TrimRight(cfg.URL, "/"), cfg.Timeout)}
}

// RenderAudio synthesizes narration for a scene
func (c *TTSClient) RenderAudio(ctx context.Context, scene model.Scene) (*model.AudioResult, error) {
	req := SynthesizeRequest{SceneID: scene.ID, Text: scene.NarrationText}

	var resp SynthesizeResponse
	if err := c.post(ctx, "synthesize", "/synthesize", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &GenerationError{Service: "TTS", Op: "synthesize", Err: errors.New(resp.Error)}
	}
	if resp.Status == "" {
		resp.Status = "success"
	}

	return &model.AudioResult{
		Path:     resp.Path,
		URL:      resp.URL,
		Duration: resp.Duration,
		Status:   resp.Status,
	}, nil
}

// HealthCheck checks if the narration service is available
func (c *TTSClient) HealthCheck(ctx context.Context) error {
	return c.healthCheck(ctx)
}
