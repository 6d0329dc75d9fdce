package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/makeavideo/api/internal/model"
	"github.com/makeavideo/api/internal/worker"
)

// wordsPerSecond approximates narration speed for mock durations.
const wordsPerSecond = 2.5

// Mock implementations for development/testing. They produce URLs only,
// so nothing is uploaded.

// MockTTS fakes the narration service.
type MockTTS struct{}

func (MockTTS) RenderAudio(ctx context.Context, scene model.Scene) (*model.AudioResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := len(strings.Fields(scene.NarrationText))
	return &model.AudioResult{
		URL:      fmt.Sprintf("mock://audio/%s.mp3", scene.ID),
		Duration: float64(words) / wordsPerSecond,
		Status:   "mock",
	}, nil
}

// MockVisual fakes the visual service for every visual type.
type MockVisual struct{}

func (MockVisual) RenderVisual(ctx context.Context, scene model.Scene, jobID string) (*model.VisualResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &model.VisualResult{
		URL:        fmt.Sprintf("mock://visual/%s/%s.png", jobID, scene.ID),
		Status:     "mock",
		VisualType: scene.VisualType,
	}, nil
}

// MockComposer fakes the composition service.
type MockComposer struct{}

func (MockComposer) Compose(ctx context.Context, req *worker.ComposeRequest) (*worker.ComposeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var total float64
	for _, seg := range req.Segments {
		total += seg.Duration
	}
	return &worker.ComposeResult{
		VideoURL: fmt.Sprintf("mock://video/%s.mp4", req.JobID),
		Duration: total,
	}, nil
}
