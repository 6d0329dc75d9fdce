package orchestrator

import (
	"context"

	"github.com/makeavideo/api/internal/model"
)

// ScriptDecomposer splits a document into ordered scenes.
type ScriptDecomposer interface {
	Decompose(ctx context.Context, doc model.Document) ([]model.Scene, error)
}

// AudioRenderer produces narration audio for a scene. Re-invoking it for
// the same scene must be safe.
type AudioRenderer interface {
	RenderAudio(ctx context.Context, scene model.Scene) (*model.AudioResult, error)
}

// VisualRenderer produces the visual asset for a scene.
type VisualRenderer interface {
	RenderVisual(ctx context.Context, scene model.Scene, jobID string) (*model.VisualResult, error)
}

// ArtifactUploader publishes a rendered artifact and returns its URL.
type ArtifactUploader interface {
	UploadArtifact(ctx context.Context, key, localPath string) (string, error)
}

// CompletionPublisher hands a finished job to the composition stage.
type CompletionPublisher interface {
	PublishCompletion(ctx context.Context, jobID string) error
}

// VisualRouter maps every visual type to a renderer. Types without a
// dedicated renderer go to the fallback.
type VisualRouter struct {
	routes   map[model.VisualType]VisualRenderer
	fallback VisualRenderer
}

// NewVisualRouter builds a router. fallback must not be nil.
func NewVisualRouter(fallback VisualRenderer, routes map[model.VisualType]VisualRenderer) *VisualRouter {
	r := &VisualRouter{routes: make(map[model.VisualType]VisualRenderer, len(model.ValidVisualTypes)), fallback: fallback}
	for _, vt := range model.ValidVisualTypes {
		if impl, ok := routes[vt]; ok && impl != nil {
			r.routes[vt] = impl
		} else {
			r.routes[vt] = fallback
		}
	}
	return r
}

// Route returns the renderer for vt.
func (r *VisualRouter) Route(vt model.VisualType) VisualRenderer {
	if impl, ok := r.routes[vt]; ok {
		return impl
	}
	return r.fallback
}

// RenderVisual dispatches to the routed renderer.
func (r *VisualRouter) RenderVisual(ctx context.Context, scene model.Scene, jobID string) (*model.VisualResult, error) {
	return r.Route(scene.VisualType).RenderVisual(ctx, scene, jobID)
}
