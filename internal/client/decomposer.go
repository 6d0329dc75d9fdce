package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/makeavideo/api/internal/model"
)

// maxScenes bounds how many scenes one document can produce.
const maxScenes = 24

// LLMDecomposer turns a document into narrated scenes using Groq AI
type LLMDecomposer struct {
	groqClient *GroqClient
}

// NewLLMDecomposer creates a decomposer. A nil or unconfigured client
// selects the offline paragraph splitter.
func NewLLMDecomposer(groqClient *GroqClient) *LLMDecomposer {
	return &LLMDecomposer{groqClient: groqClient}
}

type sceneDraft struct {
	Narration    string `json:"narration"`
	VisualType   string `json:"visualType"`
	VisualPrompt string `json:"visualPrompt"`
}

type scriptDraft struct {
	Scenes []sceneDraft `json:"scenes"`
}

// Decompose splits doc into ordered scenes
func (d *LLMDecomposer) Decompose(ctx context.Context, doc model.Document) ([]model.Scene, error) {
	// Use mock response if client is not configured
	if d.groqClient == nil || !d.groqClient.IsConfigured() {
		return decomposeMock(doc), nil
	}

	response, err := d.groqClient.ChatCompletion(ctx, d.buildSystemPrompt(doc.Language), d.buildUserPrompt(doc))
	if err != nil {
		return nil, fmt.Errorf("AI decomposition failed: %w", err)
	}

	scenes, err := parseScript(response)
	if err != nil {
		return nil, fmt.Errorf("failed to parse AI response: %w", err)
	}
	return scenes, nil
}

func (d *LLMDecomposer) buildSystemPrompt(language string) string {
	if language == "" {
		language = "English"
	}
	return fmt.Sprintf(`You are a video scriptwriter who turns written material into short narrated explainer videos.
Narration must be written in %s.
Always output your response as valid JSON in the exact format requested.
Do not include any text outside the JSON structure.`, language)
}

func (d *LLMDecomposer) buildUserPrompt(doc model.Document) string {
	return fmt.Sprintf(`Split the following document into at most %d scenes.
Each scene has one or two sentences of narration and one visual.
visualType must be one of: image, diagram, chart, code, slide.
visualPrompt describes what the visual shows.

Title: %s

Document:
%s

Output as JSON: {"scenes": [{"narration": "...", "visualType": "image", "visualPrompt": "..."}]}`,
		maxScenes, doc.Title, doc.Content)
}

func parseScript(response string) ([]model.Scene, error) {
	var draft scriptDraft
	if err := json.Unmarshal([]byte(extractJSON(response)), &draft); err != nil {
		return nil, err
	}

	scenes := make([]model.Scene, 0, len(draft.Scenes))
	for _, s := range draft.Scenes {
		narration := strings.TrimSpace(s.Narration)
		if narration == "" {
			continue
		}
		scenes = append(scenes, model.Scene{
			ID:            sceneID(len(scenes)),
			NarrationText: narration,
			VisualType:    model.ParseVisualType(s.VisualType),
			VisualPrompt:  strings.TrimSpace(s.VisualPrompt),
		})
		if len(scenes) == maxScenes {
			break
		}
	}
	return scenes, nil
}

func sceneID(i int) string {
	return fmt.Sprintf("scene_%02d", i+1)
}

// extractJSON attempts to extract JSON from a response that may contain extra text
func extractJSON(s string) string {
	// Find the first { and last }
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")

	if start != -1 && end != -1 && end > start {
		return s[start : end+1]
	}
	return s
}

// decomposeMock makes one scene per paragraph for development/testing
func decomposeMock(doc model.Document) []model.Scene {
	var scenes []model.Scene
	for _, para := range strings.Split(doc.Content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		scenes = append(scenes, model.Scene{
			ID:            sceneID(len(scenes)),
			NarrationText: para,
			VisualType:    guessVisualType(para),
			VisualPrompt:  firstSentence(para),
		})
		if len(scenes) == maxScenes {
			break
		}
	}
	return scenes
}

func guessVisualType(text string) model.VisualType {
	switch {
	case strings.Contains(text, "```") || strings.Contains(text, "func "):
		return model.VisualTypeCode
	case strings.ContainsRune(text, '%'):
		return model.VisualTypeChart
	case strings.Contains(text, "->") || strings.Contains(strings.ToLower(text), "step"):
		return model.VisualTypeDiagram
	default:
		return model.VisualTypeImage
	}
}

func firstSentence(text string) string {
	if i := strings.IndexAny(text, ".!?"); i > 0 {
		text = text[:i]
	}
	return strings.TrimRightFunc(text, unicode.IsSpace)
}
