// Package llm provides an image-edit provider backed by Gemini image
// generation.
package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/dedent"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/raine/roomedit/internal/download"
	"github.com/raine/roomedit/internal/edit"
)

const (
	DefaultImageModel = "gemini-2.5-flash-image"

	// generateTimeout bounds a single generation running in the background
	generateTimeout = 3 * time.Minute

	// jobRetention is how long finished jobs stay queryable
	jobRetention = 15 * time.Minute
)

const editPrompt = `
	You are editing a photograph of a room for a real-estate listing.
	Apply the instruction below to the photo and keep everything the
	instruction does not mention exactly as it is. Respond with the edited
	image only.

	Instruction: %s
`

// Usage contains token usage information.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// ImageLoader downloads the input image of an edit.
type ImageLoader interface {
	Download(ctx context.Context, url string) (*download.Image, error)
}

// GenerateFunc performs one GenerateContent call.
type GenerateFunc func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

type geminiJob struct {
	status    edit.JobStatus
	createdAt time.Time
}

// GeminiImageEditor implements edit.Provider on top of the synchronous
// Gemini API by running each generation as a background job that Status
// reports on.
type GeminiImageEditor struct {
	generate GenerateFunc
	model    string
	images   ImageLoader

	mu   sync.Mutex
	jobs map[string]*geminiJob
	wg   sync.WaitGroup
}

var _ edit.Provider = (*GeminiImageEditor)(nil)

// NewGeminiImageEditor creates a Gemini-based editor.
func NewGeminiImageEditor(ctx context.Context, apiKey, model string) (*GeminiImageEditor, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if model == "" {
		model = DefaultImageModel
	}
	generate := func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return client.Models.GenerateContent(ctx, model, contents, config)
	}
	return newGeminiImageEditor(generate, model, download.NewImageDownloader()), nil
}

func newGeminiImageEditor(generate GenerateFunc, model string, images ImageLoader) *GeminiImageEditor {
	return &GeminiImageEditor{
		generate: generate,
		model:    model,
		images:   images,
		jobs:     make(map[string]*geminiJob),
	}
}

// Submit loads the input image and starts generation in the background.
func (g *GeminiImageEditor) Submit(ctx context.Context, instruction, imageRef string) (string, error) {
	img, err := g.loadImage(ctx, imageRef)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	g.mu.Lock()
	g.pruneLocked(time.Now())
	g.jobs[id] = &geminiJob{status: edit.JobStatus{State: edit.JobPending}, createdAt: time.Now()}
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		// Outlives the submit request; the poller observes the outcome
		genCtx, cancel := context.WithTimeout(context.Background(), generateTimeout)
		defer cancel()
		g.finish(id, g.run(genCtx, id, instruction, img))
	}()

	return id, nil
}

// Status reports the state of a job started by Submit.
func (g *GeminiImageEditor) Status(ctx context.Context, jobID string) (edit.JobStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	job, ok := g.jobs[jobID]
	if !ok {
		return edit.JobStatus{}, fmt.Errorf("unknown job %s", jobID)
	}
	return job.status, nil
}

// Wait blocks until all background generations have finished.
func (g *GeminiImageEditor) Wait() {
	g.wg.Wait()
}

func (g *GeminiImageEditor) finish(id string, status edit.JobStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if job, ok := g.jobs[id]; ok {
		job.status = status
	}
}

func (g *GeminiImageEditor) pruneLocked(now time.Time) {
	for id, job := range g.jobs {
		if job.status.State != edit.JobPending && now.Sub(job.createdAt) > jobRetention {
			delete(g.jobs, id)
		}
	}
}

func (g *GeminiImageEditor) run(ctx context.Context, id, instruction string, img *download.Image) edit.JobStatus {
	parts := []*genai.Part{
		genai.NewPartFromText(formatPrompt(instruction)),
		{InlineData: &genai.Blob{Data: img.Data, MIMEType: img.ContentType}},
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE"},
	}

	result, err := g.generate(ctx, contents, config)
	if err != nil {
		log.Warn().Err(err).Str("jobId", id).Msg("gemini image generation failed")
		return edit.JobStatus{State: edit.JobFailed, Reason: err.Error()}
	}

	blob := firstImage(result)
	if blob == nil {
		reason := "no image in response"
		if len(result.Candidates) > 0 && result.Candidates[0] != nil && result.Candidates[0].FinishReason != "" {
			reason = fmt.Sprintf("no image in response (finish reason %s)", result.Candidates[0].FinishReason)
		}
		return edit.JobStatus{State: edit.JobFailed, Reason: reason}
	}

	usage := Usage{}
	if result.UsageMetadata != nil {
		usage.InputTokens = int64(result.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(result.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int64(result.UsageMetadata.TotalTokenCount)
	}

	log.Info().
		Str("model", g.model).
		Str("jobId", id).
		Int64("inputTokens", usage.InputTokens).
		Int64("outputTokens", usage.OutputTokens).
		Msg("image edit llm call")

	mime := blob.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return edit.JobStatus{
		State:   edit.JobReady,
		Payload: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(blob.Data),
	}
}

// loadImage resolves imageRef to bytes. Data URLs are decoded in place.
func (g *GeminiImageEditor) loadImage(ctx context.Context, imageRef string) (*download.Image, error) {
	if strings.HasPrefix(imageRef, "data:") {
		data, err := edit.Decode(imageRef)
		if err != nil {
			return nil, err
		}
		mime := strings.TrimPrefix(strings.SplitN(imageRef, ";", 2)[0], "data:")
		return &download.Image{Data: data, ContentType: mime}, nil
	}

	img, err := g.images.Download(ctx, imageRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load input image: %w", err)
	}
	return img, nil
}

func firstImage(result *genai.GenerateContentResponse) *genai.Blob {
	if result == nil {
		return nil
	}
	for _, cand := range result.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData
			}
		}
	}
	return nil
}

func formatPrompt(instruction string) string {
	return fmt.Sprintf(strings.TrimSpace(dedent.Dedent(editPrompt)), instruction)
}
