package edit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/raine/roomedit/internal/apperr"
	"github.com/raine/roomedit/internal/download"
	"github.com/raine/roomedit/internal/storage"
)

const (
	// SuccessText is the text of the assistant turn of a completed edit.
	SuccessText = "Image edited successfully"

	// ResultContentType is the content type of stored edit results.
	ResultContentType = "image/jpeg"

	// AnonymousOwner owns blobs of edits submitted without a caller identity.
	AnonymousOwner = "anonymous"

	compensationTimeout = 10 * time.Second
)

// EditRequest asks for an edit of a room's current image.
type EditRequest struct {
	RoomID          string
	Instruction     string
	CurrentImageRef string
	// Owner namespaces the result blob. Defaults to AnonymousOwner.
	Owner string
}

func (r EditRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.RoomID) == "" {
		missing = append(missing, "roomId")
	}
	if strings.TrimSpace(r.Instruction) == "" {
		missing = append(missing, "instruction")
	}
	if strings.TrimSpace(r.CurrentImageRef) == "" {
		missing = append(missing, "currentImageRef")
	}
	if len(missing) > 0 {
		return apperr.New(apperr.KindInvalidInput, "missing required fields: "+strings.Join(missing, ", "))
	}
	return nil
}

// EditResult is the outcome of a completed edit.
type EditResult struct {
	ImageRef      string           `json:"newImageRef"`
	UserTurn      storage.EditTurn `json:"userTurn"`
	AssistantTurn storage.EditTurn `json:"assistantTurn"`
}

// Orchestrator runs the edit pipeline. Edits of one room are serialized
// through a RoomQueue, so sequence numbers are read and written by a single
// goroutine per room.
type Orchestrator struct {
	store    storage.Store
	provider Provider
	poller   *Poller
	queue    *RoomQueue
	fetcher  Fetcher
	now      func() time.Time
}

func NewOrchestrator(store storage.Store, provider Provider, poller *Poller, queue *RoomQueue) *Orchestrator {
	return &Orchestrator{
		store:    store,
		provider: provider,
		poller:   poller,
		queue:    queue,
		fetcher:  download.NewImageDownloader(),
		now:      time.Now,
	}
}

// WithFetcher sets the downloader used for results returned as URLs.
func (o *Orchestrator) WithFetcher(f Fetcher) *Orchestrator {
	o.fetcher = f
	return o
}

// WithClock sets the clock used for blob names.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// SubmitEdit applies req.Instruction to the room's image and makes the result
// the room's current image. It blocks until the provider job finishes, the
// poll ceiling is reached or ctx is cancelled.
//
// Once the user turn is written every outcome completes the pair: success
// writes the assistant turn with the new image, failure writes a failed
// assistant turn pointing at the unchanged input image.
func (o *Orchestrator) SubmitEdit(ctx context.Context, req EditRequest) (*EditResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Owner == "" {
		req.Owner = AnonymousOwner
	}

	var result *EditResult
	err := o.queue.Do(ctx, req.RoomID, func(ctx context.Context) error {
		var err error
		result, err = o.runEdit(ctx, req)
		return err
	})
	if err != nil {
		var appErr *apperr.Error
		switch {
		case errors.As(err, &appErr):
			return nil, err
		case errors.Is(err, ErrQueueStopped):
			return nil, apperr.Wrap(apperr.KindCanceled, err, "edit service is shutting down")
		case ctx.Err() != nil:
			return nil, apperr.Wrap(apperr.KindCanceled, err, "edit canceled")
		}
		return nil, err
	}
	return result, nil
}

// runEdit is executed on the room's worker.
func (o *Orchestrator) runEdit(ctx context.Context, req EditRequest) (*EditResult, error) {
	logger := log.With().Str("roomId", req.RoomID).Logger()

	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindCanceled, err, "edit canceled")
	}

	room, err := o.store.GetRoom(ctx, req.RoomID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "failed to load room")
	}
	if room == nil {
		return nil, apperr.New(apperr.KindInvalidInput, fmt.Sprintf("room %s not found", req.RoomID))
	}

	last, err := o.store.LastTurn(ctx, req.RoomID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "failed to read edit history")
	}
	var seq int64
	if last != nil {
		seq = last.Sequence + 1
		if last.Role == storage.RoleUser {
			// A previous edit of this room never got its answer
			if err := o.store.InsertTurn(ctx, FailedTurn(last, orphanReason)); err != nil {
				return nil, apperr.Wrap(apperr.KindStorageFailure, err, "failed to close interrupted edit")
			}
			logger.Warn().Int64("sequence", last.Sequence).Msg("closed interrupted edit")
			seq++
		}
	}

	userTurn := &storage.EditTurn{
		RoomID:   req.RoomID,
		Role:     storage.RoleUser,
		Text:     req.Instruction,
		ImageRef: req.CurrentImageRef,
		Sequence: seq,
	}
	if err := o.store.InsertTurn(ctx, userTurn); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "failed to record edit request")
	}
	logger = logger.With().Int64("sequence", seq).Logger()
	logger.Info().Str("instruction", req.Instruction).Msg("edit requested")

	imageRef, err := o.produceImage(ctx, req, logger)
	if err != nil {
		o.completeWithFailure(ctx, userTurn, err, logger)
		return nil, err
	}

	assistantTurn := &storage.EditTurn{
		RoomID:   req.RoomID,
		Role:     storage.RoleAssistant,
		Text:     SuccessText,
		ImageRef: imageRef,
		Sequence: seq + 1,
		Status:   storage.TurnSucceeded,
	}
	if err := o.store.CompleteEdit(ctx, assistantTurn, imageRef); err != nil {
		appErr := apperr.Wrap(apperr.KindStorageFailure, err, "failed to record edit result")
		o.completeWithFailure(ctx, userTurn, appErr, logger)
		return nil, appErr
	}

	logger.Info().Str("imageRef", imageRef).Msg("edit completed")
	return &EditResult{
		ImageRef:      imageRef,
		UserTurn:      *userTurn,
		AssistantTurn: *assistantTurn,
	}, nil
}

// produceImage runs the provider job and stores its result, returning the
// new image reference.
func (o *Orchestrator) produceImage(ctx context.Context, req EditRequest, logger zerolog.Logger) (string, error) {
	jobID, err := o.provider.Submit(ctx, req.Instruction, req.CurrentImageRef)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperr.Wrap(apperr.KindCanceled, ctx.Err(), "edit canceled")
		}
		return "", apperr.Wrap(apperr.KindProviderUnavailable, err, "failed to submit edit job")
	}
	logger.Info().Str("jobId", jobID).Msg("edit job submitted")

	payload, err := o.poller.Poll(ctx, jobID)
	if err != nil {
		return "", err
	}

	data, err := o.resultBytes(ctx, payload)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s/%s/%d-edited.jpg", req.Owner, req.RoomID, o.now().UnixMilli())
	ref, err := o.store.PutBlob(ctx, name, data, ResultContentType)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorageFailure, err, "failed to store edited image")
	}
	return ref, nil
}

func (o *Orchestrator) resultBytes(ctx context.Context, payload string) ([]byte, error) {
	if isRemotePayload(payload) {
		if o.fetcher == nil {
			return nil, apperr.New(apperr.KindProviderFailed, "result is a URL but no downloader is configured")
		}
		data, err := o.fetcher.Fetch(ctx, payload)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindProviderFailed, err, "failed to download edited image")
		}
		return data, nil
	}

	data, err := Decode(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProviderFailed, err, "provider returned an invalid image payload")
	}
	return data, nil
}

// completeWithFailure writes a failed assistant turn after userTurn. It runs
// even when ctx is already cancelled.
func (o *Orchestrator) completeWithFailure(ctx context.Context, userTurn *storage.EditTurn, cause error, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	turn := FailedTurn(userTurn, apperr.Message(cause))
	if err := o.store.InsertTurn(ctx, turn); err != nil {
		// The reconciler picks up pairs left open here
		logger.Error().Err(err).Msg("failed to record edit failure")
		return
	}
	logger.Warn().Err(cause).Str("kind", string(apperr.KindOf(cause))).Msg("edit failed")
}

// FailedTurn builds the assistant turn that closes userTurn without a new
// image.
func FailedTurn(userTurn *storage.EditTurn, reason string) *storage.EditTurn {
	return &storage.EditTurn{
		RoomID:   userTurn.RoomID,
		Role:     storage.RoleAssistant,
		Text:     "Edit failed: " + reason,
		ImageRef: userTurn.ImageRef,
		Sequence: userTurn.Sequence + 1,
		Status:   storage.TurnFailed,
	}
}
