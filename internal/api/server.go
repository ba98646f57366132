// Package api exposes the edit and scrape operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/raine/roomedit/internal/apperr"
	"github.com/raine/roomedit/internal/edit"
	"github.com/raine/roomedit/internal/listing"
	"github.com/raine/roomedit/internal/storage"
)

// DefaultRoomTitle is used for rooms created without a title.
const DefaultRoomTitle = "Untitled Room"

// Editor applies edits to room images.
type Editor interface {
	SubmitEdit(ctx context.Context, req edit.EditRequest) (*edit.EditResult, error)
}

// ListingScraper scrapes listing pages.
type ListingScraper interface {
	ScrapeListing(ctx context.Context, listingURL string) (*listing.Record, error)
}

type Options struct {
	Editor  Editor
	Scraper ListingScraper
	Store   storage.Store
	// Tokens maps caller identity to bcrypt token hash. Empty disables auth.
	Tokens map[string]string
	// BaseContext is the parent of every request context. Cancelling it
	// aborts in-flight edits and scrapes.
	BaseContext context.Context
}

type Server struct {
	app     *fiber.App
	editor  Editor
	scraper ListingScraper
	store   storage.Store
	auth    *TokenVerifier
	baseCtx context.Context
	newID   func() string
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type editRequest struct {
	RoomID          string `json:"roomId"`
	Instruction     string `json:"instruction"`
	CurrentImageRef string `json:"currentImageRef"`
}

type scrapeRequest struct {
	URL string `json:"url"`
}

type createRoomRequest struct {
	Title      string `json:"title"`
	ImageRef   string `json:"imageRef"`
	PostingURL string `json:"postingUrl"`
}

func New(opts Options) *Server {
	baseCtx := opts.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	s := &Server{
		editor:  opts.Editor,
		scraper: opts.Scraper,
		store:   opts.Store,
		auth:    NewTokenVerifier(opts.Tokens),
		baseCtx: baseCtx,
		newID:   uuid.NewString,
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		UnescapePath:          true,
		ErrorHandler:          s.handleError,
		BodyLimit:             1 << 20,
	})

	s.app.Use(s.logRequests)
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(map[string]string{"status": "ok"})
	})
	s.app.Get("/blobs/*", s.handleGetBlob)

	s.app.Use(s.requireAuth)
	s.app.Post("/edit", s.handleEdit)
	s.app.Post("/scrape", s.handleScrape)
	s.app.Post("/rooms", s.handleCreateRoom)
	s.app.Get("/rooms/:id", s.handleGetRoom)
	s.app.Get("/rooms/:id/edits", s.handleListEdits)

	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	log.Info().Str("addr", addr).Bool("auth", s.auth.Enabled()).Msg("starting http server")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	c.SetUserContext(s.baseCtx)
	start := time.Now()
	err := c.Next()
	if err != nil {
		// run the error handler now so the logged status is the final one
		if herr := s.handleError(c, err); herr != nil {
			return herr
		}
	}

	status := c.Response().StatusCode()
	var event *zerolog.Event
	switch {
	case status >= 500:
		event = log.Warn()
	case c.Path() == "/health":
		event = log.Trace()
	default:
		event = log.Debug()
	}
	event.
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Msg("http request")
	return nil
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status := apperr.HTTPStatus(err)
	resp := errorResponse{Error: apperr.Message(err), Kind: string(apperr.KindOf(err))}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
		resp.Error = fe.Message
		resp.Kind = kindForStatus(fe.Code)
	}

	if status >= fiber.StatusInternalServerError && status != fiber.StatusGatewayTimeout {
		log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.Status(status).JSON(resp)
}

func kindForStatus(code int) string {
	switch code {
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	case fiber.StatusRequestEntityTooLarge, fiber.StatusBadRequest, fiber.StatusUnprocessableEntity:
		return string(apperr.KindInvalidInput)
	default:
		return string(apperr.KindInternal)
	}
}

func decodeBody(c *fiber.Ctx, v any) error {
	if err := json.Unmarshal(c.Body(), v); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, err, "invalid request body")
	}
	return nil
}

func (s *Server) handleEdit(c *fiber.Ctx) error {
	var req editRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}

	result, err := s.editor.SubmitEdit(c.UserContext(), edit.EditRequest{
		RoomID:          req.RoomID,
		Instruction:     req.Instruction,
		CurrentImageRef: req.CurrentImageRef,
		Owner:           identity(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(result)
}

func (s *Server) handleScrape(c *fiber.Ctx) error {
	var req scrapeRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}

	rec, err := s.scraper.ScrapeListing(c.UserContext(), req.URL)
	if err != nil {
		return err
	}
	return c.JSON(rec)
}

// handleCreateRoom creates a room. Without an imageRef the room is seeded
// from the first picture of the listing at postingUrl.
func (s *Server) handleCreateRoom(c *fiber.Ctx) error {
	var req createRoomRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	req.Title = strings.TrimSpace(req.Title)
	req.ImageRef = strings.TrimSpace(req.ImageRef)
	req.PostingURL = strings.TrimSpace(req.PostingURL)

	if req.ImageRef == "" {
		if req.PostingURL == "" {
			return apperr.New(apperr.KindInvalidInput, "imageRef or postingUrl is required")
		}
		rec, err := s.scraper.ScrapeListing(c.UserContext(), req.PostingURL)
		if err != nil {
			return err
		}
		if len(rec.Pictures) == 0 {
			return apperr.New(apperr.KindScrapeNoData, "listing has no pictures")
		}
		req.ImageRef = rec.Pictures[0].URL
		if req.Title == "" {
			req.Title = rec.Title
		}
	}
	if req.Title == "" {
		req.Title = DefaultRoomTitle
	}

	room := &storage.Room{
		ID:              s.newID(),
		Title:           req.Title,
		PostingURL:      req.PostingURL,
		CurrentImageRef: req.ImageRef,
	}
	if err := s.store.CreateRoom(c.UserContext(), room); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "failed to create room")
	}
	log.Info().Str("roomId", room.ID).Str("identity", identity(c)).Msg("room created")
	return c.Status(fiber.StatusCreated).JSON(room)
}

func (s *Server) loadRoom(c *fiber.Ctx) (*storage.Room, error) {
	room, err := s.store.GetRoom(c.UserContext(), c.Params("id"))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "failed to load room")
	}
	if room == nil {
		return nil, fiber.NewError(fiber.StatusNotFound, "room not found")
	}
	return room, nil
}

func (s *Server) handleGetRoom(c *fiber.Ctx) error {
	room, err := s.loadRoom(c)
	if err != nil {
		return err
	}
	return c.JSON(room)
}

func (s *Server) handleListEdits(c *fiber.Ctx) error {
	room, err := s.loadRoom(c)
	if err != nil {
		return err
	}
	turns, err := s.store.ListTurns(c.UserContext(), room.ID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "failed to list edits")
	}
	if turns == nil {
		turns = []storage.EditTurn{}
	}
	return c.JSON(fiber.Map{"roomId": room.ID, "edits": turns})
}

func (s *Server) handleGetBlob(c *fiber.Ctx) error {
	name := c.Params("*")
	if name == "" {
		return fiber.NewError(fiber.StatusNotFound, "blob not found")
	}
	blob, err := s.store.GetBlob(c.UserContext(), name)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "failed to load blob")
	}
	if blob == nil {
		return fiber.NewError(fiber.StatusNotFound, "blob not found")
	}
	c.Set(fiber.HeaderContentType, blob.ContentType)
	c.Set(fiber.HeaderCacheControl, "public, max-age=31536000, immutable")
	return c.Send(blob.Data)
}
