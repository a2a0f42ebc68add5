// Package api is the HTTP front end for the engine: sequence submission,
// polling, cancellation and a server-sent event stream of engine
// notifications.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/duplex/internal/engine"
	"github.com/samcharles93/duplex/internal/logger"
)

// Engine is the surface the server needs from the inference core.
type Engine interface {
	Submit(ctx context.Context, prompt []int, maxOutput int) (string, error)
	Poll(seqID string) (engine.Snapshot, error)
	Cancel(ctx context.Context, seqID string) error
	Status() engine.Status
}

type Server struct {
	engine Engine
	hub    *Hub
	log    logger.Logger
	clock  func() time.Time
}

func NewServer(eng Engine, hub *Hub, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		engine: eng,
		hub:    hub,
		log:    log.WithGroup("api"),
		clock:  time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/sequences", s.handleSubmit)
	e.GET("/v1/sequences/:id", s.handlePoll)
	e.DELETE("/v1/sequences/:id", s.handleCancel)
	e.GET("/v1/status", s.handleStatus)
	e.GET("/v1/events", s.handleEvents)
}

func (s *Server) handleSubmit(c *echo.Context) error {
	req, err := decodeJSON[SubmitRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Prompt) == 0 {
		return writeBadRequest(c, "prompt is required and must not be empty")
	}
	if req.MaxOutputTokens < 1 {
		return writeBadRequest(c, "max_output_tokens must be >= 1")
	}

	id, err := s.engine.Submit(c.Request().Context(), req.Prompt, req.MaxOutputTokens)
	if err != nil {
		return writeEngineError(c, err)
	}

	snap, err := s.engine.Poll(id)
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{
		SequenceID: id,
		State:      snap.State,
		CreatedAt:  s.clock().Unix(),
	})
}

func (s *Server) handlePoll(c *echo.Context) error {
	snap, err := s.engine.Poll(c.Param("id"))
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCancel(c *echo.Context) error {
	id := c.Param("id")
	if err := s.engine.Cancel(c.Request().Context(), id); err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, CancelResponse{
		SequenceID: id,
		Cancelled:  true,
	})
}

func (s *Server) handleStatus(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Status())
}

// handleEvents streams engine notifications as server-sent events until the
// client disconnects or the engine stops.
func (s *Server) handleEvents(c *echo.Context) error {
	if s.hub == nil {
		return writeError(c, http.StatusNotImplemented, "server_error", "event stream not configured", "")
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return writeBadRequest(c, "streaming unsupported")
	}
	flusher.Flush()

	sub, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if err := sendSSEEvent(res, ev); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

func writeEngineError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, engine.ErrUnknownSequence):
		return writeNotFound(c, "sequence not found")
	case errors.Is(err, engine.ErrCapacityExceeded):
		return writeError(c, http.StatusTooManyRequests, "capacity_exceeded", err.Error(), "")
	case errors.Is(err, engine.ErrHalted):
		return writeError(c, http.StatusServiceUnavailable, "engine_halted", err.Error(), "")
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
}
