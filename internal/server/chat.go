package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zorxido-ai/zorxido/internal/chat"
	"github.com/zorxido-ai/zorxido/internal/store"
)

var chatTracer = otel.Tracer("zorxido/internal/server/chat")

// streamBuffer bounds how far generation may run ahead of a slow client.
const streamBuffer = 32

// Responder is the engine surface the chat endpoints call into.
type Responder interface {
	Respond(ctx context.Context, userID, message string, scope []string) (chat.Response, error)
	StreamRespond(ctx context.Context, userID, message string, scope []string, s *chat.Stream)
}

// ArtifactRefiner regenerates stored artifacts.
type ArtifactRefiner interface {
	Refine(ctx context.Context, req chat.RefineRequest) (chat.RefineResult, error)
}

// RuleGenerator derives a reusable correction rule from a text pair.
type RuleGenerator interface {
	GenerateRule(ctx context.Context, original, corrected string) string
}

// HistoryRecaller supplies the recent-conversation block for refinement.
type HistoryRecaller interface {
	Recall(ctx context.Context, userID string, scope []string) (chat.Recalled, error)
}

// ChatStore is the persistence surface the chat endpoints need directly.
type ChatStore interface {
	SaveCorrection(ctx context.Context, c store.Correction) (string, error)
	GetPassage(ctx context.Context, id string) (store.Passage, error)
	GetParentContexts(ctx context.Context, ids []string) ([]store.ParentContext, error)
	HasBookAccess(ctx context.Context, userID, bookID string) (bool, error)
}

// ChatHandler serves the routed question-answering endpoints.
type ChatHandler struct {
	engine      Responder
	refiner     ArtifactRefiner
	corrections RuleGenerator
	memory      HistoryRecaller
	store       ChatStore
	logger      *log.Logger
}

func NewChatHandler(engine Responder, refiner ArtifactRefiner, corrections RuleGenerator, memory HistoryRecaller, st ChatStore, logger *log.Logger) *ChatHandler {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	return &ChatHandler{engine: engine, refiner: refiner, corrections: corrections, memory: memory, store: st, logger: logger}
}

func (h *ChatHandler) Register(g *echo.Group) {
	g.POST("/chat", h.respond)
	g.POST("/chat/stream", h.stream)
	g.POST("/chat/corrections", h.saveCorrection)
	g.GET("/chat/passages/:id", h.passage)
	g.POST("/chat/artifacts/refine", h.refineArtifact)
}

// Respond
//
//	@Summary		Chat
//	@Description	Routes a question over the user's books and returns one complete answer
//	@Tags			chat
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		ChatRequest	true	"Chat payload"
//	@Success		200		{object}	ChatResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/chat [post]
func (h *ChatHandler) respond(c echo.Context) error {
	ctx, span := chatTracer.Start(c.Request().Context(), "ChatHandler.respond")
	defer span.End()
	userID, _ := c.Get("user_id").(string)

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message required")
	}
	span.SetAttributes(attribute.Int("scope_books", len(req.Scope)))

	resp, err := h.engine.Respond(ctx, userID, req.Message, req.Scope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, chat.ErrNoBooks) {
			return echo.NewHTTPError(http.StatusBadRequest, "no books available, upload a book first")
		}
		h.logger.Printf("[HTTP] chat respond failed for user %s: %v", userID, err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to generate response")
	}
	span.SetAttributes(attribute.String("strategy", string(resp.Path)))
	return c.JSON(http.StatusOK, ChatResponse{
		Response:          resp.Text,
		Strategy:          string(resp.Path),
		Sources:           resp.Sources,
		CitationMap:       resp.CitationMap,
		RetrievedPassages: resp.RetrievedPassages,
		Artifact:          resp.Artifact,
		TokensUsed:        resp.PromptTokens + resp.CompletionTokens,
	})
}

// Stream
//
//	@Summary		Chat stream
//	@Description	Streams thinking steps, tokens, and a terminal done/error frame as NDJSON
//	@Tags			chat
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Accept			json
//	@Produce		application/x-ndjson
//	@Param			payload	body		ChatRequest	true	"Chat payload"
//	@Success		200		{string}	string
//	@Failure		400		{object}	HTTPError
//	@Failure		503		{object}	HTTPError
//	@Router			/api/chat/stream [post]
func (h *ChatHandler) stream(c echo.Context) error {
	req := c.Request()
	ctx, span := chatTracer.Start(req.Context(), "ChatHandler.stream")
	defer span.End()
	c.SetRequest(req.WithContext(ctx))
	userID, _ := c.Get("user_id").(string)

	var body ChatRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(body.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message required")
	}
	span.SetAttributes(attribute.Int("scope_books", len(body.Scope)))

	resp := c.Response()
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		span.SetStatus(codes.Error, "streaming unsupported")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	s := chat.NewStream(streamBuffer)
	go h.engine.StreamRespond(ctx, userID, body.Message, body.Scope, s)

	enc := json.NewEncoder(resp)
	for ev := range s.Events() {
		if err := enc.Encode(ev); err != nil {
			// client went away; the request context cancels generation
			trace.SpanFromContext(ctx).RecordError(err)
			h.logger.Printf("[HTTP] chat stream write failed for user %s: %v", userID, err)
			return nil
		}
		flusher.Flush()
	}
	return nil
}

// SaveCorrection
//
//	@Summary		Save correction
//	@Description	Records a user correction and derives a reusable rule from it
//	@Tags			chat
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		CorrectionRequest	true	"Correction payload"
//	@Success		201		{object}	CorrectionResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/chat/corrections [post]
func (h *ChatHandler) saveCorrection(c echo.Context) error {
	ctx, span := chatTracer.Start(c.Request().Context(), "ChatHandler.saveCorrection")
	defer span.End()
	userID, _ := c.Get("user_id").(string)

	var req CorrectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.OriginalText) == "" || strings.TrimSpace(req.CorrectedText) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "original_text and corrected_text required")
	}

	rule := h.corrections.GenerateRule(ctx, req.OriginalText, req.CorrectedText)
	id, err := h.store.SaveCorrection(ctx, store.Correction{
		UserID:        userID,
		OriginalText:  req.OriginalText,
		CorrectedText: req.CorrectedText,
		Rule:          rule,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, CorrectionResponse{
		Message:      "Correction saved successfully",
		CorrectionID: id,
		Rule:         rule,
	})
}

// Passage
//
//	@Summary		Get passage
//	@Description	Returns a cited passage with its chapter and section location
//	@Tags			chat
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Produce		json
//	@Param			id	path		string	true	"Passage ID"
//	@Success		200	{object}	PassageResponse
//	@Failure		404	{object}	HTTPError
//	@Failure		500	{object}	HTTPError
//	@Router			/api/chat/passages/{id} [get]
func (h *ChatHandler) passage(c echo.Context) error {
	ctx, span := chatTracer.Start(c.Request().Context(), "ChatHandler.passage")
	defer span.End()
	userID, _ := c.Get("user_id").(string)
	id := c.Param("id")

	p, err := h.store.GetPassage(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "passage not found")
		}
		span.RecordError(err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	ok, err := h.store.HasBookAccess(ctx, userID, p.BookID)
	if err != nil {
		span.RecordError(err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "passage not found")
	}

	out := PassageResponse{
		ID:         p.ID,
		BookID:     p.BookID,
		CitationID: chat.CitationID(p.ID),
		Content:    p.Content,
	}
	if p.Page.Valid {
		out.Page = &p.Page.Int64
	}
	if p.Paragraph.Valid {
		out.Paragraph = &p.Paragraph.Int64
	}
	if p.ParentID.Valid {
		parents, err := h.store.GetParentContexts(ctx, []string{p.ParentID.String})
		if err != nil {
			h.logger.Printf("[HTTP] parent context lookup failed for passage %s: %v", id, err)
		} else if len(parents) > 0 {
			out.ChapterTitle = parents[0].ChapterTitle
			out.SectionTitle = parents[0].SectionTitle
		}
	}
	return c.JSON(http.StatusOK, out)
}

// RefineArtifact
//
//	@Summary		Refine artifact
//	@Description	Regenerates a stored artifact with a changed variable or rewrites one step
//	@Tags			chat
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		RefineArtifactRequest	true	"Refinement payload"
//	@Success		200		{object}	RefineArtifactResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		404		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/chat/artifacts/refine [post]
func (h *ChatHandler) refineArtifact(c echo.Context) error {
	ctx, span := chatTracer.Start(c.Request().Context(), "ChatHandler.refineArtifact")
	defer span.End()
	userID, _ := c.Get("user_id").(string)

	var req RefineArtifactRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.TurnID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "turn_id required")
	}
	switch req.RefinementType {
	case "variable":
		if req.VariableKey == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "variable_key required")
		}
	case "step":
		if req.StepID == "" || strings.TrimSpace(req.RefinementInstruction) == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "step_id and refinement_instruction required")
		}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "refinement_type must be \"variable\" or \"step\"")
	}
	span.SetAttributes(attribute.String("refinement_type", req.RefinementType))

	var history string
	if rec, err := h.memory.Recall(ctx, userID, nil); err == nil {
		history = rec.History
	}

	res, err := h.refiner.Refine(ctx, chat.RefineRequest{
		UserID:        userID,
		TurnID:        req.TurnID,
		Type:          req.RefinementType,
		VariableKey:   req.VariableKey,
		VariableValue: req.VariableValue,
		StepID:        req.StepID,
		Instruction:   req.RefinementInstruction,
		History:       history,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return echo.NewHTTPError(http.StatusNotFound, "turn not found")
		case errors.Is(err, chat.ErrNoArtifact):
			return echo.NewHTTPError(http.StatusBadRequest, "turn does not contain an artifact")
		case errors.Is(err, chat.ErrStepNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "step not found in artifact")
		default:
			h.logger.Printf("[HTTP] artifact refinement failed for user %s: %v", userID, err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to refine artifact")
		}
	}

	message := "Artifact regenerated successfully"
	if req.RefinementType == "step" {
		message = "Step refined successfully"
	}
	return c.JSON(http.StatusOK, RefineArtifactResponse{
		Message:       message,
		Artifact:      res.Artifact,
		RefinedStepID: res.RefinedStepID,
		TokensUsed:    res.TokensUsed,
	})
}
