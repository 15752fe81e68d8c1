// Package api serves the HTTP inference API.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lanternml/lantern/internal/inference"
	"github.com/lanternml/lantern/internal/logger"
	"github.com/lanternml/lantern/internal/tensor"
)

// CompletionRequest is the body of POST /v1/completions. Prompts are token
// ids; tokenization lives outside this service. image_features carries the
// pre-encoded vision tower outputs, one vector per image sentinel token in
// the prompt.
type CompletionRequest struct {
	Prompt        []int       `json:"prompt"`
	ImageFeatures [][]float32 `json:"image_features,omitempty"`
	Validity      []float32   `json:"validity,omitempty"`

	MaxTokens     int     `json:"max_tokens,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	TopK          int     `json:"top_k,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	Seed          int64   `json:"seed,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	Stop          []int   `json:"stop,omitempty"`

	Stream bool `json:"stream,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type CompletionResponse struct {
	ID      string  `json:"id"`
	Object  string  `json:"object"`
	Created int64   `json:"created"`
	Model   string  `json:"model"`
	Tokens  []int   `json:"tokens"`
	Usage   Usage   `json:"usage"`
	TPS     float64 `json:"tokens_per_second,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Server exposes one engine over HTTP.
type Server struct {
	engine  *inference.Engine
	modelID string
	log     logger.Logger
}

func NewServer(engine *inference.Engine, modelID string, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	if modelID == "" {
		modelID = "lantern"
	}
	return &Server{engine: engine, modelID: modelID, log: log}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/model", s.handleModel)
	e.POST("/v1/completions", s.handleCompletion)
	e.GET("/metrics", func(c *echo.Context) error {
		promhttp.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModel(c *echo.Context) error {
	cfg := s.engine.Model().Config()
	return c.JSON(http.StatusOK, map[string]any{
		"id":             s.modelID,
		"object":         "model",
		"model_type":     cfg.ModelType,
		"hidden_size":    cfg.Text.HiddenSize,
		"num_layers":     cfg.Text.NumHiddenLayers,
		"vocab_size":     cfg.Text.VocabSize,
		"attention":      cfg.Text.AttnType,
		"routed_experts": cfg.Text.NRoutedExperts,
		"image_token_id": cfg.ImageTokenID,
	})
}

func (s *Server) handleCompletion(c *echo.Context) error {
	endpoint := "/v1/completions"

	var req CompletionRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		totalRequests.WithLabelValues(endpoint, "bad_request").Inc()
		return writeBadRequest(c, fmt.Sprintf("decode request: %v", err))
	}
	if len(req.Prompt) == 0 {
		totalRequests.WithLabelValues(endpoint, "bad_request").Inc()
		return writeBadRequest(c, "prompt is required and must not be empty")
	}

	features, err := featureMat(req.ImageFeatures)
	if err != nil {
		totalRequests.WithLabelValues(endpoint, "bad_request").Inc()
		return writeBadRequest(c, err.Error())
	}

	infReq := &inference.Request{
		Prompt:        req.Prompt,
		ImageFeatures: features,
		Validity:      req.Validity,
		MaxTokens:     req.MaxTokens,
		Seed:          req.Seed,
		Temperature:   req.Temperature,
		TopK:          req.TopK,
		TopP:          req.TopP,
		RepeatPenalty: req.RepeatPenalty,
		StopTokens:    req.Stop,
	}

	id := "cmpl-" + uuid.NewString()
	created := time.Now().Unix()
	start := time.Now()

	if req.Stream {
		return s.streamCompletion(c, endpoint, id, created, infReq, start)
	}

	result, err := s.engine.Generate(c.Request().Context(), infReq, nil)
	if err != nil {
		totalRequests.WithLabelValues(endpoint, "error").Inc()
		return writeServerError(c, err)
	}
	totalRequests.WithLabelValues(endpoint, "ok").Inc()
	recordCompletion(time.Since(start).Seconds(), result.Stats.PromptTokens, result.Stats.TokensGenerated)

	return c.JSON(http.StatusOK, CompletionResponse{
		ID:      id,
		Object:  "completion",
		Created: created,
		Model:   s.modelID,
		Tokens:  result.Tokens,
		Usage: Usage{
			PromptTokens:     result.Stats.PromptTokens,
			CompletionTokens: result.Stats.TokensGenerated,
			TotalTokens:      result.Stats.PromptTokens + result.Stats.TokensGenerated,
		},
		TPS: result.Stats.TPS,
	})
}

type streamEvent struct {
	Token *int                `json:"token,omitempty"`
	Done  bool                `json:"done,omitempty"`
	Final *CompletionResponse `json:"final,omitempty"`
	Error string              `json:"error,omitempty"`
}

// streamCompletion writes one SSE data event per sampled token, then a
// final event carrying the full response.
func (s *Server) streamCompletion(c *echo.Context, endpoint, id string, created int64, infReq *inference.Request, start time.Time) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.WriteHeader(http.StatusOK)

	flush := func() {}
	if f, ok := any(res).(interface{ Flush() }); ok {
		flush = f.Flush
	}

	send := func(ev streamEvent) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(res, "data: %s\n\n", payload); err != nil {
			return err
		}
		flush()
		return nil
	}

	result, err := s.engine.Generate(c.Request().Context(), infReq, func(tok int) {
		t := tok
		_ = send(streamEvent{Token: &t})
	})
	if err != nil {
		totalRequests.WithLabelValues(endpoint, "error").Inc()
		return send(streamEvent{Done: true, Error: err.Error()})
	}
	totalRequests.WithLabelValues(endpoint, "ok").Inc()
	recordCompletion(time.Since(start).Seconds(), result.Stats.PromptTokens, result.Stats.TokensGenerated)

	return send(streamEvent{Done: true, Final: &CompletionResponse{
		ID:      id,
		Object:  "completion",
		Created: created,
		Model:   s.modelID,
		Tokens:  result.Tokens,
		Usage: Usage{
			PromptTokens:     result.Stats.PromptTokens,
			CompletionTokens: result.Stats.TokensGenerated,
			TotalTokens:      result.Stats.PromptTokens + result.Stats.TokensGenerated,
		},
		TPS: result.Stats.TPS,
	}})
}

func featureMat(rows [][]float32) (*tensor.Mat, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	width := len(rows[0])
	if width == 0 {
		return nil, fmt.Errorf("image_features rows must not be empty")
	}
	m := tensor.NewMat(len(rows), width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("image_features row %d has width %d, want %d", i, len(row), width)
		}
		copy(m.Row(i), row)
	}
	return m, nil
}

func writeBadRequest(c *echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]any{
		"error": apiError{Message: msg, Type: "invalid_request_error"},
	})
}

func writeServerError(c *echo.Context, err error) error {
	return c.JSON(http.StatusInternalServerError, map[string]any{
		"error": apiError{Message: err.Error(), Type: "server_error"},
	})
}
