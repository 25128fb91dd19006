package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lumenbio/biograph-backend/internal/platform/httpx"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// Message roles accepted by the generateContent API.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Message is one turn of a conversation.
type Message struct {
	Role string
	Text string
}

// FunctionDeclaration describes a callable tool offered to the model.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// FunctionCall is a tool invocation the model asked for.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type Client interface {
	// Model reports the generation model this client targets.
	Model() string

	// GenerateText runs a single-turn completion and returns the full text.
	GenerateText(ctx context.Context, system string, user string) (string, error)

	// GenerateChat runs a multi-turn completion over the given messages.
	GenerateChat(ctx context.Context, system string, messages []Message) (string, error)

	// GenerateWithTools forces the model to pick one of the declared
	// functions. It returns the first function call plus any text parts.
	GenerateWithTools(ctx context.Context, system string, user string, tools []FunctionDeclaration) (*FunctionCall, string, error)

	// StreamText streams a single-turn completion, invoking onDelta with
	// each chunk's text as it arrives. The return value is the
	// concatenation of all chunks.
	StreamText(ctx context.Context, system string, user string, onDelta func(delta string)) (string, error)

	// StreamChat streams a multi-turn completion.
	StreamChat(ctx context.Context, system string, messages []Message, onDelta func(delta string)) (string, error)
}

// WithModel returns a client that targets the given model but shares the
// base client's configuration. A nil base or empty model is returned as-is.
func WithModel(base Client, model string) Client {
	model = strings.TrimSpace(model)
	if base == nil || model == "" {
		return base
	}
	if c, ok := base.(*client); ok {
		return c.cloneWithModel(model)
	}
	return base
}

// WithGeneration returns a client using the given sampling settings. A
// negative temperature or non-positive topP/maxOutputTokens leaves the
// base setting in place. Non-HTTP implementations pass through unchanged.
func WithGeneration(base Client, temperature, topP float64, maxOutputTokens int) Client {
	c, ok := base.(*client)
	if !ok || c == nil {
		return base
	}
	clone := *c
	if temperature >= 0 {
		t := temperature
		clone.temperature = &t
	}
	if topP > 0 {
		p := topP
		clone.topP = &p
	}
	if maxOutputTokens > 0 {
		clone.maxOutputTokens = maxOutputTokens
	}
	return &clone
}

type client struct {
	log          *logger.Logger
	baseURL      string
	apiKey       string
	model        string
	httpClient   *http.Client
	streamClient *http.Client

	maxRetries      int
	temperature     *float64
	topP            *float64
	maxOutputTokens int
}

// NewClient builds a client from GEMINI_* environment variables. A missing
// GEMINI_API_KEY is not an error: language features degrade per request, so
// the client comes back nil and callers are expected to check.
func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	apiKey := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		log.Warn("GEMINI_API_KEY not set; language model features disabled")
		return nil, nil
	}

	baseURL := strings.TrimSpace(os.Getenv("GEMINI_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(os.Getenv("GEMINI_MODEL"))
	if model == "" {
		model = "gemini-3-flash-preview"
	}

	timeoutSec := 60
	if v := os.Getenv("GEMINI_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	streamTimeoutSec := 300
	if v := os.Getenv("GEMINI_STREAM_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			streamTimeoutSec = parsed
		}
	}

	maxRetries := 2
	if v := os.Getenv("GEMINI_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}

	var tempPtr *float64
	if v := strings.TrimSpace(os.Getenv("GEMINI_TEMPERATURE")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			tempPtr = &f
		}
	}

	maxOutputTokens := 0
	if v := os.Getenv("GEMINI_MAX_OUTPUT_TOKENS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			maxOutputTokens = parsed
		}
	}

	return &client{
		log:             log.With("service", "GeminiClient"),
		baseURL:         baseURL,
		apiKey:          apiKey,
		model:           model,
		httpClient:      &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		streamClient:    &http.Client{Timeout: time.Duration(streamTimeoutSec) * time.Second},
		maxRetries:      maxRetries,
		temperature:     tempPtr,
		maxOutputTokens: maxOutputTokens,
	}, nil
}

func (c *client) cloneWithModel(model string) *client {
	if c == nil || strings.TrimSpace(model) == "" {
		return c
	}
	clone := *c
	clone.model = strings.TrimSpace(model)
	return &clone
}

func (c *client) Model() string {
	return c.model
}

// -------------------- Wire types --------------------

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text         string        `json:"text,omitempty"`
	FunctionCall *FunctionCall `json:"functionCall,omitempty"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type toolDecl struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

type functionCallingConfig struct {
	Mode string `json:"mode,omitempty"`
}

type toolConfig struct {
	FunctionCallingConfig *functionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []toolDecl        `json:"tools,omitempty"`
	ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
			Role  string `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// text concatenates the text parts of the first candidate.
func (r *generateResponse) text() string {
	if r == nil || len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// functionCall returns the first function call of the first candidate.
func (r *generateResponse) functionCall() *FunctionCall {
	if r == nil || len(r.Candidates) == 0 {
		return nil
	}
	for _, p := range r.Candidates[0].Content.Parts {
		if p.FunctionCall != nil && p.FunctionCall.Name != "" {
			return p.FunctionCall
		}
	}
	return nil
}

type geminiHTTPError struct {
	StatusCode int
	Body       string
}

func (e *geminiHTTPError) Error() string {
	return fmt.Sprintf("gemini http %d: %s", e.StatusCode, e.Body)
}

func (e *geminiHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// -------------------- Request plumbing --------------------

func (c *client) newRequest(system string, messages []Message, tools []FunctionDeclaration) *generateRequest {
	req := &generateRequest{}

	if s := strings.TrimSpace(system); s != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: s}}}
	}

	for _, m := range messages {
		role := strings.TrimSpace(m.Role)
		if role == "" {
			role = RoleUser
		}
		req.Contents = append(req.Contents, content{Role: role, Parts: []part{{Text: m.Text}}})
	}

	if c.temperature != nil || c.topP != nil || c.maxOutputTokens > 0 {
		req.GenerationConfig = &generationConfig{
			Temperature:     c.temperature,
			TopP:            c.topP,
			MaxOutputTokens: c.maxOutputTokens,
		}
	}

	if len(tools) > 0 {
		req.Tools = []toolDecl{{FunctionDeclarations: tools}}
		// The model must answer with one of the declared functions.
		req.ToolConfig = &toolConfig{FunctionCallingConfig: &functionCallingConfig{Mode: "ANY"}}
	}

	return req
}

func (c *client) doOnce(ctx context.Context, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &geminiHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *client) do(ctx context.Context, path string, body any, out *generateResponse) error {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("gemini decode error: %w; raw=%s", uErr, string(raw))
			}
			return nil
		}

		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			return err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("Gemini request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		time.Sleep(sleepFor)
		backoff *= 2
	}

	return fmt.Errorf("unreachable retry loop")
}

// -------------------- Generation --------------------

func (c *client) GenerateText(ctx context.Context, system string, user string) (string, error) {
	return c.GenerateChat(ctx, system, []Message{{Role: RoleUser, Text: user}})
}

func (c *client) GenerateChat(ctx context.Context, system string, messages []Message) (string, error) {
	req := c.newRequest(system, messages, nil)

	var resp generateResponse
	if err := c.do(ctx, "/models/"+c.model+":generateContent", req, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("gemini error %d %s: %s", resp.Error.Code, resp.Error.Status, resp.Error.Message)
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("gemini prompt blocked: %s", resp.PromptFeedback.BlockReason)
		}
		return "", fmt.Errorf("gemini returned no candidates")
	}
	return resp.text(), nil
}

func (c *client) GenerateWithTools(ctx context.Context, system string, user string, tools []FunctionDeclaration) (*FunctionCall, string, error) {
	req := c.newRequest(system, []Message{{Role: RoleUser, Text: user}}, tools)

	var resp generateResponse
	if err := c.do(ctx, "/models/"+c.model+":generateContent", req, &resp); err != nil {
		return nil, "", err
	}
	if resp.Error != nil {
		return nil, "", fmt.Errorf("gemini error %d %s: %s", resp.Error.Code, resp.Error.Status, resp.Error.Message)
	}
	return resp.functionCall(), resp.text(), nil
}
