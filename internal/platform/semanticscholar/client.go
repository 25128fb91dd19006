package semanticscholar

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

	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/httpx"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

// TLDR is the machine-generated short summary attached to some papers.
type TLDR struct {
	Text string `json:"text"`
}

// Paper is the metadata subset requested from the batch lookup endpoint.
// Year is zero when the API reports none.
type Paper struct {
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
	Year     int    `json:"year"`
	TLDR     *TLDR  `json:"tldr"`
}

// TLDRText returns the short summary text, or "" when the paper has none.
func (p *Paper) TLDRText() string {
	if p == nil || p.TLDR == nil {
		return ""
	}
	return p.TLDR.Text
}

// Client looks up paper metadata in the Semantic Scholar Academic Graph.
type Client interface {
	// FetchPapersByPMID resolves PubMed IDs through the batch endpoint.
	// Papers the API does not know are dropped, so the result may be
	// shorter than the input.
	FetchPapersByPMID(ctx context.Context, pmids []int64) ([]Paper, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
}

// NewClient builds a client from SEMANTIC_SCHOLAR_* environment variables.
// The API works without a key at a lower rate limit, so the client is
// always constructible.
func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("semanticscholar: logger required")
	}

	timeoutSec := envutil.Int("SEMANTIC_SCHOLAR_TIMEOUT_SECONDS", 15)

	return &client{
		log:        log.With("service", "SemanticScholar"),
		baseURL:    strings.TrimRight(envutil.String("SEMANTIC_SCHOLAR_BASE_URL", "https://api.semanticscholar.org/graph/v1"), "/"),
		apiKey:     strings.TrimSpace(os.Getenv("SEMANTIC_SCHOLAR_API_KEY")),
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: envutil.Int("SEMANTIC_SCHOLAR_MAX_RETRIES", 2),
	}, nil
}

type batchRequest struct {
	IDs []string `json:"ids"`
}

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("semanticscholar http %d: %s", e.StatusCode, e.Body)
}

func (e *httpError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *client) FetchPapersByPMID(ctx context.Context, pmids []int64) ([]Paper, error) {
	if len(pmids) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pmids))
	for _, pmid := range pmids {
		ids = append(ids, "PMID:"+strconv.FormatInt(pmid, 10))
	}

	raw, err := c.post(ctx, "/paper/batch?fields=title,abstract,tldr,year", batchRequest{IDs: ids})
	if err != nil {
		return nil, err
	}

	// The batch endpoint answers with one entry per requested ID and
	// null for unknown papers.
	var entries []*Paper
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("semanticscholar decode: %w", err)
	}

	out := make([]Paper, 0, len(entries))
	for _, entry := range entries {
		if entry != nil {
			out = append(out, *entry)
		}
	}
	return out, nil
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
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

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
		return resp, raw, &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *client) post(ctx context.Context, path string, body any) ([]byte, error) {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, path, body)
		if err == nil {
			return raw, nil
		}

		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			return nil, err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("Semantic Scholar request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		time.Sleep(sleepFor)
		backoff *= 2
	}

	return nil, fmt.Errorf("unreachable retry loop")
}
