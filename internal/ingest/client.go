// Package ingest publishes packages and questions to the external webhook
// ingestion service.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/tryout/internal/model"
	"github.com/pavelanni/tryout/internal/tryout"
)

const (
	// SecretHeader carries the shared webhook secret.
	SecretHeader = "X-Webhook-Secret"
	// IdempotencyKeyHeader lets the provider drop repeated deliveries of a
	// request that already succeeded.
	IdempotencyKeyHeader = "Idempotency-Key"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultChunkSize   = 50
	defaultAttempts    = 3
	defaultConcurrency = 4
	defaultBackoff     = 500 * time.Millisecond
)

// Config holds the webhook endpoints and upload tuning.
type Config struct {
	PackageURL   string
	QuestionsURL string
	Secret       string
	Timeout      time.Duration
	ChunkSize    int
	Attempts     int
	Concurrency  int
	Backoff      time.Duration
}

// CreatePackageRequest is the payload of the package-creation webhook.
type CreatePackageRequest struct {
	Title           string   `json:"title" validate:"required"`
	Description     string   `json:"description"`
	DurationMinutes int      `json:"duration_minutes" validate:"gte=0"`
	Price           string   `json:"price" validate:"required,numeric"`
	Sections        []string `json:"sections" validate:"required,min=1,dive,required"`

	// IdempotencyKey is sent as a header. Retries of one request reuse it.
	IdempotencyKey string `json:"-"`
}

// CreatePackageResponse carries the provider-assigned package ID.
type CreatePackageResponse struct {
	PackageID string `json:"package_id" validate:"required"`
}

// OptionPayload is one answer option of an uploaded question.
type OptionPayload struct {
	Key    string   `json:"key" validate:"required"`
	Text   string   `json:"text"`
	Points *float64 `json:"points,omitempty" validate:"omitempty,gte=0"`
}

// QuestionPayload is one question of a bulk upload.
type QuestionPayload struct {
	Section       string          `json:"section" validate:"required"`
	Content       string          `json:"content" validate:"required"`
	Options       []OptionPayload `json:"options" validate:"required,min=2,dive"`
	CorrectOption string          `json:"correct_option" validate:"required"`
	Points        float64         `json:"points" validate:"gte=0"`
}

// UploadQuestionsRequest is the payload of the bulk question upload webhook.
type UploadQuestionsRequest struct {
	PackageID string            `json:"package_id" validate:"required"`
	Questions []QuestionPayload `json:"questions" validate:"required,min=1,dive"`

	IdempotencyKey string `json:"-"`
}

// UploadQuestionsResponse carries the provider-assigned question IDs in
// request order.
type UploadQuestionsResponse struct {
	QuestionIDs []string `json:"question_ids" validate:"required"`
}

// Client talks to the ingestion webhooks.
type Client struct {
	cfg      Config
	http     *http.Client
	validate *validator.Validate
}

// NewClient returns a client for cfg. A nil httpClient gets one with the
// configured timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:      cfg,
		http:     httpClient,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// PackageRequest builds the creation payload for pkg.
func PackageRequest(pkg model.Package) CreatePackageRequest {
	req := CreatePackageRequest{
		Title:           pkg.Title,
		Description:     pkg.Description,
		DurationMinutes: pkg.DurationMinutes,
		Price:           pkg.Price.String(),
	}
	for _, s := range pkg.Sections {
		req.Sections = append(req.Sections, s.Name)
	}
	return req
}

// QuestionPayloads converts questions into upload payloads, keeping order.
func QuestionPayloads(questions []model.Question) []QuestionPayload {
	out := make([]QuestionPayload, 0, len(questions))
	for _, q := range questions {
		p := QuestionPayload{
			Section:       q.Section,
			Content:       q.Content,
			CorrectOption: q.CorrectOption,
			Points:        q.Points,
		}
		for _, o := range q.Options {
			p.Options = append(p.Options, OptionPayload{Key: o.Key, Text: o.Text, Points: o.Points})
		}
		out = append(out, p)
	}
	return out
}

// CreatePackage registers a package with the ingestion service.
func (c *Client) CreatePackage(ctx context.Context, req CreatePackageRequest) (CreatePackageResponse, error) {
	var resp CreatePackageResponse
	if err := c.post(ctx, c.cfg.PackageURL, req.IdempotencyKey, req, &resp); err != nil {
		return CreatePackageResponse{}, fmt.Errorf("create package %q: %w", req.Title, err)
	}
	return resp, nil
}

// UploadQuestions sends one batch of questions for a package.
func (c *Client) UploadQuestions(ctx context.Context, req UploadQuestionsRequest) (UploadQuestionsResponse, error) {
	var resp UploadQuestionsResponse
	if err := c.post(ctx, c.cfg.QuestionsURL, req.IdempotencyKey, req, &resp); err != nil {
		return UploadQuestionsResponse{}, fmt.Errorf("upload questions for %s: %w", req.PackageID, err)
	}
	if len(resp.QuestionIDs) != len(req.Questions) {
		return UploadQuestionsResponse{}, fmt.Errorf("%w: upload questions for %s: got %d ids for %d questions",
			tryout.ErrTransport, req.PackageID, len(resp.QuestionIDs), len(req.Questions))
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, url, key string, in, out any) error {
	if url == "" {
		return fmt.Errorf("%w: webhook url not configured", tryout.ErrValidation)
	}
	if err := c.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", tryout.ErrValidation, err)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", tryout.ErrValidation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", tryout.ErrValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.Secret != "" {
		req.Header.Set(SecretHeader, c.cfg.Secret)
	}
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", tryout.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := tryout.ErrValidation
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
			kind = tryout.ErrTransport
		}
		return fmt.Errorf("%w: webhook returned %d: %s", kind, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", tryout.ErrTransport, err)
	}
	if err := c.validate.Struct(out); err != nil {
		return fmt.Errorf("%w: invalid response: %v", tryout.ErrTransport, err)
	}
	return nil
}

// Retry calls fn up to attempts times while it fails with a retryable error,
// doubling the wait between attempts.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; ; i++ {
		err = fn(ctx)
		if err == nil || !tryout.Retryable(err) || i >= attempts {
			return err
		}
		slog.Warn("retrying ingestion call", "attempt", i, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", tryout.ErrTransport, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
