package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pavelanni/tryout/internal/model"
	"github.com/pavelanni/tryout/internal/tryout"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestClient(rt roundTripperFunc, cfg Config) *Client {
	if cfg.PackageURL == "" {
		cfg.PackageURL = "https://ingest.test/packages"
	}
	if cfg.QuestionsURL == "" {
		cfg.QuestionsURL = "https://ingest.test/questions"
	}
	cfg.Backoff = time.Millisecond
	return NewClient(cfg, &http.Client{Transport: rt})
}

func testPackage() (model.Package, []model.Question) {
	pkg := model.Package{
		ID:              "pkg",
		Title:           "UTBK 1",
		DurationMinutes: 90,
		Price:           decimal.RequireFromString("25.50"),
		Sections:        []model.Section{{Name: "Verbal", Position: 1}, {Name: "Math", Position: 2}},
	}
	opts := []model.Option{{Key: "A", Text: "a"}, {Key: "B", Text: "b"}}
	var questions []model.Question
	for i := 1; i <= 5; i++ {
		questions = append(questions, model.Question{
			ID: fmt.Sprintf("q%d", i), PackageID: "pkg", Section: "Verbal", Position: i,
			Content: "question", Options: opts, CorrectOption: "A", Points: 1,
		})
	}
	return pkg, questions
}

func TestCreatePackage(t *testing.T) {
	var got CreatePackageRequest
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodPost || r.URL.Path != "/packages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		if r.Header.Get(SecretHeader) != "s3cret" {
			t.Errorf("expected secret header, got %q", r.Header.Get(SecretHeader))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return jsonResponse(http.StatusCreated, `{"package_id": "remote-1"}`), nil
	}, Config{Secret: "s3cret"})

	pkg, _ := testPackage()
	resp, err := client.CreatePackage(context.Background(), PackageRequest(pkg))
	if err != nil {
		t.Fatalf("CreatePackage: %v", err)
	}
	if resp.PackageID != "remote-1" {
		t.Errorf("expected remote-1, got %q", resp.PackageID)
	}
	if got.Price != "25.5" || got.DurationMinutes != 90 || len(got.Sections) != 2 || got.Sections[1] != "Math" {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestCreatePackageErrors(t *testing.T) {
	tests := []struct {
		name string
		rt   roundTripperFunc
		want error
	}{
		{
			name: "network failure",
			rt: func(*http.Request) (*http.Response, error) {
				return nil, errors.New("connection refused")
			},
			want: tryout.ErrTransport,
		},
		{
			name: "server error",
			rt: func(*http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusBadGateway, `upstream down`), nil
			},
			want: tryout.ErrTransport,
		},
		{
			name: "rate limited",
			rt: func(*http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusTooManyRequests, ``), nil
			},
			want: tryout.ErrTransport,
		},
		{
			name: "rejected payload",
			rt: func(*http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusUnprocessableEntity, `{"error": "bad title"}`), nil
			},
			want: tryout.ErrValidation,
		},
		{
			name: "malformed response",
			rt: func(*http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusOK, `{`), nil
			},
			want: tryout.ErrTransport,
		},
		{
			name: "response without id",
			rt: func(*http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusOK, `{}`), nil
			},
			want: tryout.ErrTransport,
		},
	}

	pkg, _ := testPackage()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(tt.rt, Config{})
			_, err := client.CreatePackage(context.Background(), PackageRequest(pkg))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRequestValidation(t *testing.T) {
	called := false
	client := newTestClient(func(*http.Request) (*http.Response, error) {
		called = true
		return jsonResponse(http.StatusOK, `{}`), nil
	}, Config{})
	ctx := context.Background()

	if _, err := client.CreatePackage(ctx, CreatePackageRequest{Price: "1"}); !errors.Is(err, tryout.ErrValidation) {
		t.Errorf("missing title: expected ErrValidation, got %v", err)
	}
	if _, err := client.CreatePackage(ctx, CreatePackageRequest{Title: "T", Price: "abc", Sections: []string{"S"}}); !errors.Is(err, tryout.ErrValidation) {
		t.Errorf("bad price: expected ErrValidation, got %v", err)
	}
	_, err := client.UploadQuestions(ctx, UploadQuestionsRequest{
		PackageID: "remote",
		Questions: []QuestionPayload{{Section: "S", Content: "q", CorrectOption: "A", Options: []OptionPayload{{Key: "A"}}}},
	})
	if !errors.Is(err, tryout.ErrValidation) {
		t.Errorf("single option: expected ErrValidation, got %v", err)
	}
	if called {
		t.Error("invalid requests must not reach the transport")
	}
}

func TestUploadQuestionsCountMismatch(t *testing.T) {
	client := newTestClient(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"question_ids": ["r1"]}`), nil
	}, Config{})
	_, questions := testPackage()
	_, err := client.UploadQuestions(context.Background(), UploadQuestionsRequest{
		PackageID: "remote",
		Questions: QuestionPayloads(questions[:2]),
	})
	if !errors.Is(err, tryout.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := Retry(ctx, 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: flaky", tryout.ErrTransport)
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("expected success on third call, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = Retry(ctx, 5, time.Millisecond, func(context.Context) error {
		calls++
		return fmt.Errorf("%w: bad", tryout.ErrValidation)
	})
	if !errors.Is(err, tryout.ErrValidation) || calls != 1 {
		t.Errorf("validation errors must not be retried: err=%v calls=%d", err, calls)
	}

	calls = 0
	err = Retry(ctx, 2, time.Millisecond, func(context.Context) error {
		calls++
		return fmt.Errorf("%w: down", tryout.ErrTransport)
	})
	if !errors.Is(err, tryout.ErrTransport) || calls != 2 {
		t.Errorf("expected 2 bounded attempts, got err=%v calls=%d", err, calls)
	}
}

func TestPublish(t *testing.T) {
	var (
		mu       sync.Mutex
		batches  [][]string
		failures atomic.Int32
	)
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		switch r.URL.Path {
		case "/packages":
			return jsonResponse(http.StatusCreated, `{"package_id": "remote-pkg"}`), nil
		case "/questions":
			// First upload attempt fails to exercise the retry path.
			if failures.Add(1) == 1 {
				return jsonResponse(http.StatusServiceUnavailable, ``), nil
			}
			var req UploadQuestionsRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				return nil, err
			}
			if req.PackageID != "remote-pkg" {
				t.Errorf("expected remote package id, got %q", req.PackageID)
			}
			ids := make([]string, len(req.Questions))
			var contents []string
			for i, q := range req.Questions {
				ids[i] = fmt.Sprintf("r-%s-%d", q.Content, i)
				contents = append(contents, q.Content)
			}
			mu.Lock()
			batches = append(batches, contents)
			mu.Unlock()
			body, _ := json.Marshal(UploadQuestionsResponse{QuestionIDs: ids})
			return jsonResponse(http.StatusOK, string(body)), nil
		}
		return jsonResponse(http.StatusNotFound, ``), nil
	}, Config{ChunkSize: 2, Concurrency: 2})

	pkg, questions := testPackage()
	for i := range questions {
		questions[i].Content = questions[i].ID
	}
	pub, err := client.Publish(context.Background(), pkg, questions)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if pub.PackageID != "remote-pkg" {
		t.Errorf("expected remote-pkg, got %q", pub.PackageID)
	}
	if len(batches) != 3 {
		t.Errorf("expected 3 chunks, got %d", len(batches))
	}
	if len(pub.QuestionIDs) != 5 {
		t.Fatalf("expected 5 mapped questions, got %d", len(pub.QuestionIDs))
	}
	for _, q := range questions {
		if !strings.HasPrefix(pub.QuestionIDs[q.ID], "r-"+q.ID+"-") {
			t.Errorf("question %s mapped to %q", q.ID, pub.QuestionIDs[q.ID])
		}
	}
}

func TestPublishRetriesReuseIdempotencyKey(t *testing.T) {
	var (
		mu         sync.Mutex
		createKeys []string
		uploadKeys = make(map[string]bool)
	)
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		key := r.Header.Get(IdempotencyKeyHeader)
		mu.Lock()
		defer mu.Unlock()
		switch r.URL.Path {
		case "/packages":
			createKeys = append(createKeys, key)
			// The first response is lost after the provider created the package.
			if len(createKeys) == 1 {
				return jsonResponse(http.StatusBadGateway, ``), nil
			}
			return jsonResponse(http.StatusCreated, `{"package_id": "remote-pkg"}`), nil
		case "/questions":
			uploadKeys[key] = true
			var req UploadQuestionsRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				return nil, err
			}
			ids := make([]string, len(req.Questions))
			for i := range ids {
				ids[i] = fmt.Sprintf("r%d", i)
			}
			body, _ := json.Marshal(UploadQuestionsResponse{QuestionIDs: ids})
			return jsonResponse(http.StatusOK, string(body)), nil
		}
		return jsonResponse(http.StatusNotFound, ``), nil
	}, Config{ChunkSize: 2})

	pkg, questions := testPackage()
	if _, err := client.Publish(context.Background(), pkg, questions); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(createKeys) != 2 {
		t.Fatalf("expected 2 create attempts, got %d", len(createKeys))
	}
	if createKeys[0] == "" || createKeys[0] != createKeys[1] {
		t.Errorf("retry must repeat the idempotency key, got %q", createKeys)
	}
	if len(uploadKeys) != 3 {
		t.Errorf("expected a distinct key per chunk, got %v", uploadKeys)
	}
	if uploadKeys[createKeys[0]] || uploadKeys[""] {
		t.Errorf("chunk keys must be set and differ from the package key: %v", uploadKeys)
	}

	// A second publication is a new delivery with its own key.
	first := createKeys[0]
	if _, err := client.Publish(context.Background(), pkg, questions); err != nil {
		t.Fatalf("Publish again: %v", err)
	}
	if got := createKeys[len(createKeys)-1]; got == first {
		t.Errorf("second publication reused key %q", got)
	}
}

func TestPublishStopsOnRejectedChunk(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path == "/packages" {
			return jsonResponse(http.StatusCreated, `{"package_id": "remote-pkg"}`), nil
		}
		return jsonResponse(http.StatusBadRequest, `duplicate`), nil
	}, Config{ChunkSize: 2})

	pkg, questions := testPackage()
	if _, err := client.Publish(context.Background(), pkg, questions); !errors.Is(err, tryout.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestChunk(t *testing.T) {
	tests := []struct {
		n, size int
		want    []span
	}{
		{0, 3, nil},
		{3, 3, []span{{0, 3}}},
		{7, 3, []span{{0, 3}, {3, 6}, {6, 7}}},
	}
	for _, tt := range tests {
		got := chunk(tt.n, tt.size)
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("chunk(%d, %d) = %v, want %v", tt.n, tt.size, got, tt.want)
		}
	}
}
