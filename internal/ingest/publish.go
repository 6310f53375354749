package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/tryout/internal/model"
)

// Publication maps local identifiers to the ones assigned by the provider.
type Publication struct {
	PackageID string `json:"package_id"`
	// QuestionIDs maps local question IDs to remote ones.
	QuestionIDs map[string]string `json:"question_ids"`
}

// Publish creates pkg remotely and uploads its questions in chunks. Chunks
// are sent concurrently and each call is retried on transport errors. Every
// request carries an idempotency key that its retries repeat, so a retry
// after a lost response does not create a second package.
func (c *Client) Publish(ctx context.Context, pkg model.Package, questions []model.Question) (Publication, error) {
	key := uuid.NewString()
	createReq := PackageRequest(pkg)
	createReq.IdempotencyKey = key

	var created CreatePackageResponse
	err := Retry(ctx, c.cfg.Attempts, c.cfg.Backoff, func(ctx context.Context) error {
		var err error
		created, err = c.CreatePackage(ctx, createReq)
		return err
	})
	if err != nil {
		return Publication{}, err
	}
	slog.Info("package published", "package_id", pkg.ID, "remote_id", created.PackageID)

	payloads := QuestionPayloads(questions)
	chunks := chunk(len(payloads), c.cfg.ChunkSize)
	remote := make([][]string, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, r := range chunks {
		i, r := i, r
		g.Go(func() error {
			req := UploadQuestionsRequest{
				PackageID:      created.PackageID,
				Questions:      payloads[r.lo:r.hi],
				IdempotencyKey: fmt.Sprintf("%s-%d", key, i),
			}
			return Retry(gctx, c.cfg.Attempts, c.cfg.Backoff, func(ctx context.Context) error {
				resp, err := c.UploadQuestions(ctx, req)
				if err != nil {
					return err
				}
				remote[i] = resp.QuestionIDs
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return Publication{}, fmt.Errorf("publish %s: %w", pkg.ID, err)
	}

	pub := Publication{PackageID: created.PackageID, QuestionIDs: make(map[string]string, len(questions))}
	for i, r := range chunks {
		for j, id := range remote[i] {
			pub.QuestionIDs[questions[r.lo+j].ID] = id
		}
	}
	slog.Info("questions uploaded", "package_id", pkg.ID, "questions", len(questions), "chunks", len(chunks))
	return pub, nil
}

type span struct{ lo, hi int }

func chunk(n, size int) []span {
	var out []span
	for lo := 0; lo < n; lo += size {
		out = append(out, span{lo, min(lo+size, n)})
	}
	return out
}
