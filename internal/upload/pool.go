// Package upload publishes build artifacts to object storage with bounded
// concurrency.
package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/k11v/deployer/internal/artifact"
)

// DefaultConcurrency is the number of simultaneous uploads used when
// Pool.Concurrency isn't set.
const DefaultConcurrency = 4

// Storage stores a single object.
type Storage interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

// Logger receives one line per settled upload.
type Logger interface {
	Emit(text string)
}

// UploadError reports that an artifact couldn't be stored.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Summary aggregates the outcomes of a pool run.
type Summary struct {
	Uploaded int
	Failed   int
	Failures []*UploadError // in artifact order
}

// Pool uploads artifacts through a fixed number of workers.
type Pool struct {
	Storage     Storage // required
	Concurrency int     // default: DefaultConcurrency
	KeyPrefix   string  // prepended to every artifact key, e.g. "__outputs/<project>"
	Logs        Logger  // optional
}

func (p *Pool) concurrency() int {
	c := p.Concurrency
	if c < 1 {
		c = DefaultConcurrency
	}
	return c
}

// Upload uploads every artifact exactly once and returns after all of them
// are settled. A failed upload doesn't stop the others.
//
// Keys are derived by stripping root from the artifact path. When ctx is done,
// artifacts that haven't started are marked as failed with the context error
// while uploads in flight are left to settle.
func (p *Pool) Upload(ctx context.Context, root string, artifacts []*artifact.Artifact) *Summary {
	tasks := make(chan *artifact.Artifact)

	var wg sync.WaitGroup
	for range min(p.concurrency(), max(len(artifacts), 1)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Uploads in flight aren't interrupted by cancellation.
			uploadCtx := context.WithoutCancel(ctx)
			for a := range tasks {
				if err := ctx.Err(); err != nil {
					a.Key = artifact.Key(root, a.Path)
					p.settle(a, err)
					continue
				}
				p.upload(uploadCtx, root, a)
			}
		}()
	}

	for i, a := range artifacts {
		if ctx.Err() == nil {
			select {
			case tasks <- a:
				continue
			case <-ctx.Done():
			}
		}
		for _, pending := range artifacts[i:] {
			pending.Key = artifact.Key(root, pending.Path)
			p.settle(pending, ctx.Err())
		}
		break
	}
	close(tasks)
	wg.Wait()

	return summarize(artifacts)
}

func (p *Pool) upload(ctx context.Context, root string, a *artifact.Artifact) {
	a.Key = artifact.Key(root, a.Path)
	if a.ContentType == "" {
		a.ContentType = artifact.ContentType(a.Path)
	}
	p.settle(a, p.put(ctx, a))
}

func (p *Pool) put(ctx context.Context, a *artifact.Artifact) error {
	f, err := os.Open(a.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	return p.Storage.Put(ctx, path.Join(p.KeyPrefix, a.Key), f, a.ContentType)
}

func (p *Pool) settle(a *artifact.Artifact, err error) {
	if err != nil {
		a.Outcome = artifact.OutcomeFailed
		a.Err = err
		p.emit(fmt.Sprintf("failed to upload %s: %v", a.Key, err))
		return
	}
	a.Outcome = artifact.OutcomeUploaded
	p.emit("uploaded " + a.Key)
}

func (p *Pool) emit(text string) {
	if p.Logs != nil {
		p.Logs.Emit(text)
	}
}

func summarize(artifacts []*artifact.Artifact) *Summary {
	s := &Summary{Failures: make([]*UploadError, 0)}
	for _, a := range artifacts {
		switch a.Outcome {
		case artifact.OutcomeUploaded:
			s.Uploaded++
		case artifact.OutcomeFailed:
			s.Failed++
			s.Failures = append(s.Failures, &UploadError{Key: a.Key, Err: a.Err})
		}
	}
	return s
}
