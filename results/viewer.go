// Package results fetches persisted studies from the backend and turns them
// into summaries, tables and reports.
package results

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rustyeddy/optqueue/backend"
	"github.com/rustyeddy/optqueue/storage"
)

// loadConcurrency caps parallel study fetches in LoadMany.
const loadConcurrency = 4

// StudyClient is the part of the backend the viewer needs.
type StudyClient interface {
	ListStudies(ctx context.Context) ([]backend.StudySummary, error)
	GetStudy(ctx context.Context, id string) (*backend.Study, error)
}

// StatusSource exposes the latest run status. storage.Channel implements it.
type StatusSource interface {
	Status(ctx context.Context) (storage.RunStatus, bool, error)
}

type Viewer struct {
	client StudyClient
	group  singleflight.Group
}

func NewViewer(client StudyClient) *Viewer {
	return &Viewer{client: client}
}

func (v *Viewer) List(ctx context.Context) ([]backend.StudySummary, error) {
	studies, err := v.client.ListStudies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list studies: %w", err)
	}
	return studies, nil
}

// Load fetches one study. Concurrent loads of the same id share one request.
// The shared request is not bound to any one caller's ctx; each caller stops
// waiting when its own ctx is done.
func (v *Viewer) Load(ctx context.Context, id string) (*backend.Study, error) {
	ch := v.group.DoChan(id, func() (any, error) {
		return v.client.GetStudy(context.WithoutCancel(ctx), id)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("load study %s: %w", id, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("load study %s: %w", id, res.Err)
		}
		return res.Val.(*backend.Study), nil
	}
}

// LoadMany fetches studies in parallel and returns them in the order of ids.
// The first error stops waiting on the remaining fetches.
func (v *Viewer) LoadMany(ctx context.Context, ids []string) ([]*backend.Study, error) {
	out := make([]*backend.Study, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			s, err := v.Load(gctx, id)
			if err != nil {
				return err
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// PollStatus calls fn whenever the published run status changes, until fn
// returns false or ctx is done.
func (v *Viewer) PollStatus(ctx context.Context, src StatusSource, interval time.Duration, fn func(storage.RunStatus) bool) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		seen bool
		prev storage.RunStatus
	)
	for {
		st, ok, err := src.Status(ctx)
		if err != nil {
			return fmt.Errorf("read run status: %w", err)
		}
		if ok && (!seen || changed(prev, st)) {
			seen, prev = true, st
			if !fn(st) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func changed(a, b storage.RunStatus) bool {
	return a.Status != b.Status || a.RunID != b.RunID || a.StudyID != b.StudyID || !a.UpdatedAt.Equal(b.UpdatedAt)
}
