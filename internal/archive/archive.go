// Package archive persists finalized stream reports and loads them back on startup.
package archive

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/lyger/matsuri-monitor/internal/constants"
	"github.com/lyger/matsuri-monitor/internal/domain"
	"github.com/lyger/matsuri-monitor/internal/report"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	fileSuffix = ".json.gz"
	nameLayout = "2006-01-02T150405"
)

// Store is a persistent home for finalized report views.
type Store interface {
	Save(ctx context.Context, view report.View) error
	// List returns views whose stream started after since, newest first.
	List(ctx context.Context, since time.Time) ([]report.View, error)
}

// Nop discards everything. Used when no backend is configured.
type Nop struct{}

func (Nop) Save(context.Context, report.View) error { return nil }

func (Nop) List(context.Context, time.Time) ([]report.View, error) { return nil, nil }

// FileName is the object name for a view: "<start, colons removed>_<id>.json.gz".
func FileName(view report.View) string {
	stamp := "unknown"
	if view.StartTimestamp != nil {
		stamp = domain.EpochToTime(*view.StartTimestamp).Format(nameLayout)
	}
	return stamp + "_" + view.ID + fileSuffix
}

// startFromName recovers the stream start encoded in a FileName.
func startFromName(name string) (time.Time, bool) {
	stamp, _, ok := strings.Cut(name, "_")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(nameLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func isArchiveName(name string) bool {
	return strings.HasSuffix(name, fileSuffix) && !strings.HasSuffix(name, "_chat"+fileSuffix)
}

// Encode serializes a view as gzip-compressed JSON.
func Encode(view report.View) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(view); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("encode report %s: %w", view.ID, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress report %s: %w", view.ID, err)
	}
	return buf.Bytes(), nil
}

// Decode reads a view written by Encode.
func Decode(r io.Reader) (report.View, error) {
	var view report.View
	zr, err := gzip.NewReader(r)
	if err != nil {
		return view, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()

	if err := json.NewDecoder(zr).Decode(&view); err != nil {
		return view, fmt.Errorf("decode report: %w", err)
	}
	return view, nil
}

func startedAfter(view report.View, since time.Time) bool {
	if view.StartTimestamp == nil {
		return false
	}
	return domain.EpochToTime(*view.StartTimestamp).After(since)
}

func sortNewestFirst(views []report.View) {
	start := func(v report.View) float64 {
		if v.StartTimestamp == nil {
			return 0
		}
		return *v.StartTimestamp
	}
	slices.SortStableFunc(views, func(a, b report.View) int {
		return cmp.Compare(start(b), start(a))
	})
}

// loadAll fetches the named archives on a bounded pool. Unreadable entries are logged and
// skipped; only views started after since are kept.
func loadAll(ctx context.Context, names []string, since time.Time, fetch func(context.Context, string) (report.View, error), logger *zap.Logger) ([]report.View, error) {
	loaded := make([]*report.View, len(names))
	p := pool.New().WithContext(ctx).WithMaxGoroutines(max(constants.SupervisorConfig.RestoreWorkers, 1))
	for i, name := range names {
		p.Go(func(ctx context.Context) error {
			view, err := fetch(ctx, name)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn("Skipping unreadable archive", zap.String("name", name), zap.Error(err))
				return nil
			}
			if startedAfter(view, since) {
				loaded[i] = &view
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	views := make([]report.View, 0, len(names))
	for _, v := range loaded {
		if v != nil {
			views = append(views, *v)
		}
	}
	sortNewestFirst(views)
	return views, nil
}
