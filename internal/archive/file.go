package archive

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/lyger/matsuri-monitor/internal/report"
	"github.com/lyger/matsuri-monitor/pkg/errors"
	"go.uber.org/zap"
)

// FileStore writes one gzip file per report into a directory.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.NewStorageError("create archive dir", "file", "init", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) Save(ctx context.Context, view report.View) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := Encode(view)
	if err != nil {
		return errors.NewStorageError("encode report", "file", "save", err)
	}

	path := filepath.Join(s.dir, FileName(view))
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return errors.NewStorageError("create temp file", "file", "save", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.NewStorageError("write report", "file", "save", err)
	}
	if err := tmp.Close(); err != nil {
		return errors.NewStorageError("close report", "file", "save", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.NewStorageError("rename report", "file", "save", err)
	}

	s.logger.Info("Report archived", zap.String("path", path), zap.Int("groups", view.Size()))
	return nil
}

func (s *FileStore) List(ctx context.Context, since time.Time) ([]report.View, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewStorageError("read archive dir", "file", "list", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isArchiveName(name) {
			continue
		}
		if start, ok := startFromName(name); ok && !start.Add(time.Second).After(since) {
			continue
		}
		names = append(names, name)
	}

	return loadAll(ctx, names, since, func(_ context.Context, name string) (report.View, error) {
		return s.read(filepath.Join(s.dir, name))
	}, s.logger)
}

func (s *FileStore) read(path string) (report.View, error) {
	f, err := os.Open(path)
	if err != nil {
		return report.View{}, err
	}
	defer f.Close()
	return Decode(f)
}
