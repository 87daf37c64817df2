package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/lyger/matsuri-monitor/internal/domain"
	"github.com/lyger/matsuri-monitor/internal/report"
	"go.uber.org/zap"
)

func sampleView(id string, start time.Time) report.View {
	ts := float64(start.Unix())
	return report.View{
		ID:             id,
		URL:            "https://www.youtube.com/watch?v=" + id,
		Title:          "stream " + id,
		ChannelID:      "UC1",
		ChannelURL:     "https://www.youtube.com/channel/UC1",
		ChannelName:    "Channel",
		StartTimestamp: &ts,
		GroupLists: []report.GroupListView{{
			Description: `Comment matches "草"`,
			Groups: [][]domain.ChatEvent{{
				{Type: domain.MessageTypeText, Author: "a", Text: "草", Timestamp: ts + 5, RelativeTimestamp: 5},
			}},
		}},
	}
}

func TestFileName(t *testing.T) {
	view := sampleView("abc123", time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC))
	if got := FileName(view); got != "2024-05-06T070809_abc123.json.gz" {
		t.Fatalf("unexpected file name %q", got)
	}

	start, ok := startFromName(FileName(view))
	if !ok || !start.Equal(time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)) {
		t.Fatalf("expected start to round-trip, got %v (%v)", start, ok)
	}

	view.StartTimestamp = nil
	if got := FileName(view); got != "unknown_abc123.json.gz" {
		t.Fatalf("unexpected file name for unknown start %q", got)
	}
}

func TestEncodeDecode(t *testing.T) {
	view := sampleView("v1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	data, err := Encode(view)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		t.Fatalf("expected gzip magic bytes")
	}

	got, err := Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.ID != "v1" || got.Size() != 1 || *got.StartTimestamp != *view.StartTimestamp {
		t.Fatalf("unexpected decoded view: %+v", got)
	}
	if got.GroupLists[0].Groups[0][0].Text != "草" {
		t.Fatalf("expected unicode text to survive, got %q", got.GroupLists[0].Groups[0][0].Text)
	}

	if _, err := Decode(strings.NewReader("not gzip")); err == nil {
		t.Fatalf("expected error decoding garbage")
	}
}

func TestFileStore_SaveAndList(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	old := sampleView("old", now.Add(-10*24*time.Hour))
	older := sampleView("mid", now.Add(-2*time.Hour))
	newest := sampleView("new", now.Add(-time.Hour))

	ctx := context.Background()
	for _, v := range []report.View{old, older, newest} {
		if err := store.Save(ctx, v); err != nil {
			t.Fatalf("Save %s failed: %v", v.ID, err)
		}
	}

	// Unrelated files are ignored.
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "2024-01-01T000000_x_chat.json.gz"), []byte("x"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "2099-01-01T000000_broken.json.gz"), []byte("x"), 0o644)

	views, err := store.List(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 views within retention, got %d", len(views))
	}
	if views[0].ID != "new" || views[1].ID != "mid" {
		t.Fatalf("expected newest first, got %s, %s", views[0].ID, views[1].ID)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestFileStore_ListMissingDir(t *testing.T) {
	store := &FileStore{dir: filepath.Join(t.TempDir(), "missing"), logger: zap.NewNop()}
	views, err := store.List(context.Background(), time.Time{})
	if err != nil || len(views) != 0 {
		t.Fatalf("expected empty list for missing dir, got %v, %v", views, err)
	}
}

type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
	puts     []*s3.PutObjectInput
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := f.objects[aws.ToString(in.Key)]
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
				break
			}
		}
	}
	end := min(start+f.pageSize, len(keys))

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func TestS3Store_SaveAndList(t *testing.T) {
	fake := &fakeS3{objects: make(map[string][]byte), pageSize: 1}
	store := NewS3StoreWithClient(fake, "bucket", "/reports/", zap.NewNop())

	now := time.Now().UTC().Truncate(time.Second)
	ctx := context.Background()
	for _, v := range []report.View{
		sampleView("a", now.Add(-3*time.Hour)),
		sampleView("b", now.Add(-time.Hour)),
		sampleView("c", now.Add(-30*24*time.Hour)),
	} {
		if err := store.Save(ctx, v); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	fake.objects["other/2099-01-01T000000_x.json.gz"] = []byte("ignored")

	if len(fake.puts) != 3 || !strings.HasPrefix(aws.ToString(fake.puts[0].Key), "reports/") {
		t.Fatalf("expected keys under reports/, got %d puts", len(fake.puts))
	}
	if aws.ToString(fake.puts[0].Bucket) != "bucket" {
		t.Fatalf("expected bucket name, got %q", aws.ToString(fake.puts[0].Bucket))
	}

	views, err := store.List(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(views) != 2 || views[0].ID != "b" || views[1].ID != "a" {
		ids := make([]string, len(views))
		for i, v := range views {
			ids[i] = v.ID
		}
		t.Fatalf("expected [b a], got %v", ids)
	}
}

func TestNop(t *testing.T) {
	var s Store = Nop{}
	if err := s.Save(context.Background(), report.View{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	views, err := s.List(context.Background(), time.Time{})
	if err != nil || views != nil {
		t.Fatalf("expected empty list, got %v, %v", views, err)
	}
}
