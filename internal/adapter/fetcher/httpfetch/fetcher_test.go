package httpfetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/varchive/varchive/internal/port"
	"github.com/varchive/varchive/internal/progress"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetcher_Download(t *testing.T) {
	body := bytes.Repeat([]byte("v"), 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	downloads := progress.NewTracker()
	f := New(downloads, t.TempDir())

	file, err := f.Download(context.Background(), srv.URL, port.FetchConstraints{})
	require.NoError(t, err)
	defer func() { _ = os.Remove(file.Path) }()

	assert.Equal(t, int64(len(body)), file.Size)
	assert.Equal(t, "video/mp4", file.Format)

	got, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	e, ok := downloads.Get(srv.URL)
	require.True(t, ok)
	assert.Equal(t, "done", e.Stage)
	assert.Equal(t, 100.0, e.Percent)
}

func TestFetcher_Download_OversizedStreamLeavesNoProgressEntry(t *testing.T) {
	// Chunked response with no Content-Length so the size check can only
	// trip mid-stream, after progress reporting has started.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := bytes.Repeat([]byte("v"), 1024)
		_, _ = w.Write(chunk)
		w.(http.Flusher).Flush()
		_, _ = w.Write(chunk)
	}))
	defer srv.Close()

	downloads := progress.NewTracker()
	f := New(downloads, t.TempDir())

	_, err := f.Download(context.Background(), srv.URL, port.FetchConstraints{MaxSizeBytes: 1500})
	require.Error(t, err)

	_, ok := downloads.Get(srv.URL)
	assert.False(t, ok, "failed download must not leave a progress entry behind")
}

func TestFetcher_Download_RejectsDeclaredOversize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("v"), 4096))
	}))
	defer srv.Close()

	downloads := progress.NewTracker()
	f := New(downloads, t.TempDir())

	_, err := f.Download(context.Background(), srv.URL, port.FetchConstraints{MaxSizeBytes: 1024})
	require.Error(t, err)
	assert.Empty(t, downloads.Snapshot())
}

func TestFetcher_Download_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	downloads := progress.NewTracker()
	f := New(downloads, t.TempDir())

	_, err := f.Download(context.Background(), srv.URL, port.FetchConstraints{})
	require.Error(t, err)
	assert.Empty(t, downloads.Snapshot())
}

func TestFetcher_Compress(t *testing.T) {
	f := New(progress.NewTracker(), t.TempDir())

	small := &port.LocalFile{Path: "/tmp/a.mp4", Size: 100}
	got, err := f.Compress(context.Background(), small, 200)
	require.NoError(t, err)
	assert.Equal(t, small, got)

	big := &port.LocalFile{Path: "/tmp/b.mp4", Size: 500}
	_, err = f.Compress(context.Background(), big, 200)
	assert.Error(t, err)
}
