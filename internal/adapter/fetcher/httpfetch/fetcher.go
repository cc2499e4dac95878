// Package httpfetch is a minimal MediaFetcher over plain HTTP. The real
// download/transcode backends live outside this subsystem; this adapter
// exists so the binary can run end to end and so progress reporting has a
// concrete producer.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/varchive/varchive/internal/domain"
	"github.com/varchive/varchive/internal/infrastructure/logger"
	"github.com/varchive/varchive/internal/port"

	"github.com/rs/zerolog"
)

type Fetcher struct {
	client    *http.Client
	downloads port.ProgressStore
	tmpDir    string
	log       zerolog.Logger
}

func New(downloads port.ProgressStore, tmpDir string) *Fetcher {
	return &Fetcher{
		client:    &http.Client{Timeout: 0}, // per-item deadlines come from the caller's context
		downloads: downloads,
		tmpDir:    tmpDir,
		log:       logger.With("httpfetch"),
	}
}

func (f *Fetcher) Download(ctx context.Context, url string, constraints port.FetchConstraints) (*port.LocalFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &domain.ProcessingError{URL: url, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &domain.ProcessingError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.ProcessingError{URL: url, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	total := resp.ContentLength
	if constraints.MaxSizeBytes > 0 && total > constraints.MaxSizeBytes {
		return nil, &domain.ProcessingError{URL: url, Err: fmt.Errorf("content length %d exceeds limit %d", total, constraints.MaxSizeBytes)}
	}

	out, err := os.CreateTemp(f.tmpDir, "varchive-*.dl")
	if err != nil {
		return nil, &domain.ProcessingError{URL: url, Err: err}
	}
	defer func() { _ = out.Close() }()

	f.downloads.Update(url, port.ProgressEntry{Stage: "downloading", Total: total})

	// A failed download leaves no temp file and no stale progress entry.
	fail := func(cause error) (*port.LocalFile, error) {
		f.downloads.Remove(url)
		_ = os.Remove(out.Name())
		return nil, &domain.ProcessingError{URL: url, Err: cause}
	}

	var written int64
	buf := make([]byte, 256*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if constraints.MaxSizeBytes > 0 && written+int64(n) > constraints.MaxSizeBytes {
				return fail(fmt.Errorf("download exceeds limit %d", constraints.MaxSizeBytes))
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return fail(err)
			}
			written += int64(n)
			f.downloads.Update(url, port.ProgressEntry{
				Stage:     "downloading",
				Bytes:     written,
				Total:     total,
				Percent:   percent(written, total),
				UpdatedAt: time.Now().UTC(),
			})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fail(readErr)
		}
	}

	f.downloads.Update(url, port.ProgressEntry{Stage: "done", Bytes: written, Total: total, Percent: 100})
	f.log.Debug().Str("url", url).Int64("bytes", written).Msg("download finished")

	return &port.LocalFile{
		Path:   out.Name(),
		Size:   written,
		Format: resp.Header.Get("Content-Type"),
	}, nil
}

// Compress is satisfied only when the file already fits the target; the
// transcode backend that would recompress it is outside this subsystem.
func (f *Fetcher) Compress(ctx context.Context, file *port.LocalFile, targetSize int64) (*port.LocalFile, error) {
	if file.Size <= targetSize {
		return file, nil
	}
	return nil, &domain.ProcessingError{
		URL: file.Path,
		Err: fmt.Errorf("compression to %d bytes requires the transcode backend, which is not configured", targetSize),
	}
}

func percent(written, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(written) / float64(total) * 100
}

var _ port.MediaFetcher = (*Fetcher)(nil)
