package port

import "context"

// FetchConstraints bounds a download before it starts.
type FetchConstraints struct {
	MaxSizeBytes int64
}

// LocalFile is a downloaded or recompressed file on local disk.
type LocalFile struct {
	Path     string
	Size     int64
	Format   string
	Duration float64
}

// MediaFetcher downloads a source URL and optionally recompresses the
// result to a size budget. Implementations must honor context cancellation
// and report progress through the progress store they were constructed with.
type MediaFetcher interface {
	Download(ctx context.Context, url string, constraints FetchConstraints) (*LocalFile, error)
	Compress(ctx context.Context, file *LocalFile, targetSize int64) (*LocalFile, error)
}
