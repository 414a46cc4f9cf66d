package jobs

import "context"

// Fetcher materializes the remote resource ref as files inside dir.
//
//go:generate mockgen -destination=mocks/mock_fetcher.go -package=mocks github.com/mattjoyce/tubeaudio/internal/jobs Fetcher
type Fetcher interface {
	Fetch(ctx context.Context, ref, dir string) error
}

// IDSource allocates job identifiers. *jobid.Generator satisfies it.
type IDSource interface {
	Next(ref string) string
}
