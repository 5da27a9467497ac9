// Package fetcher downloads reference files and reads the tabular and JSON
// documents the build consumes.
package fetcher

import "context"

// Fetcher saves a remote file to disk. The file only appears at path once
// the whole body has been written; the byte count is returned.
type Fetcher interface {
	DownloadToFile(ctx context.Context, url, path string) (int64, error)
}
