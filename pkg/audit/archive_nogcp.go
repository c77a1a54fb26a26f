//go:build !gcp

package audit

import (
	"context"
	"errors"
)

// NewGCSArchive reports that GCS support was not compiled in. Build with
// -tags gcp to enable it.
func NewGCSArchive(ctx context.Context, bucket string) (ArchiveStore, error) {
	return nil, errors.New("audit: GCS support not built (compile with -tags gcp)")
}
