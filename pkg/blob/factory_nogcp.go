//go:build !gcp

package blob

import (
	"context"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

func newGCSStore(ctx context.Context, bucket, prefix string) (Store, error) {
	return nil, lrserr.Validation(lrserr.CodeBadParam, "gcs blob backend is not in this build (rebuild with -tags gcp)")
}
