package blob

import (
	"context"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// Backend names a blob store implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config selects and parameterizes a backend.
type Config struct {
	Backend   Backend
	Dir       string // fs
	S3        S3Config
	GCSBucket string
	GCSPrefix string
}

// New builds the store the configuration names. The zero Backend means fs.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendFS, "":
		return NewFileStore(cfg.Dir)
	case BackendS3:
		if cfg.S3.Bucket == "" {
			return nil, lrserr.Validation(lrserr.CodeBadParam, "s3 blob backend requires a bucket")
		}
		return NewS3Store(ctx, cfg.S3)
	case BackendGCS:
		if cfg.GCSBucket == "" {
			return nil, lrserr.Validation(lrserr.CodeBadParam, "gcs blob backend requires a bucket")
		}
		return newGCSStore(ctx, cfg.GCSBucket, cfg.GCSPrefix)
	default:
		return nil, lrserr.Validation(lrserr.CodeBadParam, "unknown blob backend %q", cfg.Backend)
	}
}
