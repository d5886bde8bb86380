//go:build gcp

package blob

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// GCSStore keeps blobs as digest-keyed objects in a GCS bucket. Built only
// with -tags gcp so default builds skip the GCP dependency surface.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore builds the client from application default credentials.
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "creating GCS client")
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStore) object(digest string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + digest)
}

func (s *GCSStore) Put(ctx context.Context, digest string, r io.Reader) error {
	if err := CheckDigest(digest); err != nil {
		return err
	}
	data, err := verify(digest, r)
	if err != nil {
		return err
	}
	obj := s.object(digest)
	if _, err := obj.Attrs(ctx); err == nil {
		return nil
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "gcs write %s", digest)
	}
	if err := w.Close(); err != nil {
		return lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "gcs publish %s", digest)
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, digest string) ([]byte, error) {
	if err := CheckDigest(digest); err != nil {
		return nil, err
	}
	rd, err := s.object(digest).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, lrserr.NotFoundf("no blob stored for %s", digest)
		}
		return nil, lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "gcs get %s", digest)
	}
	defer rd.Close()
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "gcs read %s", digest)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, digest string) (bool, error) {
	if err := CheckDigest(digest); err != nil {
		return false, err
	}
	_, err := s.object(digest).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "gcs probe %s", digest)
}

func (s *GCSStore) Delete(ctx context.Context, digest string) error {
	if err := CheckDigest(digest); err != nil {
		return err
	}
	if err := s.object(digest).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "gcs delete %s", digest)
	}
	return nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
