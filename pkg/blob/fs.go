package blob

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// FileStore keeps blobs on the local filesystem under a two-level
// fan-out (ab/cd/<digest>) so one directory never collects every object.
type FileStore struct {
	dir string
}

// NewFileStore ensures the root directory exists and returns the store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "creating blob dir %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(digest string) string {
	return filepath.Join(s.dir, digest[:2], digest[2:4], digest)
}

// Put streams r into a temp file while hashing, then publishes it with an
// atomic rename. An existing object under the digest is left untouched:
// content addressing makes it equal by construction.
func (s *FileStore) Put(ctx context.Context, digest string, r io.Reader) error {
	if err := CheckDigest(digest); err != nil {
		return err
	}
	dst := s.path(digest)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "creating blob fan-out dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "creating blob temp file")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	h, err := NewHasher(digest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		return lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "writing blob %s", digest)
	}
	if hex.EncodeToString(h.Sum(nil)) != digest {
		return lrserr.Validation(lrserr.CodeAttachmentDigest, "content does not hash to %s", digest)
	}
	if err := tmp.Close(); err != nil {
		return lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "closing blob temp file")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "publishing blob %s", digest)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, digest string) ([]byte, error) {
	if err := CheckDigest(digest); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, lrserr.NotFoundf("no blob stored for %s", digest)
		}
		return nil, lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "reading blob %s", digest)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, digest string) (bool, error) {
	if err := CheckDigest(digest); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(digest))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "probing blob %s", digest)
}

// Delete removes the object; deleting an absent digest is a no-op.
func (s *FileStore) Delete(ctx context.Context, digest string) error {
	if err := CheckDigest(digest); err != nil {
		return err
	}
	if err := os.Remove(s.path(digest)); err != nil && !os.IsNotExist(err) {
		return lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "deleting blob %s", digest)
	}
	return nil
}
