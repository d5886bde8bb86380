package multipart

import (
	"bytes"
	"context"
	"fmt"
	"io"
	mp "mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/traceworks-io/openlrs/pkg/blob"
	"github.com/traceworks-io/openlrs/pkg/guard"
	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// Ref names one attachment binary a response should carry.
type Ref struct {
	SHA2        string
	ContentType string
}

// WriteMixed emits a multipart/mixed response: part 0 is the JSON document,
// followed by one part per distinct sha2 whose binary the blob store holds.
// fileUrl-only attachments were never uploaded and are skipped. The body is
// assembled before headers are written so a store fault can still become a
// clean error response.
func WriteMixed(ctx context.Context, w http.ResponseWriter, status int, doc []byte, refs []Ref, store blob.Store) error {
	var buf bytes.Buffer
	mw := mp.NewWriter(&buf)

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"application/json"},
	})
	if err != nil {
		return encErr(err)
	}
	if _, err := part.Write(doc); err != nil {
		return encErr(err)
	}

	seen := map[string]bool{}
	for _, ref := range refs {
		if seen[ref.SHA2] {
			continue
		}
		seen[ref.SHA2] = true

		data, err := store.Get(ctx, ref.SHA2)
		if lrserr.IsKind(err, lrserr.KindNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		contentType := ref.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Type", contentType)
		hdr.Set("Content-Transfer-Encoding", "binary")
		hdr.Set("Content-Length", fmt.Sprintf("%d", len(data)))
		// Direct assignment: MIMEHeader.Set would re-case "API" to "Api".
		hdr[HashHeader] = []string{ref.SHA2}
		part, err := mw.CreatePart(hdr)
		if err != nil {
			return encErr(err)
		}
		if _, err := part.Write(data); err != nil {
			return encErr(err)
		}
	}
	if err := mw.Close(); err != nil {
		return encErr(err)
	}

	w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	w.Header().Set("Content-Length", fmt.Sprintf("%d", buf.Len()))
	w.Header().Set("ETag", guard.ETagFor(buf.Bytes()))
	w.WriteHeader(status)
	_, err = io.Copy(w, &buf)
	return err
}

func encErr(err error) error {
	return lrserr.Wrap(lrserr.KindEncoding, lrserr.CodeEncoding, err, "assembling multipart response")
}
