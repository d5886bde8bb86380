// Package multipart handles the attachment transport format: multipart/mixed
// request bodies on ingest and multipart/mixed responses when attachments are
// requested. Binary parts are spooled to disk while hashing, bound to the
// attachment descriptors of the statement batch, and published to the blob
// store before the statement transaction commits.
package multipart

import (
	"encoding/hex"
	"io"
	"log/slog"
	"mime"
	mp "mime/multipart"
	"os"
	"strings"

	"github.com/traceworks-io/openlrs/pkg/blob"
	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

const (
	// HashHeader declares a part's SHA-2 digest; it is the binding key
	// between parts and attachment descriptors.
	HashHeader = "X-Experience-API-Hash"

	encodingHeader = "Content-Transfer-Encoding"
	spoolPrefix    = "openlrs-part-"
)

// Intake reads statement request bodies.
type Intake struct {
	// SpoolDir receives part content while it is hashed and bound.
	SpoolDir string
	// MaxPartBytes caps each binary part; zero means uncapped.
	MaxPartBytes int64
	Log          *slog.Logger
}

// Body is a parsed request body: the statement JSON plus any spooled parts.
type Body struct {
	// JSON is the statement document (the whole body, or part 0 of a
	// multipart envelope).
	JSON []byte

	parts map[string]*Part
	order []string
}

// Part is one spooled attachment binary, keyed by its declared digest.
type Part struct {
	SHA2        string
	ContentType string
	Size        int64

	path     string
	consumed bool
}

// Bytes loads the spooled content. Signature parts are small; bulk parts
// go through Reader instead.
func (p *Part) Bytes() ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "reading spooled part %s", p.SHA2)
	}
	return data, nil
}

// Reader opens the spooled content for streaming.
func (p *Part) Reader() (io.ReadCloser, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "opening spooled part %s", p.SHA2)
	}
	return f, nil
}

// Parts lists the spooled parts in arrival order.
func (b *Body) Parts() []*Part {
	out := make([]*Part, 0, len(b.order))
	for _, sha := range b.order {
		out = append(out, b.parts[sha])
	}
	return out
}

// Part returns the spooled part for a digest, if one arrived.
func (b *Body) Part(sha2 string) (*Part, bool) {
	p, ok := b.parts[strings.ToLower(sha2)]
	return p, ok
}

// Close removes every spool file. Safe to call more than once; ingest
// handlers defer it so failed requests leave nothing behind.
func (b *Body) Close() error {
	for _, p := range b.parts {
		if p.path != "" {
			os.Remove(p.path)
			p.path = ""
		}
	}
	return nil
}

// ReadBody parses a statements request body. application/json bodies pass
// through; multipart/mixed bodies are split into the leading statement
// document and spooled binary parts.
func (in *Intake) ReadBody(contentType string, r io.Reader) (*Body, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadParam, err, "unparseable Content-Type %q", contentType)
	}

	switch mediaType {
	case "application/json":
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, readErr(err)
		}
		return &Body{JSON: raw, parts: map[string]*Part{}}, nil
	case "multipart/mixed":
		boundary := params["boundary"]
		if boundary == "" {
			return nil, lrserr.Validation(lrserr.CodeBadMultipart, "multipart/mixed without a boundary parameter")
		}
		return in.readMixed(boundary, r)
	default:
		return nil, lrserr.Validation(lrserr.CodeBadParam, "unsupported content type %q for statements", mediaType)
	}
}

func (in *Intake) readMixed(boundary string, r io.Reader) (body *Body, err error) {
	body = &Body{parts: map[string]*Part{}}
	defer func() {
		if err != nil {
			body.Close()
		}
	}()

	mr := mp.NewReader(r, boundary)

	first, err := mr.NextPart()
	if err != nil {
		return body, lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadMultipart, err, "empty multipart body")
	}
	firstType, _, err := mime.ParseMediaType(first.Header.Get("Content-Type"))
	if err != nil || firstType != "application/json" {
		return body, lrserr.Validation(lrserr.CodeBadMultipart, "first part must be application/json, got %q", first.Header.Get("Content-Type"))
	}
	if body.JSON, err = io.ReadAll(first); err != nil {
		return body, readErr(err)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return body, nil
		}
		if err != nil {
			return body, lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadMultipart, err, "malformed multipart body")
		}
		if err := in.spoolPart(body, part); err != nil {
			return body, err
		}
	}
}

// spoolPart streams one binary part to disk while hashing it with the
// SHA-2 variant its declared digest length selects.
func (in *Intake) spoolPart(body *Body, part *mp.Part) error {
	if enc := part.Header.Get(encodingHeader); !strings.EqualFold(enc, "binary") {
		return lrserr.Validation(lrserr.CodeBadMultipart, "attachment part must declare Content-Transfer-Encoding: binary, got %q", enc)
	}
	declared := strings.ToLower(strings.TrimSpace(part.Header.Get(HashHeader)))
	if declared == "" {
		return lrserr.Validation(lrserr.CodeBadMultipart, "attachment part missing %s", HashHeader)
	}
	if _, dup := body.parts[declared]; dup {
		return lrserr.Validation(lrserr.CodeAttachmentDup, "more than one part declares sha2 %s", declared)
	}
	hasher, err := blob.NewHasher(declared)
	if err != nil {
		return lrserr.Validation(lrserr.CodeBadMultipart, "%s %q is not a sha2 hex digest", HashHeader, declared)
	}

	tmp, err := os.CreateTemp(in.SpoolDir, spoolPrefix+"*")
	if err != nil {
		return lrserr.Wrap(lrserr.KindUnavailable, lrserr.CodeStorage, err, "creating spool file")
	}
	keep := false
	defer func() {
		tmp.Close()
		if !keep {
			os.Remove(tmp.Name())
		}
	}()

	src := io.Reader(part)
	if in.MaxPartBytes > 0 {
		src = io.LimitReader(part, in.MaxPartBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(tmp, hasher), src)
	if err != nil {
		return readErr(err)
	}
	if in.MaxPartBytes > 0 && n > in.MaxPartBytes {
		return lrserr.New(lrserr.KindTooLarge, lrserr.CodeTooLarge, "attachment part exceeds the %d byte cap", in.MaxPartBytes)
	}
	if computed := hex.EncodeToString(hasher.Sum(nil)); computed != declared {
		return lrserr.Validation(lrserr.CodeAttachmentDigest, "part content hashes to %s, header declares %s", computed, declared)
	}

	keep = true
	body.parts[declared] = &Part{
		SHA2:        declared,
		ContentType: part.Header.Get("Content-Type"),
		Size:        n,
		path:        tmp.Name(),
	}
	body.order = append(body.order, declared)
	return nil
}

func readErr(err error) error {
	return lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadMultipart, err, "reading request body")
}
