package multipart

import (
	"context"
	"mime"
	"os"
	"strings"

	"github.com/traceworks-io/openlrs/pkg/blob"
	"github.com/traceworks-io/openlrs/pkg/lrserr"
	"github.com/traceworks-io/openlrs/pkg/signature"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

// Bind matches every attachment descriptor in the batch against the
// spooled parts. A descriptor is satisfied by a part with its sha2 or by
// a fileUrl; one part may satisfy descriptors across several statements.
// Signature attachments with a part are verified against their enclosing
// statement before anything is stored.
//
// Binding failures: a descriptor with neither part nor fileUrl is a
// validation error, a part no descriptor claims is a conflict.
func (b *Body) Bind(stmts []*xapi.Statement, verifier *signature.Verifier) error {
	for _, st := range stmts {
		for i := range st.Attachments {
			if err := b.bindOne(&st.Attachments[i], st, verifier); err != nil {
				return err
			}
		}
		if st.Object.Kind == xapi.ObjectSubStatement {
			sub := st.Object.Sub
			for i := range sub.Attachments {
				// Sub-statement attachments bind like any other;
				// signatures only ever commit to the enclosing
				// top-level statement.
				if err := b.bindOne(&sub.Attachments[i], nil, verifier); err != nil {
					return err
				}
			}
		}
	}
	for _, sha := range b.order {
		if p := b.parts[sha]; !p.consumed {
			return lrserr.Conflictf(lrserr.CodeAttachmentOrphan, "part %s matches no attachment descriptor", sha)
		}
	}
	return nil
}

func (b *Body) bindOne(att *xapi.Attachment, enclosing *xapi.Statement, verifier *signature.Verifier) error {
	sha := strings.ToLower(att.SHA2)
	part, ok := b.parts[sha]
	if !ok {
		if att.FileURL != "" {
			return nil
		}
		return lrserr.Validation(lrserr.CodeAttachmentMissing, "no part carries sha2 %s and no fileUrl is given", sha)
	}
	part.consumed = true

	if att.IsSignature() && enclosing != nil {
		partType, _, _ := mime.ParseMediaType(part.ContentType)
		if partType != "application/octet-stream" {
			return lrserr.Validation(lrserr.CodeBadSignature, "signature part must be application/octet-stream, got %q", part.ContentType)
		}
		raw, err := part.Bytes()
		if err != nil {
			return err
		}
		if err := verifier.Verify(raw, enclosing); err != nil {
			return err
		}
	}
	return nil
}

// Persist publishes every consumed part to the blob store and removes its
// spool file. Runs before the statement transaction commits, so a stored
// statement always implies durable attachments; blobs orphaned by a
// failed commit are content-addressed and inert.
func (b *Body) Persist(ctx context.Context, store blob.Store) error {
	var firstErr error
	for _, sha := range b.order {
		p := b.parts[sha]
		if !p.consumed || p.path == "" {
			continue
		}
		if err := b.persistOne(ctx, store, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Body) persistOne(ctx context.Context, store blob.Store, p *Part) error {
	f, err := p.Reader()
	if err != nil {
		return err
	}
	defer f.Close()
	if err := store.Put(ctx, p.SHA2, f); err != nil {
		return err
	}
	os.Remove(p.path)
	p.path = ""
	return nil
}
