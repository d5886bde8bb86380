// Package guard implements the request-guard surface shared by every
// resource: protocol version negotiation, entity tags with conditional
// request evaluation, and Accept-Language parsing.
package guard

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/traceworks-io/openlrs/pkg/canonical"
	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// VersionHeader is required on every protocol request.
const VersionHeader = "X-Experience-API-Version"

// RequireVersion enforces the protocol version header. Any 2.0 patch
// level passes, bare "2.0" included; everything else, missing header
// included, is rejected before the request body is looked at.
func RequireVersion(value string) error {
	if value == "" {
		return lrserr.Validation(lrserr.CodeBadParam, "%s header is required", VersionHeader)
	}
	v, err := semver.NewVersion(value)
	if err != nil {
		return lrserr.Validation(lrserr.CodeBadParam, "%s: %q is not a version", VersionHeader, value)
	}
	if v.Major() != 2 || v.Minor() != 0 {
		return lrserr.Validation(lrserr.CodeBadParam, "%s: %q is not supported, speak 2.0.x", VersionHeader, value)
	}
	return nil
}

// ETagFor computes the strong entity tag for a document body:
// length-prefixed so accidental collisions also need matching sizes.
func ETagFor(body []byte) string {
	return fmt.Sprintf("\"%d-%s\"", len(body), canonical.SumBytes(body))
}
