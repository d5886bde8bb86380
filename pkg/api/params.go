package api

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

// checkParams rejects unknown and repeated query parameters. Typos in
// filter names silently matching everything is the failure mode this
// exists to prevent.
func checkParams(r *http.Request, allowed ...string) error {
	for name, values := range r.URL.Query() {
		if !slices.Contains(allowed, name) {
			return lrserr.Validation(lrserr.CodeBadParam, "unknown parameter %q", name)
		}
		if len(values) > 1 {
			return lrserr.Validation(lrserr.CodeBadParam, "parameter %q repeats", name)
		}
	}
	return nil
}

func queryString(r *http.Request, name string) string {
	return r.URL.Query().Get(name)
}

func requiredString(r *http.Request, name string) (string, error) {
	v := queryString(r, name)
	if v == "" {
		return "", lrserr.Validation(lrserr.CodeBadParam, "parameter %q is required", name)
	}
	return v, nil
}

// queryActor parses an agent-valued parameter. Absent parameters return
// nil; present ones must be a valid Agent or identified Group document.
func queryActor(r *http.Request, name string) (*xapi.Actor, error) {
	v := queryString(r, name)
	if v == "" {
		return nil, nil
	}
	a, err := xapi.ParseActor([]byte(v))
	if err != nil {
		return nil, lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadParam, err, "parameter %q is not a valid agent", name)
	}
	return a, nil
}

func requiredActor(r *http.Request, name string) (*xapi.Actor, error) {
	if queryString(r, name) == "" {
		return nil, lrserr.Validation(lrserr.CodeBadParam, "parameter %q is required", name)
	}
	return queryActor(r, name)
}

// queryBool parses a boolean parameter; only "true" and "false" pass.
func queryBool(r *http.Request, name string) (bool, error) {
	switch queryString(r, name) {
	case "":
		return false, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, lrserr.Validation(lrserr.CodeBadParam, "parameter %q must be true or false", name)
}

// queryTime parses an RFC 3339 parameter. Absent parameters return nil.
func queryTime(r *http.Request, name string) (*time.Time, error) {
	v := queryString(r, name)
	if v == "" {
		return nil, nil
	}
	ts, err := xapi.ParseTimestamp(v)
	if err != nil {
		return nil, lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadParam, err, "parameter %q is not an RFC 3339 timestamp", name)
	}
	t := ts.Time
	return &t, nil
}

// queryUUID parses and canonicalizes a UUID parameter. Absent
// parameters return the empty string.
func queryUUID(r *http.Request, name string) (string, error) {
	v := queryString(r, name)
	if v == "" {
		return "", nil
	}
	id, err := xapi.NormalizeUUID(v)
	if err != nil {
		return "", lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadParam, err, "parameter %q is not a UUID", name)
	}
	return id, nil
}

// queryLimit parses a non-negative integer parameter.
func queryLimit(r *http.Request, name string) (int, error) {
	v := queryString(r, name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, lrserr.Validation(lrserr.CodeBadParam, "parameter %q must be a non-negative integer", name)
	}
	return n, nil
}
