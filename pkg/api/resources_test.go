package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceworks-io/openlrs/pkg/auth"
	"github.com/traceworks-io/openlrs/pkg/guard"
	"github.com/traceworks-io/openlrs/pkg/xapi"
)

func TestAgentsResolvesPerson(t *testing.T) {
	store := &fakeStore{
		personFn: func(_ context.Context, agent *xapi.Actor) (*xapi.Person, error) {
			require.NotNil(t, agent.Mbox)
			return &xapi.Person{
				ObjectType: "Person",
				Name:       []string{"Learner One"},
				Mbox:       []string{*agent.Mbox, "mailto:old@example.com"},
			}, nil
		},
	}
	s, _ := newTestServer(t, store)

	rec := doReq(s.Handler(), http.MethodGet, "/xapi/agents?agent="+url.QueryEscape(learnerAgent), nil, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var person xapi.Person
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &person))
	assert.Equal(t, "Person", person.ObjectType)
	assert.Equal(t, []string{"mailto:learner@example.com", "mailto:old@example.com"}, person.Mbox)
	assert.Equal(t, guard.ETagFor(rec.Body.Bytes()), rec.Header().Get("ETag"))
	assert.NotEmpty(t, rec.Header().Get(consistentThroughHeader))
}

func TestAgentsParamRules(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	h := s.Handler()

	rec := doReq(h, http.MethodGet, "/xapi/agents", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "agent is required")

	anon := url.QueryEscape(`{"objectType":"Group","member":[{"mbox":"mailto:a@example.com"}]}`)
	rec = doReq(h, http.MethodGet, "/xapi/agents?agent="+anon, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "anonymous groups have no identity to resolve")

	rec = doReq(h, http.MethodPost, "/xapi/agents?agent="+url.QueryEscape(learnerAgent), nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestActivitiesReturnsCanonical(t *testing.T) {
	store := &fakeStore{
		activityFn: func(_ context.Context, iri string) (*xapi.Activity, error) {
			return &xapi.Activity{
				ObjectType: "Activity",
				ID:         iri,
				Definition: &xapi.ActivityDefinition{
					Name: xapi.LanguageMap{"en": "Intro Course"},
				},
			}, nil
		},
	}
	s, _ := newTestServer(t, store)

	rec := doReq(s.Handler(), http.MethodGet,
		"/xapi/activities?activityId="+url.QueryEscape("https://example.com/course"), nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var act xapi.Activity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &act))
	assert.Equal(t, "https://example.com/course", act.ID)
	require.NotNil(t, act.Definition)
	assert.Equal(t, "Intro Course", act.Definition.Name["en"])
}

func TestActivitiesUnknownIRIIsBareActivity(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})

	rec := doReq(s.Handler(), http.MethodGet,
		"/xapi/activities?activityId="+url.QueryEscape("https://example.com/never-seen"), nil, nil)

	require.Equal(t, http.StatusOK, rec.Code, "unknown IRIs degrade to a bare Activity, never 404")
	var act xapi.Activity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &act))
	assert.Equal(t, "https://example.com/never-seen", act.ID)
	assert.Nil(t, act.Definition)
}

func TestActivitiesRequiresID(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	rec := doReq(s.Handler(), http.MethodGet, "/xapi/activities", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAbout(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})

	// No version header, no credentials: about must answer anyway.
	rec := doReq(s.Handler(), http.MethodGet, "/xapi/about", nil, map[string]string{guard.VersionHeader: ""})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xapi.Version, rec.Header().Get(guard.VersionHeader))

	var about xapi.About
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &about))
	assert.Equal(t, []string{xapi.Version}, about.Version)
	require.Contains(t, about.Extensions, buildExtension)

	var build map[string]string
	require.NoError(t, json.Unmarshal(about.Extensions[buildExtension], &build))
	assert.Equal(t, "test", build["version"])
}

func TestAboutSkipsAuth(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	s.Auth = authFunc(func(context.Context, string, string) (*auth.Principal, error) {
		t.Fatal("about must not consult the authenticator")
		return nil, nil
	})

	rec := doReq(s.Handler(), http.MethodGet, "/xapi/about", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
