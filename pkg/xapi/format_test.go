package xapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const richStatement = `{
  "id": "6e5e46bb-97d2-403f-a72b-d7b1bd217a20",
  "actor": {"mbox": "mailto:learner@example.com", "name": "Learner One"},
  "verb": {"id": "http://example.com/verbs/launched", "display": {"en-US": "launched"}},
  "object": {
    "id": "http://example.com/activities/course",
    "definition": {"name": {"en-US": "Course", "fr-FR": "Cours"}}
  },
  "context": {
    "instructor": {"mbox": "mailto:teacher@example.com", "name": "Teacher"},
    "contextActivities": {"parent": [{"id": "http://example.com/activities/catalog", "definition": {"name": {"en": "Catalog"}}}]}
  }
}`

func TestReduceToIDs(t *testing.T) {
	s, err := ParseStatement([]byte(richStatement))
	require.NoError(t, err)

	ids := s.ReduceToIDs()

	assert.Nil(t, ids.Actor.Name)
	assert.Equal(t, "mailto:learner@example.com", *ids.Actor.Mbox)
	assert.Nil(t, ids.Verb.Display)
	assert.Nil(t, ids.Object.Activity.Definition)
	assert.Nil(t, ids.Context.Instructor.Name)
	assert.Nil(t, ids.Context.ContextActivities.Parent[0].Definition)

	// The original tree is untouched.
	assert.NotNil(t, s.Actor.Name)
	assert.NotNil(t, s.Verb.Display)
	assert.NotNil(t, s.Object.Activity.Definition)
}

func TestReduceToIDsKeepsOneIFI(t *testing.T) {
	raw := `{
	  "actor": {"objectType": "Group", "account": {"homePage": "http://example.com", "name": "team"}, "name": "Team", "member": [{"mbox": "mailto:m@example.com", "name": "M"}]},
	  "verb": {"id": "http://example.com/verbs/did"},
	  "object": {"id": "http://example.com/act"}
	}`
	s, err := ParseStatement([]byte(raw))
	require.NoError(t, err)

	ids := s.ReduceToIDs()
	assert.Nil(t, ids.Actor.Member, "identified group reduces to its IFI")
	require.NotNil(t, ids.Actor.Account)
}

func TestApplyCanonical(t *testing.T) {
	s, err := ParseStatement([]byte(richStatement))
	require.NoError(t, err)

	data := CanonicalData{
		VerbDisplays: map[string]LanguageMap{
			"http://example.com/verbs/launched": {"en-US": "launched", "fr-FR": "lancé"},
		},
		Definitions: map[string]*ActivityDefinition{
			"http://example.com/activities/course": {
				Name: LanguageMap{"en-US": "Course", "fr-FR": "Cours"},
			},
		},
	}

	c := s.ApplyCanonical(data, []string{"fr-FR"})
	assert.Equal(t, LanguageMap{"fr-FR": "lancé"}, c.Verb.Display)
	assert.Equal(t, LanguageMap{"fr-FR": "Cours"}, c.Object.Activity.Definition.Name)
	// Names survive the canonical format.
	assert.Equal(t, "Learner One", *c.Actor.Name)

	// Statement without merged data falls back to its own maps.
	c = s.ApplyCanonical(CanonicalData{}, []string{"en"})
	assert.Equal(t, LanguageMap{"en-US": "launched"}, c.Verb.Display)
}

func TestIRICollectors(t *testing.T) {
	raw := `{
	  "actor": {"mbox": "mailto:a@example.com"},
	  "verb": {"id": "http://example.com/verbs/planned"},
	  "object": {
	    "objectType": "SubStatement",
	    "actor": {"mbox": "mailto:a@example.com"},
	    "verb": {"id": "http://example.com/verbs/will"},
	    "object": {"id": "http://example.com/act"},
	    "context": {"contextActivities": {"grouping": [{"id": "http://example.com/group"}]}}
	  }
	}`
	s, err := ParseStatement([]byte(raw))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"http://example.com/verbs/planned", "http://example.com/verbs/will"}, s.VerbIRIs())
	assert.ElementsMatch(t, []string{"http://example.com/act", "http://example.com/group"}, s.ActivityIRIs())
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{
		"": FormatExact, "exact": FormatExact, "ids": FormatIDs, "canonical": FormatCanonical,
	} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("verbose")
	require.Error(t, err)
}
