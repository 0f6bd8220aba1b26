package insight

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagFilterAnyAllNone(t *testing.T) {
	f := TagFilter{Any: []string{"security", "auth"}}
	assert.True(t, f.Matches([]string{"auth", "file"}))
	assert.False(t, f.Matches([]string{"file"}))

	f = TagFilter{All: []string{"security", "api"}}
	assert.True(t, f.Matches([]string{"security", "api", "file"}))
	assert.False(t, f.Matches([]string{"security"}))

	f = TagFilter{None: []string{"blocker"}}
	assert.False(t, f.Matches([]string{"blocker"}))
	assert.True(t, f.Matches([]string{"file"}))

	assert.True(t, TagFilter{}.Matches([]string{"anything"}), "zero-value filter is a catch-all")
}

func TestRouteDeliversToMatchingSubscribersOnly(t *testing.T) {
	r := New()
	r.RegisterInterest("a2", TagFilter{Any: []string{"security"}})
	r.RegisterInterest("a3", TagFilter{Any: []string{"ui"}})

	d := r.Route(Insight{SourceAgentID: "a1", Tags: []string{"security"}}, []string{"a1", "a2", "a3"})
	assert.Equal(t, []string{"a2"}, d.Recipients)
	assert.False(t, d.ToCoordinator)
	assert.False(t, d.Orphan)
}

func TestRouteExcludesSource(t *testing.T) {
	r := New()
	r.RegisterInterest("a1", TagFilter{}) // catch-all, but a1 is the source
	d := r.Route(Insight{SourceAgentID: "a1", Tags: []string{"file"}}, []string{"a1"})
	assert.Empty(t, d.Recipients)
	assert.True(t, d.Orphan)
}

func TestRouteBlockerAlwaysCopiesCoordinator(t *testing.T) {
	r := New()
	r.RegisterInterest("a2", TagFilter{})
	d := r.Route(Insight{SourceAgentID: "a1", Tags: []string{"blocker"}}, []string{"a1", "a2"})
	assert.True(t, d.ToCoordinator)
	assert.Contains(t, d.Recipients, "a2")
}

func TestRouteQuestionWithNoMatchEscalates(t *testing.T) {
	r := New()
	r.RegisterInterest("a2", TagFilter{Any: []string{"ui"}})
	d := r.Route(Insight{SourceAgentID: "a1", Tags: []string{"question", "auth"}}, []string{"a1", "a2"})
	assert.Empty(t, d.Recipients)
	assert.True(t, d.Escalate)
	assert.False(t, d.Orphan, "an unmatched question escalates, it does not orphan")
}

func TestRoutePatternGoesToAllActiveExceptSource(t *testing.T) {
	r := New()
	d := r.Route(Insight{SourceAgentID: "a1", Tags: []string{"pattern"}}, []string{"a1", "a2", "a3"})
	assert.ElementsMatch(t, []string{"a2", "a3"}, d.Recipients)
	assert.False(t, d.Orphan)
}

func TestRouteNoMatchOrphans(t *testing.T) {
	r := New()
	d := r.Route(Insight{SourceAgentID: "a1", Tags: []string{"file"}}, []string{"a1"})
	assert.True(t, d.Orphan)
}

func TestUnregisterRemovesInterest(t *testing.T) {
	r := New()
	r.RegisterInterest("a2", TagFilter{})
	r.Unregister("a2")
	d := r.Route(Insight{SourceAgentID: "a1", Tags: []string{"file"}}, []string{"a1", "a2"})
	assert.Empty(t, d.Recipients)
	assert.True(t, d.Orphan)
}
