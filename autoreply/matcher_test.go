package autoreply

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/egor/ecochatserver/models"
)

func ids(ts []models.Template) []int64 {
	out := make([]int64, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}

func TestMatcher_OrderStatusScenario(t *testing.T) {
	m := NewMatcher([]models.Template{
		{ID: 3, Title: "Refunds", Keywords: []string{"refund"}},
		{ID: 1, Title: "Order status", Keywords: []string{"order", "status"}},
	})

	got := m.Match("Hi, what's my ORDER status?")
	assert.Equal(t, []int64{1}, ids(got))
}

func TestMatcher_OrderedByID(t *testing.T) {
	m := NewMatcher([]models.Template{
		{ID: 9, Keywords: []string{"ship"}},
		{ID: 2, Keywords: []string{"order"}},
		{ID: 5, Keywords: []string{"late"}},
	})
	assert.Equal(t, []int64{2, 5, 9}, ids(m.Match("my order shipped late")))
}

func TestMatcher_SubstringMatch(t *testing.T) {
	m := NewMatcher([]models.Template{{ID: 1, Keywords: []string{"ship"}}})
	assert.Len(t, m.Match("When does it get SHIPPED?"), 1)
}

func TestMatcher_NoMatchIsEmpty(t *testing.T) {
	m := NewMatcher([]models.Template{{ID: 1, Keywords: []string{"refund"}}})
	got := m.Match("hello there")
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Empty(t, m.Match("   "))
}

func TestMatcher_IgnoresBlankKeywords(t *testing.T) {
	m := NewMatcher([]models.Template{{ID: 1, Keywords: []string{"", "  "}}})
	assert.Empty(t, m.Match("anything"))
}

func TestMatcher_NilIsSafe(t *testing.T) {
	var m *Matcher
	assert.Empty(t, m.Match("order"))
	assert.Zero(t, m.Len())
}
