package prescription

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusDraft, StatusSigned}:     true,
		{StatusDraft, StatusCancelled}:  true,
		{StatusSigned, StatusPrinted}:   true,
		{StatusSigned, StatusSent}:      true,
		{StatusSigned, StatusCancelled}: true,
		{StatusPrinted, StatusSent}:     true,
	}

	for _, from := range Statuses {
		for _, to := range Statuses {
			want := allowed[[2]Status{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestParseStatus(t *testing.T) {
	st, ok := ParseStatus(" signed ")
	assert.True(t, ok)
	assert.Equal(t, StatusSigned, st)

	_, ok = ParseStatus("ARCHIVED")
	assert.False(t, ok)
}

func TestStatusPredicates(t *testing.T) {
	assert.False(t, StatusDraft.Signed())
	assert.True(t, StatusPrinted.Signed())
	assert.True(t, StatusSent.Signed())
	assert.False(t, StatusCancelled.Signed())

	assert.True(t, StatusSigned.Sendable())
	assert.True(t, StatusPrinted.Sendable())
	assert.False(t, StatusSent.Sendable())
	assert.False(t, StatusDraft.Sendable())
}
