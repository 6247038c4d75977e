package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadgrid/harvester/pkg/db/models"
)

func TestFilterDropsNoise(t *testing.T) {
	f, err := NewFilter(testAnalysisConfig(t))
	require.NoError(t, err)

	out := f.Apply("cats", []models.Comment{
		{UserID: "u1", ReplyContent: "where can I get one of these"},
		{UserID: "u2", ReplyContent: "lol"},                          // too short
		{UserID: "u3", ReplyContent: "check out BIT.LY/deal now!!"},  // banned, case-insensitive
		{UserID: "u1", ReplyContent: "where can I get one of these"}, // dup
	})

	require.Len(t, out, 1)
	assert.Equal(t, "u1", out[0].UserID)
	assert.Equal(t, "cats", out[0].Keyword)
}

func TestFilterLengthBounds(t *testing.T) {
	cfg := testAnalysisConfig(t)
	cfg.MaxCommentLength = 10

	f, err := NewFilter(cfg)
	require.NoError(t, err)

	out := f.Apply("cats", []models.Comment{
		{UserID: "u1", ReplyContent: "just right"},
		{UserID: "u2", ReplyContent: "this one is definitely far too long"},
	})

	require.Len(t, out, 1)
	assert.Equal(t, "u1", out[0].UserID)
}
