package core_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/domain/core"
)

func TestNewCell_Defaults(t *testing.T) {
	cell, err := core.NewCell("The server IP is 192.168.1.1", "agent-a")
	require.NoError(t, err)

	assert.Equal(t, core.TypeSemantic, cell.Type)
	assert.Equal(t, core.ClassPublic, cell.Classification)
	assert.Equal(t, core.UrgencyReference, cell.Urgency)
	assert.InDelta(t, 0.7, cell.Confidence, 1e-9)
	assert.NotEmpty(t, cell.ID)
	assert.NotEmpty(t, cell.ContentHash)
	assert.False(t, cell.Deleted)
}

func TestNewCell_RejectsEmpty(t *testing.T) {
	_, err := core.NewCell("", "agent-a")
	assert.Error(t, err)

	_, err = core.NewCell("text", "")
	assert.Error(t, err)
}

func TestAdjustConfidence_ClampsAtFloor(t *testing.T) {
	cell, err := core.NewCell("some fact", "agent-a")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		cell.AdjustConfidence(-0.1)
	}
	assert.InDelta(t, 0.1, cell.Confidence, 1e-9)

	cell.AdjustConfidence(2.0)
	assert.InDelta(t, 1.0, cell.Confidence, 1e-9)
}

func TestContentHash_NormalizesCaseAndSpace(t *testing.T) {
	a := core.ContentHash("  Paris is the capital of France ")
	b := core.ContentHash("paris is the capital of france")
	assert.Equal(t, a, b)
}

func TestDeterministicID_StableAndUUIDShaped(t *testing.T) {
	a := core.SharedBlockID("team-goals")
	b := core.SharedBlockID("team-goals")
	c := core.SharedBlockID("team-goals-2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	parts := strings.Split(a, "-")
	require.Len(t, parts, 5)
	assert.Len(t, parts[0], 8)
	assert.Len(t, parts[4], 12)
}

func TestLinkTo_IdempotentAndNoSelfLink(t *testing.T) {
	cell, err := core.NewCell("linked fact", "agent-a")
	require.NoError(t, err)

	assert.True(t, cell.LinkTo("peer-1"))
	assert.False(t, cell.LinkTo("peer-1"))
	assert.False(t, cell.LinkTo(cell.ID))
	assert.Equal(t, []string{"peer-1"}, cell.LinkedMemories)
}

func TestEncodeDecodePayload_RoundTripSuperset(t *testing.T) {
	cell, err := core.NewCell("postgres runs on port 5432", "agent-a")
	require.NoError(t, err)
	cell.Tags = []string{"technical"}
	cell.RecordAccess(time.Now().UTC())
	cell.SetMeta("source", "conversation")

	payload := core.EncodePayload(cell)
	got := core.DecodePayload(cell.ID, payload)

	assert.Equal(t, cell.Content, got.Content)
	assert.Equal(t, cell.Type, got.Type)
	assert.Equal(t, cell.AgentID, got.AgentID)
	assert.Equal(t, cell.AccessCount, got.AccessCount)
	assert.Equal(t, "conversation", got.Metadata["source"])
	assert.Len(t, got.AccessTimes, 1)
}

func TestDecodePayload_UnknownKeysLandInMetadata(t *testing.T) {
	got := core.DecodePayload("id-1", map[string]any{
		"content":     "fact",
		"agent_id":    "agent-a",
		"memory_type": "episodic",
		"backend_ttl": float64(42),
	})

	assert.Equal(t, core.TypeEpisodic, got.Type)
	assert.Equal(t, float64(42), got.Metadata["backend_ttl"])
}

func TestBroadcastPreview_Bounded(t *testing.T) {
	cell, err := core.NewCell(strings.Repeat("x", 500), "agent-a")
	require.NoError(t, err)

	msg := core.NewBroadcast(cell, core.EventNewMemory)
	assert.LessOrEqual(t, len(msg.Preview), 80)
	assert.Equal(t, core.EventNewMemory, msg.Event)
}

func TestPermanentTypes(t *testing.T) {
	assert.True(t, core.TypeCore.Permanent())
	assert.True(t, core.TypeProcedural.Permanent())
	assert.False(t, core.TypeEpisodic.Permanent())
}
