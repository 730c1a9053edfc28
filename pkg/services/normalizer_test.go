package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

func TestNormalizePredicate(t *testing.T) {
	tests := map[string]string{
		"uses":                  "uses",
		"exploitedInTheWild":    "exploited_in_the_wild",
		"Exploited in the wild": "exploited_in_the_wild",
		"exploited-in-the-wild": "exploited_in_the_wild",
		"  SUBTECHNIQUE_OF  ":   "subtechnique_of",
		"attributed--to":        "attributed_to",
		"cvss3Score":            "cvss3_score",
		"":                      "",
		"___":                   "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePredicate(in), "input %q", in)
	}
}

func newTestNormalizer(t *testing.T) (*testKB, Normalizer) {
	kb := newTestKB(t)
	kb.declare(t, models.SourceKindStructured, "feed")
	kb.declare(t, models.SourceKindExtracted, "llm")
	return kb, kb.normalizer
}

func TestNormalize_Defaults(t *testing.T) {
	ctx := context.Background()
	_, n := newTestNormalizer(t)

	structured := fact("feed", "CVE-2023-4966", "exploitedBy", "LockBit", nil)
	got, err := n.Normalize(ctx, &structured)
	require.NoError(t, err)
	assert.Equal(t, models.RecordKindStructured, got.Kind)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, "exploited_by", got.Predicate)
	assert.Equal(t, models.EntityTypeVulnerability, got.Subject.Type)
	assert.Equal(t, "CVE-2023-4966", got.Subject.ExternalID)
	// exploited_by is not a graph predicate, so the object stays a literal.
	assert.Equal(t, models.ObjectKindLiteral, got.ObjectKind)
	assert.Equal(t, "LockBit", got.ObjectLiteral)

	extracted := fact("llm", "FIN7", "uses", "Carbanak", nil)
	got, err = n.Normalize(ctx, &extracted)
	require.NoError(t, err)
	assert.Equal(t, models.RecordKindExtracted, got.Kind)
	assert.Zero(t, got.Confidence)
	assert.Equal(t, models.ObjectKindEntity, got.ObjectKind)
	require.NotNil(t, got.Object)
	assert.Equal(t, "Carbanak", got.Object.Name)
	assert.Equal(t, models.EntityTypeOther, got.Object.Type)
}

func TestNormalize_FlexibleFields(t *testing.T) {
	ctx := context.Background()
	_, n := newTestNormalizer(t)

	rec := models.RawRecord{
		SourceID:   "llm",
		Subject:    json.RawMessage(`{"name":" T1059.001 ","aliases":["PowerShell"," ","t1059.001"]}`),
		Predicate:  "subtechnique of",
		Object:     json.RawMessage(`{"name":"Command and Scripting Interpreter","type":"techniques"}`),
		Confidence: json.RawMessage(`"0.7"`),
		ObservedAt: json.RawMessage(`"2024-04-12T10:00:00+02:00"`),
	}
	got, err := n.Normalize(ctx, &rec)
	require.NoError(t, err)
	assert.Equal(t, "T1059.001", got.Subject.Name)
	assert.Equal(t, models.EntityTypeTechnique, got.Subject.Type)
	assert.Equal(t, []string{"PowerShell"}, got.Subject.Aliases)
	assert.Equal(t, models.EntityTypeTechnique, got.Object.Type)
	assert.InDelta(t, 0.7, got.Confidence, 1e-9)
	require.NotNil(t, got.ObservedAt)
	assert.True(t, got.ObservedAt.Equal(time.Date(2024, 4, 12, 8, 0, 0, 0, time.UTC)))

	rec.Confidence = json.RawMessage(`7.5`)
	got, err = n.Normalize(ctx, &rec)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestNormalize_Malformed(t *testing.T) {
	ctx := context.Background()
	_, n := newTestNormalizer(t)

	valid := func() models.RawRecord { return fact("feed", "APT41", "uses", "ShadowPad", nil) }

	tests := []struct {
		name   string
		mutate func(*models.RawRecord)
		field  string
	}{
		{"empty source", func(r *models.RawRecord) { r.SourceID = "" }, "source_id"},
		{"empty predicate", func(r *models.RawRecord) { r.Predicate = " - " }, "predicate"},
		{"empty subject", func(r *models.RawRecord) { r.Subject = rawJSON("   ") }, "subject"},
		{"missing object", func(r *models.RawRecord) { r.Object = nil }, "object"},
		{"unknown kind", func(r *models.RawRecord) { r.Kind = "rumor" }, "kind"},
		{"confidence not a number", func(r *models.RawRecord) { r.Confidence = rawJSON("high") }, "confidence"},
		{"bad timestamp", func(r *models.RawRecord) { r.ObservedAt = rawJSON("last tuesday") }, "observed_at"},
		{"literal relationship", func(r *models.RawRecord) { r.ObjectLiteral = true }, "object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := valid()
			tt.mutate(&rec)
			_, err := n.Normalize(ctx, &rec)
			require.Error(t, err)
			assert.True(t, apperrors.IsMalformed(err))

			var mre *apperrors.MalformedRecordError
			require.True(t, errors.As(err, &mre))
			assert.Equal(t, tt.field, mre.Field)
		})
	}

	unknown := fact("ghost", "APT41", "uses", "ShadowPad", nil)
	_, err := n.Normalize(ctx, &unknown)
	assert.ErrorIs(t, err, apperrors.ErrUnknownSource)
	assert.ErrorIs(t, err, apperrors.ErrMalformedRecord)
}

func TestNormalize_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	_, n := newTestNormalizer(t)

	key := func(rec models.RawRecord) string {
		t.Helper()
		got, err := n.Normalize(ctx, &rec)
		require.NoError(t, err)
		return got.IdempotencyKey
	}

	base := key(fact("feed", "APT41", "uses", "ShadowPad", nil))
	assert.Equal(t, base, key(fact("feed", " apt41 ", "Uses", "shadowpad", nil)))
	assert.Equal(t, base, key(fact("feed", "APT41", "uses", "ShadowPad", 0.2)))
	assert.NotEqual(t, base, key(fact("llm", "APT41", "uses", "ShadowPad", nil)))
	assert.NotEqual(t, base, key(fact("feed", "APT41", "uses", "PlugX", nil)))

	observed := fact("feed", "APT41", "uses", "ShadowPad", nil)
	observed.ObservedAt = rawJSON("2024-01-01T00:00:00Z")
	assert.NotEqual(t, base, key(observed))

	supplied := fact("feed", "APT41", "uses", "ShadowPad", nil)
	supplied.IdempotencyKey = "  feed-msg-7781 "
	assert.Equal(t, "feed-msg-7781", key(supplied))
}

func TestNormalizeEvent(t *testing.T) {
	ctx := context.Background()
	_, n := newTestNormalizer(t)

	start := time.Date(2024, 3, 29, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))
	raw := &models.RawEvent{
		SourceID:  "feed",
		EventType: "Disclosure",
		StartTime: start,
		Participants: []models.RawParticipant{
			{Entity: models.Descriptor{Name: "CVE-2024-3094"}},
			{Entity: models.Descriptor{Name: "Jia Tan"}, Role: "Actor"},
		},
	}
	got, err := n.NormalizeEvent(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeDisclosure, got.EventType)
	assert.Equal(t, time.UTC, got.StartTime.Location())
	assert.Equal(t, models.RoleTarget, got.Participants[0].Role)
	assert.Equal(t, models.RoleActor, got.Participants[1].Role)
	assert.Equal(t, models.EntityTypeVulnerability, got.Participants[0].Entity.Type)
	assert.NotEmpty(t, got.IdempotencyKey)

	// Participant order does not change the key.
	swapped := *raw
	swapped.Participants = []models.RawParticipant{raw.Participants[1], raw.Participants[0]}
	again, err := n.NormalizeEvent(ctx, &swapped)
	require.NoError(t, err)
	assert.Equal(t, got.IdempotencyKey, again.IdempotencyKey)

	before := start.Add(-time.Hour)
	bad := *raw
	bad.EndTime = &before
	_, err = n.NormalizeEvent(ctx, &bad)
	assert.True(t, apperrors.IsMalformed(err))

	empty := *raw
	empty.Participants = nil
	_, err = n.NormalizeEvent(ctx, &empty)
	assert.True(t, apperrors.IsMalformed(err))
}
