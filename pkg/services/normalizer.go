package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

// Normalizer turns loosely typed wire records into validated facts.
// It has no side effects beyond reading the source catalog.
type Normalizer interface {
	// Normalize validates a record. Failures are *apperrors.MalformedRecordError.
	Normalize(ctx context.Context, raw *models.RawRecord) (*models.CandidateFact, error)
	// NormalizeEvent validates a feed event and fills in its idempotency key.
	NormalizeEvent(ctx context.Context, raw *models.RawEvent) (*models.RawEvent, error)
}

type normalizer struct {
	sources SourceCatalog
	rules   *models.OntologyRules
	logger  *zap.Logger
}

var _ Normalizer = (*normalizer)(nil)

// NewNormalizer creates a Normalizer that checks sources against catalog.
func NewNormalizer(catalog SourceCatalog, rules *models.OntologyRules, logger *zap.Logger) Normalizer {
	return &normalizer{
		sources: catalog,
		rules:   rules,
		logger:  logger.Named("normalizer"),
	}
}

func (n *normalizer) Normalize(ctx context.Context, raw *models.RawRecord) (*models.CandidateFact, error) {
	if raw == nil {
		return nil, apperrors.NewMalformed("", "", "empty record")
	}
	sourceID := strings.TrimSpace(raw.SourceID)

	src, err := n.checkSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	kind, err := recordKind(raw.Kind, src)
	if err != nil {
		return nil, apperrors.NewMalformed(sourceID, "kind", err.Error())
	}

	fact := &models.CandidateFact{
		Kind:          kind,
		SourceID:      sourceID,
		SourceTextRef: strings.TrimSpace(raw.SourceTextRef),
	}

	fact.Predicate = NormalizePredicate(raw.Predicate)
	if fact.Predicate == "" {
		return nil, apperrors.NewMalformed(sourceID, "predicate", "is empty")
	}

	subject, err := decodeDescriptor(raw.Subject)
	if err != nil {
		return nil, apperrors.NewMalformed(sourceID, "subject", err.Error())
	}
	fact.Subject = subject

	if err := n.normalizeObject(raw, fact); err != nil {
		return nil, err
	}

	confidence, present, err := jsonutil.FlexibleFloat(raw.Confidence)
	if err != nil {
		return nil, apperrors.NewMalformed(sourceID, "confidence", err.Error())
	}
	if math.IsNaN(confidence) || math.IsInf(confidence, 0) {
		return nil, apperrors.NewMalformed(sourceID, "confidence", "is not a finite number")
	}
	if !present {
		confidence = defaultConfidence(kind)
	}
	fact.Confidence = clamp01(confidence)

	observedAt, err := jsonutil.FlexibleTime(raw.ObservedAt)
	if err != nil {
		return nil, apperrors.NewMalformed(sourceID, "observed_at", err.Error())
	}
	fact.ObservedAt = observedAt

	fact.IdempotencyKey = strings.TrimSpace(raw.IdempotencyKey)
	if fact.IdempotencyKey == "" {
		fact.IdempotencyKey = FactIdempotencyKey(fact)
	}
	return fact, nil
}

func (n *normalizer) normalizeObject(raw *models.RawRecord, fact *models.CandidateFact) error {
	if raw.ObjectLiteral {
		literal := strings.TrimSpace(jsonutil.FlexibleStringValue(raw.Object))
		if literal == "" {
			return apperrors.NewMalformed(fact.SourceID, "object", "is empty")
		}
		if n.rules.IsRelationship(fact.Predicate) {
			return apperrors.NewMalformed(fact.SourceID, "object", fmt.Sprintf("predicate %q requires an entity object", fact.Predicate))
		}
		fact.ObjectKind = models.ObjectKindLiteral
		fact.ObjectLiteral = literal
		return nil
	}

	object, err := decodeDescriptor(raw.Object)
	if err != nil {
		return apperrors.NewMalformed(fact.SourceID, "object", err.Error())
	}

	if n.rules.IsRelationship(fact.Predicate) {
		fact.ObjectKind = models.ObjectKindEntity
		fact.Object = &object
		return nil
	}

	// Attribute predicates carry the value, never a graph link.
	fact.ObjectKind = models.ObjectKindLiteral
	fact.ObjectLiteral = object.Name
	return nil
}

func (n *normalizer) NormalizeEvent(ctx context.Context, raw *models.RawEvent) (*models.RawEvent, error) {
	if raw == nil {
		return nil, apperrors.NewMalformed("", "", "empty event")
	}
	sourceID := strings.TrimSpace(raw.SourceID)
	if _, err := n.checkSource(ctx, sourceID); err != nil {
		return nil, err
	}

	out := &models.RawEvent{
		SourceID:       sourceID,
		EventType:      NormalizePredicate(raw.EventType),
		IdempotencyKey: strings.TrimSpace(raw.IdempotencyKey),
	}
	if out.EventType == "" {
		return nil, apperrors.NewMalformed(sourceID, "event_type", "is empty")
	}
	if raw.StartTime.IsZero() {
		return nil, apperrors.NewMalformed(sourceID, "start_time", "is missing")
	}
	out.StartTime = raw.StartTime.UTC()
	if raw.EndTime != nil {
		if raw.EndTime.Before(raw.StartTime) {
			return nil, apperrors.NewMalformed(sourceID, "end_time", "precedes start_time")
		}
		end := raw.EndTime.UTC()
		out.EndTime = &end
	}
	if len(raw.Participants) == 0 {
		return nil, apperrors.NewMalformed(sourceID, "participants", "is empty")
	}

	for i, p := range raw.Participants {
		d, err := normalizeDescriptor(p.Entity)
		if err != nil {
			return nil, apperrors.NewMalformed(sourceID, fmt.Sprintf("participants[%d]", i), err.Error())
		}
		role := strings.ToLower(strings.TrimSpace(p.Role))
		if role == "" {
			role = models.RoleTarget
		}
		out.Participants = append(out.Participants, models.RawParticipant{Entity: d, Role: role})
	}

	if out.IdempotencyKey == "" {
		out.IdempotencyKey = EventIdempotencyKey(out)
	}
	return out, nil
}

func (n *normalizer) checkSource(ctx context.Context, sourceID string) (*models.Source, error) {
	if sourceID == "" {
		return nil, apperrors.NewMalformed("", "source_id", "is empty")
	}
	src, err := n.sources.Get(ctx, sourceID)
	if err != nil {
		return nil, apperrors.NewRetryable("source lookup", err)
	}
	if src == nil {
		return nil, &apperrors.MalformedRecordError{
			SourceID: sourceID,
			Field:    "source_id",
			Reason:   "is not a registered source",
			Cause:    apperrors.ErrUnknownSource,
		}
	}
	return src, nil
}

func recordKind(kind string, src *models.Source) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "":
		if src.Kind == models.SourceKindStructured {
			return models.RecordKindStructured, nil
		}
		return models.RecordKindExtracted, nil
	case models.RecordKindStructured:
		return models.RecordKindStructured, nil
	case models.RecordKindExtracted:
		return models.RecordKindExtracted, nil
	}
	return "", fmt.Errorf("unknown kind %q", kind)
}

// Curated feeds are trusted unless they say otherwise; model output
// without a score always goes to review.
func defaultConfidence(kind string) float64 {
	if kind == models.RecordKindStructured {
		return 1.0
	}
	return 0.0
}

func decodeDescriptor(raw []byte) (models.Descriptor, error) {
	var d models.Descriptor
	name, isObject, err := jsonutil.DecodeStringOrObject(raw, &d)
	if err != nil {
		return models.Descriptor{}, err
	}
	if !isObject {
		d = models.Descriptor{Name: name}
	}
	return normalizeDescriptor(d)
}

// normalizeDescriptor trims names, settles the entity type and lifts
// well-known identifiers into ExternalID.
func normalizeDescriptor(d models.Descriptor) (models.Descriptor, error) {
	d.Name = strings.TrimSpace(d.Name)
	d.ExternalID = strings.TrimSpace(d.ExternalID)
	d.Description = strings.TrimSpace(d.Description)
	if d.Name == "" {
		d.Name = d.ExternalID
	}
	if d.Name == "" || models.NormalizeName(d.Name) == "" {
		return models.Descriptor{}, errors.New("is empty")
	}

	d.Type = models.ParseEntityType(string(d.Type))
	if d.Type == "" {
		d.Type = models.InferEntityType(d.Name)
	}
	if d.Type == "" && d.ExternalID != "" {
		d.Type = models.InferEntityType(d.ExternalID)
	}
	if d.Type == "" {
		d.Type = models.EntityTypeOther
	}

	if d.ExternalID == "" && models.IsWellKnownIdentifier(d.Name) {
		d.ExternalID = strings.ToUpper(d.Name)
	}

	aliases := d.Aliases[:0:0]
	for _, a := range d.Aliases {
		if a = strings.TrimSpace(a); a != "" && models.NormalizeName(a) != d.NormalizedName() {
			aliases = append(aliases, a)
		}
	}
	d.Aliases = aliases
	return d, nil
}

// NormalizePredicate lowercases a predicate and converts it to snake_case.
// "exploitedInTheWild", "Exploited in the wild" and "exploited-in-the-wild"
// all become "exploited_in_the_wild".
func NormalizePredicate(p string) string {
	var b strings.Builder
	var prev rune
	for i, r := range strings.TrimSpace(p) {
		switch {
		case unicode.IsUpper(r):
			if i > 0 && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		prev = r
	}

	parts := strings.FieldsFunc(b.String(), func(r rune) bool { return r == '_' })
	return strings.Join(parts, "_")
}

// descriptorIdentity is the stable form of a descriptor used in idempotency keys.
func descriptorIdentity(d models.Descriptor) string {
	if key := d.ResolutionKey(); key != "" {
		return key
	}
	return string(d.Type) + ":" + d.NormalizedName()
}

// FactIdempotencyKey derives the key that makes repeated delivery of the
// same fact collapse into one assertion.
func FactIdempotencyKey(f *models.CandidateFact) string {
	object := "lit:" + f.ObjectLiteral
	if f.ObjectKind == models.ObjectKindEntity && f.Object != nil {
		object = descriptorIdentity(*f.Object)
	}
	observed := ""
	if f.ObservedAt != nil {
		observed = f.ObservedAt.UTC().Format(time.RFC3339Nano)
	}
	return hashKey(f.SourceID, descriptorIdentity(f.Subject), f.Predicate, object, observed)
}

// EventIdempotencyKey derives the key of a feed event from its content.
func EventIdempotencyKey(e *models.RawEvent) string {
	end := ""
	if e.EndTime != nil {
		end = e.EndTime.UTC().Format(time.RFC3339Nano)
	}
	participants := make([]string, 0, len(e.Participants))
	for _, p := range e.Participants {
		participants = append(participants, p.Role+"="+descriptorIdentity(p.Entity))
	}
	sort.Strings(participants)
	return hashKey(append([]string{e.SourceID, e.EventType, e.StartTime.UTC().Format(time.RFC3339Nano), end}, participants...)...)
}

func hashKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
