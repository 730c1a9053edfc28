package models

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jinzhu/inflection"
)

// EntityType is the closed set of knowledge-base entity kinds.
type EntityType string

const (
	EntityTypeTool          EntityType = "tool"
	EntityTypeVulnerability EntityType = "vulnerability"
	EntityTypeTechnique     EntityType = "technique"
	EntityTypeTactic        EntityType = "tactic"
	EntityTypeActor         EntityType = "actor"
	EntityTypePayload       EntityType = "payload"
	EntityTypeMalware       EntityType = "malware"
	EntityTypeMitigation    EntityType = "mitigation"
	EntityTypeCampaign      EntityType = "campaign"
	EntityTypeDataSource    EntityType = "data_source"
	EntityTypeIndicator     EntityType = "indicator"
	EntityTypeOther         EntityType = "other"
)

var knownEntityTypes = map[EntityType]bool{
	EntityTypeTool:          true,
	EntityTypeVulnerability: true,
	EntityTypeTechnique:     true,
	EntityTypeTactic:        true,
	EntityTypeActor:         true,
	EntityTypePayload:       true,
	EntityTypeMalware:       true,
	EntityTypeMitigation:    true,
	EntityTypeCampaign:      true,
	EntityTypeDataSource:    true,
	EntityTypeIndicator:     true,
	EntityTypeOther:         true,
}

// Vocabulary used by feeds for the same kinds (STIX object types, plural forms).
var entityTypeSynonyms = map[string]EntityType{
	"attack_pattern":      EntityTypeTechnique,
	"sub_technique":       EntityTypeTechnique,
	"subtechnique":        EntityTypeTechnique,
	"course_of_action":    EntityTypeMitigation,
	"x_mitre_tactic":      EntityTypeTactic,
	"x_mitre_data_source": EntityTypeDataSource,
	"intrusion_set":       EntityTypeActor,
	"threat_actor":        EntityTypeActor,
	"group":               EntityTypeActor,
	"cve":                 EntityTypeVulnerability,
	"exploit":             EntityTypePayload,
	"software":            EntityTypeTool,
	"ioc":                 EntityTypeIndicator,
	"datasource":          EntityTypeDataSource,
}

// ParseEntityType maps a free-form type tag onto the closed set.
// Unknown tags map to EntityTypeOther; the empty string stays empty so
// callers can infer a type from the name.
func ParseEntityType(raw string) EntityType {
	tag := strings.TrimSpace(strings.ToLower(raw))
	if tag == "" {
		return ""
	}
	tag = strings.NewReplacer("-", "_", " ", "_").Replace(tag)

	if t := EntityType(tag); knownEntityTypes[t] {
		return t
	}
	if t, ok := entityTypeSynonyms[tag]; ok {
		return t
	}
	singular := inflection.Singular(tag)
	if t := EntityType(singular); knownEntityTypes[t] {
		return t
	}
	if t, ok := entityTypeSynonyms[singular]; ok {
		return t
	}
	return EntityTypeOther
}

// IsValid reports whether t is one of the closed-set types.
func (t EntityType) IsValid() bool {
	return knownEntityTypes[t]
}

var (
	cvePattern    = regexp.MustCompile(`(?i)^cve-\d{4}-\d{4,}$`)
	attackPattern = regexp.MustCompile(`(?i)^t\d{4}(\.\d{3})?$`)
	tacticPattern = regexp.MustCompile(`(?i)^ta\d{4}$`)
	groupPattern  = regexp.MustCompile(`(?i)^g\d{4}$`)
	mitigPattern  = regexp.MustCompile(`(?i)^m\d{4}$`)
	softPattern   = regexp.MustCompile(`(?i)^s\d{4}$`)
)

// InferEntityType guesses a type from a well-known identifier format.
// Returns the empty string if the name carries no signal.
func InferEntityType(name string) EntityType {
	n := strings.TrimSpace(name)
	switch {
	case cvePattern.MatchString(n):
		return EntityTypeVulnerability
	case attackPattern.MatchString(n):
		return EntityTypeTechnique
	case tacticPattern.MatchString(n):
		return EntityTypeTactic
	case groupPattern.MatchString(n):
		return EntityTypeActor
	case mitigPattern.MatchString(n):
		return EntityTypeMitigation
	case softPattern.MatchString(n):
		return EntityTypeTool
	}
	return ""
}

// IsWellKnownIdentifier reports whether name is a CVE or ATT&CK identifier.
func IsWellKnownIdentifier(name string) bool {
	return InferEntityType(name) != ""
}

// NormalizeName folds a name into its comparison form: lower case,
// punctuation other than identifier separators dropped, whitespace collapsed.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '-', r == '.', r == '_', r == '/', r == ':', r == '+', r == '#':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Entity is a canonical node in the knowledge graph.
// Stored in kb_entities; aliases in kb_entity_aliases.
type Entity struct {
	ID             uuid.UUID      `json:"id"`
	Type           EntityType     `json:"type"`
	CanonicalName  string         `json:"canonical_name"`
	NormalizedName string         `json:"normalized_name"`
	ResolutionKey  *string        `json:"resolution_key,omitempty"` // nil for type other
	ExternalID     *string        `json:"external_id,omitempty"`    // CVE or ATT&CK id
	Description    string         `json:"description,omitempty"`
	Properties     map[string]any `json:"properties,omitempty"`
	MergedInto     *uuid.UUID     `json:"merged_into,omitempty"`
	Aliases        []string       `json:"aliases,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsMerged reports whether the entity has been folded into another.
func (e *Entity) IsMerged() bool {
	return e.MergedInto != nil
}

// EntityAlias is an alternative surface form for an entity.
type EntityAlias struct {
	EntityID        uuid.UUID `json:"entity_id"`
	Alias           string    `json:"alias"`
	NormalizedAlias string    `json:"normalized_alias"`
	SourceID        string    `json:"source_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Descriptor is an unresolved reference to an entity as it appears in a record.
type Descriptor struct {
	Name        string     `json:"name"`
	Type        EntityType `json:"type,omitempty"`
	ExternalID  string     `json:"external_id,omitempty"`
	Description string     `json:"description,omitempty"`
	Aliases     []string   `json:"aliases,omitempty"`
}

// NormalizedName returns the comparison form of the descriptor name.
func (d Descriptor) NormalizedName() string {
	return NormalizeName(d.Name)
}

// ResolutionKey returns the deterministic identity key used for
// insert-or-adopt, or "" when the type has no deterministic key.
func (d Descriptor) ResolutionKey() string {
	if d.ExternalID != "" {
		return "ext:" + strings.ToLower(strings.TrimSpace(d.ExternalID))
	}
	if d.Type == "" || d.Type == EntityTypeOther {
		return ""
	}
	return string(d.Type) + ":" + d.NormalizedName()
}

// LockKey is the advisory lock key serializing creation of this descriptor.
func (d Descriptor) LockKey() string {
	return EntityNameLockKey(d.Type, d.NormalizedName())
}

// EntityNameLockKey builds the lock key for a (type, normalized name) pair.
func EntityNameLockKey(t EntityType, normalized string) string {
	return "entity-name:" + string(t) + ":" + normalized
}

// EntityIDLockKey builds the lock key for an existing entity.
func EntityIDLockKey(id uuid.UUID) string {
	return "entity-id:" + id.String()
}

// Text is the string sent to the similarity service for this descriptor.
func (d Descriptor) Text() string {
	if d.Description == "" {
		return d.Name
	}
	return d.Name + ": " + d.Description
}
