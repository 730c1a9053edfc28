// Package stix converts STIX 2.1 bundles (MITRE ATT&CK and similar feeds)
// into ingestion batches of structured facts.
package stix

import (
	"fmt"
	"io"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultSourceID is used when the caller does not name the feed.
const DefaultSourceID = "mitre_attack"

// Predicates emitted by the converter that do not come from relationship objects.
const (
	PredicateStixID          = "stix_id"
	PredicateBelongsToTactic = "belongs_to_tactic"
	PredicateDetects         = "detects"
)

// Object is the subset of STIX object fields the converter reads.
type Object struct {
	Type               string              `json:"type"`
	ID                 string              `json:"id"`
	Name               string              `json:"name"`
	Description        string              `json:"description"`
	Aliases            []string            `json:"aliases"`
	XMitreAliases      []string            `json:"x_mitre_aliases"`
	ExternalReferences []ExternalReference `json:"external_references"`
	KillChainPhases    []KillChainPhase    `json:"kill_chain_phases"`
	Revoked            bool                `json:"revoked"`
	Deprecated         bool                `json:"x_mitre_deprecated"`
	Shortname          string              `json:"x_mitre_shortname"`
	DataSources        []string            `json:"x_mitre_data_sources"`
	IsSubtechnique     bool                `json:"x_mitre_is_subtechnique"`

	RelationshipType string `json:"relationship_type"`
	SourceRef        string `json:"source_ref"`
	TargetRef        string `json:"target_ref"`
}

type ExternalReference struct {
	SourceName string `json:"source_name"`
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
}

type KillChainPhase struct {
	KillChainName string `json:"kill_chain_name"`
	PhaseName     string `json:"phase_name"`
}

// Bundle is a STIX bundle.
type Bundle struct {
	Type    string   `json:"type"`
	ID      string   `json:"id"`
	Objects []Object `json:"objects"`
}

// Result is a converted bundle.
type Result struct {
	Batch *models.IngestionBatch
	// Skipped counts ignored objects by reason.
	Skipped map[string]int
}

var entityTypes = map[string]models.EntityType{
	"attack-pattern":      models.EntityTypeTechnique,
	"course-of-action":    models.EntityTypeMitigation,
	"x-mitre-tactic":      models.EntityTypeTactic,
	"x-mitre-data-source": models.EntityTypeDataSource,
	"intrusion-set":       models.EntityTypeActor,
	"threat-actor":        models.EntityTypeActor,
	"campaign":            models.EntityTypeCampaign,
	"tool":                models.EntityTypeTool,
	"malware":             models.EntityTypeMalware,
	"vulnerability":       models.EntityTypeVulnerability,
	"indicator":           models.EntityTypeIndicator,
}

var relationshipPredicates = map[string]string{
	"uses":            "uses",
	"mitigates":       "mitigates",
	"subtechnique-of": "subtechnique_of",
	"targets":         "targets",
	"attributed-to":   "attributed_to",
	"detects":         "detects",
	"indicates":       "indicates",
	"exploits":        "exploits",
	"delivers":        "delivers",
	"variant-of":      "variant_of",
	"related-to":      "related_to",
}

// Reference sources that carry a usable external id.
var idSources = map[string]bool{
	"mitre-attack":        true,
	"mitre-mobile-attack": true,
	"mitre-ics-attack":    true,
	"cve":                 true,
}

// Decode reads a bundle.
func Decode(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to decode STIX bundle: %w", err)
	}
	if b.Type != "" && b.Type != "bundle" {
		return nil, fmt.Errorf("expected STIX bundle, got type %q", b.Type)
	}
	return &b, nil
}

// Convert reads a bundle and converts it. sourceID defaults to DefaultSourceID.
func Convert(r io.Reader, sourceID string) (*Result, error) {
	b, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return ConvertBundle(b, sourceID)
}

// ConvertBundle turns domain objects into entity facts and relationship
// objects into relationship facts. Revoked and deprecated objects, and
// relationships touching them, are skipped.
func ConvertBundle(b *Bundle, sourceID string) (*Result, error) {
	if sourceID == "" {
		sourceID = DefaultSourceID
	}
	c := &converter{
		sourceID: sourceID,
		objects:  make(map[string]*Object),
		tactics:  make(map[string]models.Descriptor),
		sources:  make(map[string]models.Descriptor),
		result: &Result{
			Batch: &models.IngestionBatch{
				ID: b.ID,
				Sources: []models.SourceDeclaration{{
					ID:          sourceID,
					DisplayName: "STIX feed " + sourceID,
					Kind:        models.SourceKindStructured,
				}},
			},
			Skipped: make(map[string]int),
		},
	}

	for i := range b.Objects {
		obj := &b.Objects[i]
		switch {
		case obj.Revoked || obj.Deprecated:
			c.result.Skipped["revoked_or_deprecated"]++
		case obj.Type == "relationship":
			c.objects[obj.ID] = obj
		case entityTypes[obj.Type] != "":
			c.objects[obj.ID] = obj
			if obj.Type == "x-mitre-tactic" && obj.Shortname != "" {
				c.tactics[obj.Shortname] = descriptorFor(obj)
			}
			if obj.Type == "x-mitre-data-source" {
				c.sources[strings.ToLower(obj.Name)] = descriptorFor(obj)
			}
		default:
			c.result.Skipped["unsupported_type:"+obj.Type]++
		}
	}

	if err := c.emit(b.Objects); err != nil {
		return nil, err
	}
	return c.result, nil
}

type converter struct {
	sourceID string
	objects  map[string]*Object
	tactics  map[string]models.Descriptor
	sources  map[string]models.Descriptor
	result   *Result
}

func (c *converter) emit(objects []Object) error {
	for i := range objects {
		obj := &objects[i]
		if c.objects[obj.ID] != obj {
			continue
		}
		if obj.Type == "relationship" {
			if err := c.emitRelationship(obj); err != nil {
				return err
			}
			continue
		}
		if err := c.emitEntity(obj); err != nil {
			return err
		}
	}
	return nil
}

func (c *converter) emitEntity(obj *Object) error {
	if strings.TrimSpace(obj.Name) == "" {
		c.result.Skipped["unnamed"]++
		return nil
	}
	d := descriptorFor(obj)
	if err := c.addFact(d, PredicateStixID, nil, obj.ID, obj.ID); err != nil {
		return err
	}

	if obj.Type != "attack-pattern" {
		return nil
	}
	for _, phase := range obj.KillChainPhases {
		if !strings.HasPrefix(phase.KillChainName, "mitre") || phase.PhaseName == "" {
			continue
		}
		tactic, ok := c.tactics[phase.PhaseName]
		if !ok {
			tactic = models.Descriptor{Name: tacticName(phase.PhaseName), Type: models.EntityTypeTactic}
		}
		if err := c.addFact(d, PredicateBelongsToTactic, &tactic, "", obj.ID); err != nil {
			return err
		}
	}
	detectedBy := make(map[string]bool)
	for _, ds := range obj.DataSources {
		name, _, ok := strings.Cut(ds, ":")
		if !ok {
			c.result.Skipped["malformed_data_source"]++
			continue
		}
		name = strings.TrimSpace(name)
		if detectedBy[strings.ToLower(name)] {
			continue
		}
		detectedBy[strings.ToLower(name)] = true
		src, ok := c.sources[strings.ToLower(name)]
		if !ok {
			src = models.Descriptor{Name: name, Type: models.EntityTypeDataSource}
		}
		if err := c.addFact(src, PredicateDetects, &d, "", obj.ID); err != nil {
			return err
		}
	}
	return nil
}

func (c *converter) emitRelationship(rel *Object) error {
	predicate, ok := relationshipPredicates[rel.RelationshipType]
	if !ok {
		c.result.Skipped["relationship:"+rel.RelationshipType]++
		return nil
	}
	src, okSrc := c.objects[rel.SourceRef]
	dst, okDst := c.objects[rel.TargetRef]
	if !okSrc || !okDst || src.Type == "relationship" || dst.Type == "relationship" {
		c.result.Skipped["dangling_relationship"]++
		return nil
	}
	object := descriptorFor(dst)
	return c.addFact(descriptorFor(src), predicate, &object, "", rel.ID)
}

func (c *converter) addFact(subject models.Descriptor, predicate string, object *models.Descriptor, literal, ref string) error {
	subj, err := json.Marshal(subject)
	if err != nil {
		return fmt.Errorf("failed to encode subject: %w", err)
	}
	rec := models.RawRecord{
		Kind:          models.RecordKindStructured,
		SourceID:      c.sourceID,
		Subject:       subj,
		Predicate:     predicate,
		SourceTextRef: "stix:" + ref,
	}
	if object != nil {
		rec.Object, err = json.Marshal(object)
	} else {
		rec.Object, err = json.Marshal(literal)
		rec.ObjectLiteral = true
	}
	if err != nil {
		return fmt.Errorf("failed to encode object: %w", err)
	}
	c.result.Batch.Records = append(c.result.Batch.Records, rec)
	return nil
}

func descriptorFor(obj *Object) models.Descriptor {
	d := models.Descriptor{
		Name:        strings.TrimSpace(obj.Name),
		Type:        entityTypes[obj.Type],
		ExternalID:  externalID(obj),
		Description: firstParagraph(obj.Description),
	}
	seen := map[string]bool{models.NormalizeName(d.Name): true}
	for _, a := range append(append([]string{}, obj.Aliases...), obj.XMitreAliases...) {
		n := models.NormalizeName(a)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		d.Aliases = append(d.Aliases, strings.TrimSpace(a))
	}
	sort.Strings(d.Aliases)
	return d
}

func externalID(obj *Object) string {
	for _, ref := range obj.ExternalReferences {
		if idSources[ref.SourceName] && ref.ExternalID != "" {
			return strings.ToUpper(strings.TrimSpace(ref.ExternalID))
		}
	}
	return ""
}

// firstParagraph keeps descriptions short enough for similarity text.
func firstParagraph(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "\n\n"); i >= 0 {
		s = s[:i]
	}
	return s
}

// tacticName turns a kill chain phase such as "privilege-escalation" into
// the tactic's display name "Privilege Escalation".
func tacticName(phase string) string {
	words := strings.Split(phase, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
