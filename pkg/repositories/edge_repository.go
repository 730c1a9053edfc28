package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

// EdgeRepository maintains the materialized projection of accepted
// relationship assertions.
type EdgeRepository interface {
	// Project folds one accepted relationship assertion into its edge.
	Project(ctx context.Context, a *models.Assertion) error

	// ListByEntity returns edges touching entityID in either direction.
	// An empty predicate matches all predicates.
	ListByEntity(ctx context.Context, entityID uuid.UUID, predicate string) ([]*models.Edge, error)

	// Rebuild recomputes every edge touching entityIDs from the assertion log.
	Rebuild(ctx context.Context, entityIDs []uuid.UUID) error

	// CoOccurrences returns, per candidate, the total edge support shared with
	// entities whose normalized name is neighbor.
	CoOccurrences(ctx context.Context, candidateIDs []uuid.UUID, neighbor string) (map[uuid.UUID]int, error)
}

type edgeRepository struct{}

// NewEdgeRepository creates a new EdgeRepository.
func NewEdgeRepository() EdgeRepository {
	return &edgeRepository{}
}

var _ EdgeRepository = (*edgeRepository)(nil)

func (r *edgeRepository) Project(ctx context.Context, a *models.Assertion) error {
	if !a.IsRelationship() || !a.Status.IsAccepted() {
		return nil
	}

	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO kb_edges (subject_entity_id, predicate, object_entity_id, support_count,
		                      max_confidence, first_recorded_at, last_recorded_at)
		VALUES ($1, $2, $3, 1, $4, $5, $5)
		ON CONFLICT (subject_entity_id, predicate, object_entity_id) DO UPDATE SET
			support_count     = kb_edges.support_count + 1,
			max_confidence    = GREATEST(kb_edges.max_confidence, EXCLUDED.max_confidence),
			first_recorded_at = LEAST(kb_edges.first_recorded_at, EXCLUDED.first_recorded_at),
			last_recorded_at  = GREATEST(kb_edges.last_recorded_at, EXCLUDED.last_recorded_at)`,
		a.SubjectEntityID, a.Predicate, *a.ObjectEntityID, a.Confidence, a.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to project edge: %w", err)
	}
	return nil
}

func (r *edgeRepository) ListByEntity(ctx context.Context, entityID uuid.UUID, predicate string) ([]*models.Edge, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT subject_entity_id, predicate, object_entity_id, support_count,
		       max_confidence, first_recorded_at, last_recorded_at
		FROM kb_edges
		WHERE (subject_entity_id = $1 OR object_entity_id = $1)
		  AND ($2 = '' OR predicate = $2)
		ORDER BY predicate, subject_entity_id, object_entity_id`, entityID, predicate)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()

	var edges []*models.Edge
	for rows.Next() {
		var e models.Edge
		if err := rows.Scan(&e.SubjectEntityID, &e.Predicate, &e.ObjectEntityID, &e.SupportCount,
			&e.MaxConfidence, &e.FirstRecordedAt, &e.LastRecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}
	return edges, nil
}

func (r *edgeRepository) Rebuild(ctx context.Context, entityIDs []uuid.UUID) error {
	if len(entityIDs) == 0 {
		return nil
	}

	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	if _, err := scope.Conn.Exec(ctx, `
		DELETE FROM kb_edges
		WHERE subject_entity_id = ANY($1) OR object_entity_id = ANY($1)`, entityIDs); err != nil {
		return fmt.Errorf("failed to clear edges: %w", err)
	}

	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO kb_edges (subject_entity_id, predicate, object_entity_id, support_count,
		                      max_confidence, first_recorded_at, last_recorded_at)
		SELECT subject_entity_id, predicate, object_entity_id, COUNT(*),
		       MAX(confidence), MIN(recorded_at), MAX(recorded_at)
		FROM kb_assertions
		WHERE object_kind = 'entity'
		  AND validation_status IN ('auto_committed', 'human_validated')
		  AND (subject_entity_id = ANY($1) OR object_entity_id = ANY($1))
		GROUP BY subject_entity_id, predicate, object_entity_id`, entityIDs)
	if err != nil {
		return fmt.Errorf("failed to rebuild edges: %w", err)
	}
	return nil
}

func (r *edgeRepository) CoOccurrences(ctx context.Context, candidateIDs []uuid.UUID, neighbor string) (map[uuid.UUID]int, error) {
	counts := make(map[uuid.UUID]int, len(candidateIDs))
	if len(candidateIDs) == 0 || neighbor == "" {
		return counts, nil
	}

	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT c.id, COALESCE(SUM(ed.support_count), 0)
		FROM unnest($1::uuid[]) AS c(id)
		JOIN kb_edges ed ON ed.subject_entity_id = c.id OR ed.object_entity_id = c.id
		JOIN kb_entities n ON n.id = CASE WHEN ed.subject_entity_id = c.id
		                                  THEN ed.object_entity_id
		                                  ELSE ed.subject_entity_id END
		WHERE n.normalized_name = $2
		   OR EXISTS (SELECT 1 FROM kb_entity_aliases a WHERE a.entity_id = n.id AND a.normalized_alias = $2)
		GROUP BY c.id`, candidateIDs, neighbor)
	if err != nil {
		return nil, fmt.Errorf("failed to count co-occurrences: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan co-occurrence: %w", err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating co-occurrences: %w", err)
	}
	return counts, nil
}
