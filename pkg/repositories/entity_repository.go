package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

// EntityRepository provides data access for canonical entities and their aliases.
type EntityRepository interface {
	// Create inserts a new entity. Fails on a resolution key collision.
	Create(ctx context.Context, entity *models.Entity) error

	// CreateIfAbsent inserts entity unless another entity already holds its
	// resolution key, in which case the existing entity is returned with created=false.
	CreateIfAbsent(ctx context.Context, entity *models.Entity) (stored *models.Entity, created bool, err error)

	// GetByID returns an entity including merged ones, or nil if not found.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Entity, error)

	// GetByIDs returns the entities that exist among ids, ordered by id.
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Entity, error)

	// GetByResolutionKey returns the entity holding key, or nil.
	GetByResolutionKey(ctx context.Context, key string) (*models.Entity, error)

	// FindByName returns unmerged entities whose normalized canonical name or
	// alias equals normalized, ordered by id.
	FindByName(ctx context.Context, normalized string) ([]*models.Entity, error)

	// AddAlias records an alternative name. Duplicate aliases are ignored.
	AddAlias(ctx context.Context, alias *models.EntityAlias) error

	// TransferAliases moves all aliases of fromID onto toID.
	TransferAliases(ctx context.Context, fromID, toID uuid.UUID) error

	// MarkMerged sets merged_into on the loser. Fails with ErrMergeConflict
	// if the loser is already merged.
	MarkMerged(ctx context.Context, loserID, survivorID uuid.UUID) error
}

type entityRepository struct{}

// NewEntityRepository creates a new EntityRepository.
func NewEntityRepository() EntityRepository {
	return &entityRepository{}
}

var _ EntityRepository = (*entityRepository)(nil)

const entityColumns = `
	e.id, e.type_tag, e.canonical_name, e.normalized_name, e.resolution_key,
	e.external_id, e.description, e.properties, e.merged_into, e.created_at, e.updated_at,
	COALESCE((SELECT array_agg(a.alias ORDER BY a.alias) FROM kb_entity_aliases a WHERE a.entity_id = e.id), '{}')`

func (r *entityRepository) Create(ctx context.Context, entity *models.Entity) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	prepareEntity(entity)
	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO kb_entities (
			id, type_tag, canonical_name, normalized_name, resolution_key,
			external_id, description, properties, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entity.ID, string(entity.Type), entity.CanonicalName, entity.NormalizedName, entity.ResolutionKey,
		entity.ExternalID, entity.Description, jsonbValueMap(entity.Properties), entity.CreatedAt, entity.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create entity: %w", err)
	}
	return nil
}

func (r *entityRepository) CreateIfAbsent(ctx context.Context, entity *models.Entity) (*models.Entity, bool, error) {
	if entity.ResolutionKey == nil {
		return nil, false, fmt.Errorf("entity %q has no resolution key", entity.CanonicalName)
	}

	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, false, err
	}

	prepareEntity(entity)
	result, err := scope.Conn.Exec(ctx, `
		INSERT INTO kb_entities (
			id, type_tag, canonical_name, normalized_name, resolution_key,
			external_id, description, properties, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (resolution_key) DO NOTHING`,
		entity.ID, string(entity.Type), entity.CanonicalName, entity.NormalizedName, entity.ResolutionKey,
		entity.ExternalID, entity.Description, jsonbValueMap(entity.Properties), entity.CreatedAt, entity.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create entity: %w", err)
	}
	if result.RowsAffected() == 1 {
		return entity, true, nil
	}

	existing, err := r.GetByResolutionKey(ctx, *entity.ResolutionKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("entity with resolution key %q vanished after conflict", *entity.ResolutionKey)
	}
	return existing, false, nil
}

func (r *entityRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	row := scope.Conn.QueryRow(ctx, `SELECT `+entityColumns+` FROM kb_entities e WHERE e.id = $1`, id)
	entity, err := scanEntity(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return entity, nil
}

func (r *entityRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `SELECT `+entityColumns+` FROM kb_entities e WHERE e.id = ANY($1) ORDER BY e.id`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get entities: %w", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

func (r *entityRepository) GetByResolutionKey(ctx context.Context, key string) (*models.Entity, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	row := scope.Conn.QueryRow(ctx, `SELECT `+entityColumns+` FROM kb_entities e WHERE e.resolution_key = $1`, key)
	entity, err := scanEntity(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get entity by resolution key: %w", err)
	}
	return entity, nil
}

func (r *entityRepository) FindByName(ctx context.Context, normalized string) ([]*models.Entity, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT `+entityColumns+`
		FROM kb_entities e
		WHERE e.merged_into IS NULL
		  AND (e.normalized_name = $1
		       OR lower(e.external_id) = $1
		       OR EXISTS (SELECT 1 FROM kb_entity_aliases a
		                  WHERE a.entity_id = e.id AND a.normalized_alias = $1))
		ORDER BY e.id`, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to find entities by name: %w", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

func (r *entityRepository) AddAlias(ctx context.Context, alias *models.EntityAlias) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	if alias.NormalizedAlias == "" {
		alias.NormalizedAlias = models.NormalizeName(alias.Alias)
	}
	if alias.CreatedAt.IsZero() {
		alias.CreatedAt = time.Now().UTC()
	}

	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO kb_entity_aliases (entity_id, alias, normalized_alias, source_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_id, normalized_alias) DO NOTHING`,
		alias.EntityID, alias.Alias, alias.NormalizedAlias, nullableString(alias.SourceID), alias.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add alias: %w", err)
	}
	return nil
}

func (r *entityRepository) TransferAliases(ctx context.Context, fromID, toID uuid.UUID) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO kb_entity_aliases (entity_id, alias, normalized_alias, source_id, created_at)
		SELECT $2, alias, normalized_alias, source_id, created_at
		FROM kb_entity_aliases WHERE entity_id = $1
		ON CONFLICT (entity_id, normalized_alias) DO NOTHING`, fromID, toID)
	if err != nil {
		return fmt.Errorf("failed to copy aliases: %w", err)
	}

	if _, err := scope.Conn.Exec(ctx, `DELETE FROM kb_entity_aliases WHERE entity_id = $1`, fromID); err != nil {
		return fmt.Errorf("failed to remove transferred aliases: %w", err)
	}
	return nil
}

func (r *entityRepository) MarkMerged(ctx context.Context, loserID, survivorID uuid.UUID) error {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return err
	}

	result, err := scope.Conn.Exec(ctx, `
		UPDATE kb_entities
		SET merged_into = $2, updated_at = $3
		WHERE id = $1 AND merged_into IS NULL`,
		loserID, survivorID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark entity merged: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("entity %s is missing or already merged: %w", loserID, apperrors.ErrMergeConflict)
	}
	return nil
}

func prepareEntity(entity *models.Entity) {
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	if entity.NormalizedName == "" {
		entity.NormalizedName = models.NormalizeName(entity.CanonicalName)
	}
	now := time.Now().UTC()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	if entity.UpdatedAt.IsZero() {
		entity.UpdatedAt = entity.CreatedAt
	}
	if entity.ExternalID != nil {
		ext := strings.TrimSpace(*entity.ExternalID)
		entity.ExternalID = &ext
	}
}

func scanEntities(rows pgx.Rows) ([]*models.Entity, error) {
	var entities []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}

func scanEntity(row pgx.Row) (*models.Entity, error) {
	var e models.Entity
	var typeTag string
	var properties []byte

	err := row.Scan(
		&e.ID,
		&typeTag,
		&e.CanonicalName,
		&e.NormalizedName,
		&e.ResolutionKey,
		&e.ExternalID,
		&e.Description,
		&properties,
		&e.MergedInto,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.Aliases,
	)
	if err != nil {
		return nil, err
	}

	e.Type = models.EntityType(typeTag)
	e.Properties = parseJSONBMap(properties)
	return &e, nil
}
