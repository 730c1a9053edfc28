package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/database"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/repositories"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/similarity"
)

// Resolution methods.
const (
	ResolvedByKey       = "key"
	ResolvedByCandidate = "candidate"
	ResolvedByCreation  = "created"
	ResolvedByAdoption  = "adopted"
)

// maxMergeHops bounds merge-chain traversal.
const maxMergeHops = 32

// Resolution is the outcome of resolving one descriptor.
type Resolution struct {
	EntityID   uuid.UUID
	Method     string
	Confidence float64
	Created    bool
	// Ambiguous is set when near-tied candidates could not be told apart.
	// EntityID then holds the provisional top candidate.
	Ambiguous    bool
	Alternatives []uuid.UUID
}

// ResolveContext carries the fact context the scorer may use.
type ResolveContext struct {
	SourceID    string
	Reliability float64
	// Neighbor is the normalized name on the other side of the fact.
	Neighbor string
}

// EntityResolver maps descriptors to canonical entity ids, creating
// entities only when no adequate match exists.
type EntityResolver interface {
	Resolve(ctx context.Context, d models.Descriptor, rc ResolveContext) (*Resolution, error)
}

// EntityResolverDeps groups the resolver's collaborators.
type EntityResolverDeps struct {
	Entities   repositories.EntityRepository
	Assertions repositories.AssertionRepository
	Edges      repositories.EdgeRepository
	Similarity similarity.Service
	Locker     database.KeyLocker
	Scorer     Scorer
	Config     config.ResolutionConfig
	Logger     *zap.Logger
}

type entityResolver struct {
	entities   repositories.EntityRepository
	assertions repositories.AssertionRepository
	edges      repositories.EdgeRepository
	similarity similarity.Service
	locker     database.KeyLocker
	scorer     Scorer
	cfg        config.ResolutionConfig
	logger     *zap.Logger
}

var _ EntityResolver = (*entityResolver)(nil)

// NewEntityResolver creates an EntityResolver. A nil Scorer selects the
// WeightedScorer configured from deps.Config.
func NewEntityResolver(deps EntityResolverDeps) EntityResolver {
	scorer := deps.Scorer
	if scorer == nil {
		scorer = WeightedScorer{
			CoOccurrenceWeight: deps.Config.CoOccurrenceWeight,
			ReliabilityWeight:  deps.Config.ReliabilityWeight,
		}
	}
	sim := deps.Similarity
	if sim == nil {
		sim = similarity.Nop{}
	}
	return &entityResolver{
		entities:   deps.Entities,
		assertions: deps.Assertions,
		edges:      deps.Edges,
		similarity: sim,
		locker:     deps.Locker,
		scorer:     scorer,
		cfg:        deps.Config,
		logger:     deps.Logger.Named("entity-resolver"),
	}
}

func (r *entityResolver) Resolve(ctx context.Context, d models.Descriptor, rc ResolveContext) (*Resolution, error) {
	key := d.ResolutionKey()

	if key != "" {
		existing, err := r.entities.GetByResolutionKey(ctx, key)
		if err != nil {
			return nil, retryable("entity key lookup", err)
		}
		if existing != nil {
			canonical, err := r.canonical(ctx, existing)
			if err != nil {
				return nil, err
			}
			return &Resolution{EntityID: canonical.ID, Method: ResolvedByKey, Confidence: 1}, nil
		}
	}

	candidates, err := r.shortlist(ctx, d)
	if err != nil {
		return nil, err
	}

	if len(candidates) > 0 {
		res, err := r.disambiguate(ctx, d, rc, candidates)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	return r.createOrAdopt(ctx, d)
}

// shortlist gathers exact-name matches first, then similarity matches,
// capped at the configured size. Merged entities are replaced by their survivors.
func (r *entityResolver) shortlist(ctx context.Context, d models.Descriptor) ([]*Candidate, error) {
	exact, err := r.entities.FindByName(ctx, d.NormalizedName())
	if err != nil {
		return nil, retryable("entity name lookup", err)
	}

	matches, err := r.similarity.Nearest(ctx, d.Text(), r.cfg.ShortlistSize)
	if err != nil {
		return nil, retryable("similarity lookup", err)
	}

	seen := make(map[uuid.UUID]*Candidate)
	var out []*Candidate
	add := func(e *models.Entity, vector float64) {
		if c, ok := seen[e.ID]; ok {
			if vector > c.VectorScore {
				c.VectorScore = vector
			}
			return
		}
		if len(out) >= r.cfg.ShortlistSize {
			return
		}
		c := &Candidate{Entity: e, VectorScore: vector}
		seen[e.ID] = c
		out = append(out, c)
	}

	for _, e := range exact {
		add(e, 0)
	}

	if len(matches) > 0 {
		ids := make([]uuid.UUID, 0, len(matches))
		scores := make(map[uuid.UUID]float64, len(matches))
		for _, m := range matches {
			ids = append(ids, m.EntityID)
			scores[m.EntityID] = m.Score
		}
		found, err := r.entities.GetByIDs(ctx, ids)
		if err != nil {
			return nil, retryable("entity load", err)
		}
		byID := make(map[uuid.UUID]*models.Entity, len(found))
		for _, e := range found {
			byID[e.ID] = e
		}
		for _, m := range matches {
			e, ok := byID[m.EntityID]
			if !ok {
				continue
			}
			if e.IsMerged() {
				if e, err = r.canonical(ctx, e); err != nil {
					return nil, err
				}
			}
			add(e, scores[m.EntityID])
		}
	}
	return out, nil
}

func (r *entityResolver) disambiguate(ctx context.Context, d models.Descriptor, rc ResolveContext, cands []*Candidate) (*Resolution, error) {
	ids := make([]uuid.UUID, len(cands))
	for i, c := range cands {
		ids[i] = c.Entity.ID
	}

	confirmations, err := r.assertions.CountAccepted(ctx, ids)
	if err != nil {
		return nil, retryable("confirmation count", err)
	}
	var cooccurrence map[uuid.UUID]int
	if rc.Neighbor != "" {
		if cooccurrence, err = r.edges.CoOccurrences(ctx, ids, rc.Neighbor); err != nil {
			return nil, retryable("co-occurrence lookup", err)
		}
	}

	sc := ScoringContext{Descriptor: d, SourceID: rc.SourceID, SourceReliability: rc.Reliability}
	for _, c := range cands {
		c.Confirmations = confirmations[c.Entity.ID]
		c.CoOccurrence = cooccurrence[c.Entity.ID]
		c.Score = r.scorer.Score(c, sc)
	}
	rankCandidates(cands)

	top := cands[0]
	if top.Score < r.cfg.AcceptThreshold {
		r.logger.Debug("No candidate above acceptance threshold",
			zap.String("descriptor", d.Name),
			zap.Float64("top_score", top.Score))
		return nil, nil
	}

	winner, ambiguous, rivals := pickWinner(cands, r.cfg.NearTieEpsilon)
	res := &Resolution{
		EntityID:   winner.Entity.ID,
		Method:     ResolvedByCandidate,
		Confidence: winner.Score,
	}
	if ambiguous {
		res.Ambiguous = true
		for _, c := range rivals {
			res.Alternatives = append(res.Alternatives, c.Entity.ID)
		}
		r.logger.Info("Ambiguous resolution",
			zap.String("descriptor", d.Name),
			zap.String("provisional", winner.Entity.ID.String()),
			zap.Int("rivals", len(rivals)))
	}
	return res, nil
}

// pickWinner applies the tie-break policy to ranked candidates. Candidates
// within epsilon of the top score form the near-tie set; within it the
// higher confirmation count wins. Equal scores fall through to the id order
// of the ranking; equal counts on distinct scores cannot be settled.
func pickWinner(ranked []*Candidate, epsilon float64) (winner *Candidate, ambiguous bool, rivals []*Candidate) {
	top := ranked[0]
	near := []*Candidate{top}
	for _, c := range ranked[1:] {
		if top.Score-c.Score <= epsilon {
			near = append(near, c)
		}
	}
	if len(near) == 1 {
		return top, false, nil
	}

	best := near[0]
	for _, c := range near[1:] {
		if c.Confirmations > best.Confirmations {
			best = c
		}
	}

	for _, c := range near {
		if c == best || c.Confirmations != best.Confirmations || c.Score == best.Score {
			continue
		}
		rivals = append(rivals, c)
	}
	return best, len(rivals) > 0, rivals
}

// createOrAdopt performs the atomic create-or-adopt step. Descriptors with a
// resolution key rely on the unique key; the rest serialize on an advisory
// lock and re-check under it.
func (r *entityResolver) createOrAdopt(ctx context.Context, d models.Descriptor) (*Resolution, error) {
	var res *Resolution
	var err error
	if key := d.ResolutionKey(); key != "" {
		res, err = r.createByKey(ctx, d, key)
	} else {
		res, err = r.createUnderLock(ctx, d)
	}
	if err != nil {
		return nil, err
	}

	if res.Created {
		r.logger.Debug("Created entity",
			zap.String("entity_id", res.EntityID.String()),
			zap.String("name", d.Name),
			zap.String("type", string(d.Type)))
		// Indexed after the lock is gone; a failure only delays similarity matches.
		if err := r.similarity.Index(ctx, res.EntityID, d.Text()); err != nil {
			r.logger.Warn("Failed to index entity for similarity",
				zap.String("entity_id", res.EntityID.String()),
				zap.Error(err))
		}
	}
	return res, nil
}

func (r *entityResolver) createByKey(ctx context.Context, d models.Descriptor, key string) (*Resolution, error) {
	entity := newEntity(d)
	entity.ResolutionKey = &key

	stored, created, err := r.entities.CreateIfAbsent(ctx, entity)
	if err != nil {
		return nil, retryable("entity create", err)
	}
	if created {
		if err := r.addAliases(ctx, stored.ID, d); err != nil {
			return nil, err
		}
		return &Resolution{EntityID: stored.ID, Method: ResolvedByCreation, Confidence: 1, Created: true}, nil
	}

	canonical, err := r.canonical(ctx, stored)
	if err != nil {
		return nil, err
	}
	return &Resolution{EntityID: canonical.ID, Method: ResolvedByAdoption, Confidence: 1}, nil
}

func (r *entityResolver) createUnderLock(ctx context.Context, d models.Descriptor) (*Resolution, error) {
	var res *Resolution
	err := r.locker.WithLock(ctx, []string{d.LockKey()}, func(ctx context.Context) error {
		existing, err := r.entities.FindByName(ctx, d.NormalizedName())
		if err != nil {
			return retryable("entity name lookup", err)
		}
		// An exact type match wins; otherwise adopt any compatible type.
		var adopt *models.Entity
		for _, e := range existing {
			if e.Type == d.Type {
				adopt = e
				break
			}
			if adopt == nil && typesCompatible(d.Type, e.Type) {
				adopt = e
			}
		}
		if adopt != nil {
			res = &Resolution{EntityID: adopt.ID, Method: ResolvedByAdoption, Confidence: 1}
			return nil
		}

		entity := newEntity(d)
		if err := r.entities.Create(ctx, entity); err != nil {
			return retryable("entity create", err)
		}
		if err := r.addAliases(ctx, entity.ID, d); err != nil {
			return err
		}
		res = &Resolution{EntityID: entity.ID, Method: ResolvedByCreation, Confidence: 1, Created: true}
		return nil
	})
	if err != nil {
		return nil, retryable("entity creation lock", err)
	}
	return res, nil
}

func (r *entityResolver) addAliases(ctx context.Context, id uuid.UUID, d models.Descriptor) error {
	for _, alias := range d.Aliases {
		if err := r.entities.AddAlias(ctx, &models.EntityAlias{
			EntityID:        id,
			Alias:           alias,
			NormalizedAlias: models.NormalizeName(alias),
		}); err != nil {
			return retryable("alias insert", err)
		}
	}
	return nil
}

// canonical follows merged_into pointers to the surviving entity.
func (r *entityResolver) canonical(ctx context.Context, e *models.Entity) (*models.Entity, error) {
	return followMergeChain(ctx, r.entities, e)
}

func followMergeChain(ctx context.Context, repo repositories.EntityRepository, e *models.Entity) (*models.Entity, error) {
	for hops := 0; e.IsMerged(); hops++ {
		if hops >= maxMergeHops {
			return nil, fmt.Errorf("merge chain from %s exceeds %d hops", e.ID, maxMergeHops)
		}
		next, err := repo.GetByID(ctx, *e.MergedInto)
		if err != nil {
			return nil, retryable("merge chain lookup", err)
		}
		if next == nil {
			return nil, fmt.Errorf("entity %s merged into missing entity %s: %w", e.ID, *e.MergedInto, apperrors.ErrNotFound)
		}
		e = next
	}
	return e, nil
}

func newEntity(d models.Descriptor) *models.Entity {
	now := time.Now().UTC()
	e := &models.Entity{
		ID:             uuid.New(),
		Type:           d.Type,
		CanonicalName:  d.Name,
		NormalizedName: d.NormalizedName(),
		Description:    d.Description,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if d.ExternalID != "" {
		ext := strings.ToUpper(d.ExternalID)
		e.ExternalID = &ext
	}
	return e
}

// retryable marks a dependency failure for retry. Cancellation is passed
// through untouched so a cancelled batch does not keep retrying.
func retryable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperrors.NewRetryable(op, err)
}
