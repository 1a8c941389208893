// Package retrieval fuses full-text, substring, tag, knowledge-graph and
// vector signals into one ranked, character-budgeted text block ready to be
// appended to an LLM prompt.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"

	"github.com/nishichengju/NeoDeskPet-sub001/internal/metrics"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/model"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/provider"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/retention"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/store"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/temporal"
	"github.com/nishichengju/NeoDeskPet-sub001/internal/textutil"
)

// likeRelevance is the fixed score for substring-fallback hits: strong enough
// to surface when nothing else fires, weak enough to lose to any real signal.
const likeRelevance = 0.38

const (
	archivedStatusFactor = 0.3
	pinnedWeightFactor   = 1.4
)

// Options tunes one retrieval call. Zero values fall back to config defaults.
type Options struct {
	Limit         int
	MaxChars      int
	IncludeShared bool
}

// Trace reports which layers fired and why, for debugging ranking issues.
type Trace struct {
	TimeWindow    bool   `json:"timeWindow"`
	QuoteOnly     bool   `json:"quoteOnly"`
	FtsHits       int    `json:"ftsHits"`
	LikeHits      int    `json:"likeHits"`
	TagHits       int    `json:"tagHits"`
	KgHits        int    `json:"kgHits"`
	VectorHits    int    `json:"vectorHits"`
	VectorSkipped string `json:"vectorSkipped,omitempty"`
	Candidates    int    `json:"candidates"`
	Returned      int    `json:"returned"`
}

// Result is one retrieval outcome. AddonText is opaque formatted text.
type Result struct {
	AddonText string `json:"addonText"`
	Trace     Trace  `json:"debugTrace"`
}

// Engine orchestrates the signal layers over one store.
type Engine struct {
	store    *store.Store
	embedder provider.Embedder
	resolved bool

	// queryCache holds unit-normalized query embeddings keyed by
	// (model, query) so repeated questions skip the provider round trip.
	queryCache *ristretto.Cache[string, []float32]
}

// NewEngine wires a retrieval engine to the store. Pass a non-nil embedder to
// override the configured provider.
func NewEngine(st *store.Store, embedder provider.Embedder) (*Engine, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: 10_000,
		MaxCost:     8 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("query embedding cache: %w", err)
	}
	return &Engine{store: st, embedder: embedder, resolved: embedder != nil, queryCache: cache}, nil
}

// Retrieve runs the full pipeline for one query. It never fails on missing
// signals: an absent layer just contributes zero relevance. An empty addon
// with a populated trace is a valid outcome.
func (e *Engine) Retrieve(ctx context.Context, personaID, query string, opts Options) (*Result, error) {
	metrics.RetrievalRequests.Inc()
	cfg := e.store.Config()
	limit := opts.Limit
	if limit <= 0 {
		limit = cfg.RetrieveLimit
	}
	maxChars := opts.MaxChars
	if maxChars <= 0 {
		maxChars = cfg.RetrieveMaxChars
	}
	result := &Result{}

	if personaID != "" {
		persona, err := e.store.GetPersona(ctx, personaID)
		if err != nil {
			return nil, err
		}
		if persona != nil && !persona.RetrieveEnabled {
			return result, nil
		}
	}

	now := time.Now()
	if window := temporal.Parse(query, now); window != nil {
		return e.retrieveTimeWindow(ctx, personaID, window, opts.IncludeShared, maxChars, result)
	}

	candidates := make(map[uuid.UUID]*candidate)

	e.gatherFullText(ctx, personaID, query, opts.IncludeShared, maxOf(limit*5, 60), candidates, &result.Trace)
	if result.Trace.FtsHits == 0 {
		e.gatherSubstring(ctx, personaID, query, opts.IncludeShared, maxOf(limit*5, 60), candidates, &result.Trace)
	}
	if cfg.TagEnabled {
		e.gatherTags(ctx, personaID, query, opts.IncludeShared, maxOf(limit*5, 60), candidates, &result.Trace)
	}
	if cfg.KgEnabled {
		e.gatherEntities(ctx, personaID, query, opts.IncludeShared, maxOf(limit*5, 60), candidates, &result.Trace)
	}
	if cfg.VectorEnabled && len(candidates) < limit {
		e.gatherVectors(ctx, personaID, query, opts.IncludeShared, candidates, &result.Trace)
	}
	result.Trace.Candidates = len(candidates)
	if len(candidates) == 0 {
		return result, nil
	}

	ranked := rank(candidates, now)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	lines := make([]string, 0, len(ranked))
	ids := make([]uuid.UUID, 0, len(ranked))
	used := 0
	for _, c := range ranked {
		line := formatLine(&c.record)
		packed, ok := packLine(line, used, maxChars, false)
		if !ok {
			break
		}
		lines = append(lines, packed)
		ids = append(ids, c.record.ID)
		used += len([]rune(packed)) + 1
	}
	result.AddonText = strings.Join(lines, "\n")
	result.Trace.Returned = len(ids)
	metrics.RetrievalRecords.Observe(float64(len(ids)))

	if len(ids) > 0 {
		if err := e.store.Reinforce(ctx, ids); err != nil {
			log.Error("Reinforcement failed", "count", len(ids), "err", err)
		}
	}
	return result, nil
}

// retrieveTimeWindow is the bypass path: chronological verbatim recall for
// time-anchored queries, no ranking.
func (e *Engine) retrieveTimeWindow(ctx context.Context, personaID string, window *temporal.TimeRange, includeShared bool, maxChars int, result *Result) (*Result, error) {
	result.Trace.TimeWindow = true
	result.Trace.QuoteOnly = window.QuoteOnly

	records, err := e.store.TimeWindowRecords(ctx, personaID, includeShared, window.Start, window.End, 200)
	if err != nil {
		return nil, err
	}
	var lines []string
	var ids []uuid.UUID
	used := 0
	for i := range records {
		line := formatLine(&records[i])
		packed, ok := packLine(line, used, maxChars, window.QuoteOnly)
		if !ok {
			break
		}
		lines = append(lines, packed)
		ids = append(ids, records[i].ID)
		used += len([]rune(packed)) + 1
	}
	result.AddonText = strings.Join(lines, "\n")
	result.Trace.Returned = len(ids)
	metrics.RetrievalRecords.Observe(float64(len(ids)))

	if len(ids) > 0 {
		if err := e.store.Reinforce(ctx, ids); err != nil {
			log.Error("Reinforcement failed", "count", len(ids), "err", err)
		}
	}
	return result, nil
}

type candidate struct {
	record model.MemoryRecord
	fts    float64
	like   float64
	tag    float64
	kg     float64
	vec    float64
}

// merge folds a signal score into the candidate set, keeping the max score
// seen per signal.
func merge(candidates map[uuid.UUID]*candidate, rec model.MemoryRecord, assign func(*candidate)) {
	c, ok := candidates[rec.ID]
	if !ok {
		c = &candidate{record: rec}
		candidates[rec.ID] = c
	}
	assign(c)
}

func (e *Engine) gatherFullText(ctx context.Context, personaID, query string, includeShared bool, pool int, candidates map[uuid.UUID]*candidate, trace *Trace) {
	match := buildMatchQuery(query)
	if match == "" {
		return
	}
	hits, err := e.store.FullTextSearch(ctx, personaID, includeShared, match, pool)
	if err != nil {
		log.Error("Full-text layer failed", "err", err)
		return
	}
	trace.FtsHits = len(hits)
	for _, h := range hits {
		rel := 1.0 / (1.0 + maxFloat(0, h.Score))
		merge(candidates, h.Record, func(c *candidate) {
			c.fts = maxFloat(c.fts, rel)
		})
	}
}

func (e *Engine) gatherSubstring(ctx context.Context, personaID, query string, includeShared bool, pool int, candidates map[uuid.UUID]*candidate, trace *Trace) {
	keyword := textutil.ExtractKeyword(query)
	if keyword == "" {
		return
	}
	records, err := e.store.SubstringSearch(ctx, personaID, includeShared, keyword, pool)
	if err != nil {
		log.Error("Substring layer failed", "err", err)
		return
	}
	trace.LikeHits = len(records)
	for _, rec := range records {
		merge(candidates, rec, func(c *candidate) {
			c.like = maxFloat(c.like, likeRelevance)
		})
	}
}

func (e *Engine) gatherTags(ctx context.Context, personaID, query string, includeShared bool, pool int, candidates map[uuid.UUID]*candidate, trace *Trace) {
	cfg := e.store.Config()
	names := textutil.ExtractTags(query, cfg.TagMaxPerRecord)
	if len(names) == 0 {
		return
	}
	base, err := e.store.TagIDsByNames(ctx, names)
	if err != nil {
		log.Error("Tag layer failed", "err", err)
		return
	}
	if len(base) == 0 {
		return
	}
	expanded, err := e.store.ExpandCoOccurringTags(ctx, base, cfg.TagMaxExpand)
	if err != nil {
		log.Error("Tag expansion failed", "err", err)
		expanded = base
	}
	hits, err := e.store.RecordsByTagIDs(ctx, personaID, includeShared, expanded, pool)
	if err != nil {
		log.Error("Tag layer failed", "err", err)
		return
	}
	trace.TagHits = len(hits)
	baseCount := float64(maxOf(len(base), 1))
	for _, h := range hits {
		rel := retention.Clamp01(float64(h.MatchedTags) / baseCount)
		merge(candidates, h.Record, func(c *candidate) {
			c.tag = maxFloat(c.tag, rel)
		})
	}
}

func (e *Engine) gatherEntities(ctx context.Context, personaID, query string, includeShared bool, pool int, candidates map[uuid.UUID]*candidate, trace *Trace) {
	tokens := textutil.ExtractTags(query, 12)
	entities, err := e.store.MatchEntities(ctx, personaID, tokens)
	if err != nil {
		log.Error("Graph layer failed", "err", err)
		return
	}
	if len(entities) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(entities))
	for i, ent := range entities {
		ids[i] = ent.ID
	}
	hits, err := e.store.RecordsMentioningEntities(ctx, personaID, includeShared, ids, pool)
	if err != nil {
		log.Error("Graph layer failed", "err", err)
		return
	}
	trace.KgHits = len(hits)
	entityCount := float64(maxOf(len(entities), 1))
	for _, h := range hits {
		rel := retention.Clamp01(float64(h.MatchedMentions) / entityCount)
		merge(candidates, h.Record, func(c *candidate) {
			c.kg = maxFloat(c.kg, rel)
		})
	}
}

func (e *Engine) gatherVectors(ctx context.Context, personaID, query string, includeShared bool, candidates map[uuid.UUID]*candidate, trace *Trace) {
	cfg := e.store.Config()
	embedder, err := e.resolveEmbedder()
	if err != nil {
		trace.VectorSkipped = err.Error()
		return
	}
	if embedder == nil {
		trace.VectorSkipped = "embedding provider disabled"
		return
	}
	queryVec, err := e.embedQuery(ctx, embedder, query)
	if err != nil {
		trace.VectorSkipped = err.Error()
		return
	}

	stored, err := e.store.EmbeddingsForModel(ctx, embedder.ModelName(), cfg.VectorScanLimit)
	if err != nil {
		log.Error("Vector layer failed", "err", err)
		return
	}
	type scored struct {
		recordID uuid.UUID
		score    float64
	}
	var kept []scored
	for _, emb := range stored {
		vec, err := provider.DecodeVector(emb.Vector)
		if err != nil {
			continue
		}
		score := provider.DotProduct(queryVec, vec)
		if score >= cfg.VectorMinScore {
			kept = append(kept, scored{recordID: emb.RecordID, score: score})
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
	if len(kept) > cfg.VectorTopK {
		kept = kept[:cfg.VectorTopK]
	}
	if len(kept) == 0 {
		return
	}

	ids := make([]uuid.UUID, len(kept))
	scores := make(map[uuid.UUID]float64, len(kept))
	for i, k := range kept {
		ids[i] = k.recordID
		scores[k.recordID] = k.score
	}
	records, err := e.store.RecordsByIDs(ctx, ids)
	if err != nil {
		log.Error("Vector layer failed", "err", err)
		return
	}
	for _, rec := range records {
		if !inScope(&rec, personaID, includeShared) {
			continue
		}
		trace.VectorHits++
		score := scores[rec.ID]
		merge(candidates, rec, func(c *candidate) {
			c.vec = maxFloat(c.vec, score)
		})
	}
}

func (e *Engine) resolveEmbedder() (provider.Embedder, error) {
	if e.resolved {
		return e.embedder, nil
	}
	embedder, err := provider.NewEmbedder(e.store.Config())
	if err != nil {
		return nil, err
	}
	e.embedder = embedder
	e.resolved = true
	return embedder, nil
}

func (e *Engine) embedQuery(ctx context.Context, embedder provider.Embedder, query string) ([]float32, error) {
	key := embedder.ModelName() + "\x1f" + query
	if vec, ok := e.queryCache.Get(key); ok {
		return vec, nil
	}
	vectors, err := embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedding provider returned %d vectors for one text", len(vectors))
	}
	vec := provider.NormalizeVector(vectors[0])
	e.queryCache.Set(key, vec, int64(len(vec)*4))
	return vec, nil
}

// inScope filters vector hits, whose table carries no persona column.
func inScope(rec *model.MemoryRecord, personaID string, includeShared bool) bool {
	if rec.PersonaID == nil {
		return personaID == "" || includeShared
	}
	return personaID != "" && *rec.PersonaID == personaID
}

// rank fuses per-signal scores into one weight and sorts. Fusion is a
// probabilistic OR, so one strong signal dominates but weak signals compound.
func rank(candidates map[uuid.UUID]*candidate, now time.Time) []*candidate {
	ranked := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, c)
	}
	weights := make(map[uuid.UUID]float64, len(ranked))
	for _, c := range ranked {
		relevance := 1 - (1-c.fts)*(1-c.like)*(1-c.tag)*(1-c.kg)*(1-c.vec)
		ret := retention.Compute(now, c.record.CreatedAt, c.record.LastAccessedAt, c.record.Strength)
		statusFactor := 1.0
		if c.record.Status == model.StatusArchived {
			statusFactor = archivedStatusFactor
		}
		pinnedFactor := 1.0
		if c.record.Pinned {
			pinnedFactor = pinnedWeightFactor
		}
		weights[c.record.ID] = relevance * ret * (0.5 + c.record.Importance) * statusFactor * pinnedFactor
	}
	sort.Slice(ranked, func(i, j int) bool {
		wi, wj := weights[ranked[i].record.ID], weights[ranked[j].record.ID]
		if wi != wj {
			return wi > wj
		}
		if !ranked[i].record.CreatedAt.Equal(ranked[j].record.CreatedAt) {
			return ranked[i].record.CreatedAt.After(ranked[j].record.CreatedAt)
		}
		return ranked[i].record.ID.String() > ranked[j].record.ID.String()
	})
	return ranked
}

func formatLine(rec *model.MemoryRecord) string {
	role := rec.Role
	if role == "" {
		role = "note"
	}
	return fmt.Sprintf("- (%s) %s: %s", rec.CreatedAt.Format("2006-01-02 15:04"), role, rec.Content)
}

// packLine fits a line into the remaining budget. Overflowing lines are
// truncated with an ellipsis, except under verbatim recall where a clipped
// quote is worse than no quote.
func packLine(line string, used, maxChars int, quoteOnly bool) (string, bool) {
	runes := []rune(line)
	remaining := maxChars - used
	if remaining <= 0 {
		return "", false
	}
	if len(runes) <= remaining {
		return line, true
	}
	if quoteOnly || remaining < 2 {
		return "", false
	}
	return string(runes[:remaining-1]) + "…", true
}

// buildMatchQuery turns free text into an FTS OR-query. Latin words become
// whole-token terms; CJK runes become one term each, matching the
// per-character segmentation the index stores. Tokens are quoted so user
// text can never inject MATCH syntax. A single CJK character alone is too
// ambiguous to search on and yields no query.
func buildMatchQuery(query string) string {
	var tokens []string
	seen := make(map[string]struct{})
	add := func(t string) {
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		tokens = append(tokens, t)
	}

	cjkChars := 0
	var latin []rune
	flushLatin := func() {
		if len(latin) >= 2 {
			add(strings.ToLower(string(latin)))
		}
		latin = latin[:0]
	}
	for _, r := range query {
		switch {
		case textutil.IsCJK(r):
			flushLatin()
			cjkChars++
			add(string(r))
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			latin = append(latin, r)
		default:
			flushLatin()
		}
	}
	flushLatin()

	if len(tokens) == 0 || (len(tokens) == 1 && cjkChars == 1) {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

func maxOf(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
