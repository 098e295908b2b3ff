// Package search ranks registered agents against a free-text query.
// Ranking is cosine similarity over stored embeddings when a query
// vector is available, and a token-overlap score otherwise, so a down
// embedder degrades the answer instead of emptying it.
package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/arcp-dev/arcp/internal/embeddings"
	"github.com/arcp-dev/arcp/pkg/models"
)

// Ranking modes reported in the response.
const (
	ModeSemantic = "semantic"
	ModeLexical  = "lexical"
)

// Weighted ranking folds reputation into the score without letting a
// zero-reputation newcomer vanish entirely.
const (
	weightedBase       = 0.7
	weightedReputation = 0.3
)

// Source supplies the candidate records. *registry.Service implements it.
type Source interface {
	All() []*models.AgentInfo
}

// Config sets the ranking defaults and the top_k ceiling. Zero values
// fall back to the model constants.
type Config struct {
	DefaultTopK          int
	MaxTopK              int
	DefaultMinSimilarity float64
}

func (c *Config) defaults() {
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = models.SearchDefaultTopK
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = models.SearchMaxTopK
	}
	if c.DefaultMinSimilarity <= 0 {
		c.DefaultMinSimilarity = models.SearchDefaultMinSimilarity
	}
}

// Engine runs queries against the registry mirror.
type Engine struct {
	cfg      Config
	source   Source
	embedder *embeddings.Service
}

func NewEngine(cfg Config, source Source, embedder *embeddings.Service) *Engine {
	cfg.defaults()
	return &Engine{cfg: cfg, source: source, embedder: embedder}
}

// Search ranks alive agents against the query.
//
// The pipeline: filter candidates by type and capabilities, score them
// (cosine or token overlap), cut below min_similarity, optionally weight
// by reputation, order by score with last_seen then agent_id as
// tie-breaks, truncate to top_k, and page the remainder.
func (e *Engine) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	topK := e.cfg.DefaultTopK
	clamped := false
	if req.TopK != nil {
		topK = *req.TopK
		if topK < 0 {
			topK = 0
		}
		if topK > e.cfg.MaxTopK {
			topK = e.cfg.MaxTopK
			clamped = true
		}
	}
	minSim := e.cfg.DefaultMinSimilarity
	if req.MinSimilarity != nil {
		minSim = *req.MinSimilarity
	}

	mode := ModeLexical
	var queryVec []float64
	if e.embedder.Enabled() {
		vec, err := e.embedder.EmbedOne(ctx, req.Query)
		if err != nil {
			log.Warn().Err(err).Msg("query embedding failed, using lexical ranking")
		} else {
			queryVec = vec
			mode = ModeSemantic
		}
	}
	queryTokens := tokenize(req.Query)

	type scored struct {
		info  *models.AgentInfo
		score float64
	}
	var hits []scored
	for _, info := range e.source.All() {
		if info.Status != models.AgentStatusAlive {
			continue
		}
		if req.AgentType != "" && info.AgentType != req.AgentType {
			continue
		}
		if !hasCapabilities(info, req.Capabilities) {
			continue
		}

		var score float64
		if mode == ModeSemantic {
			score = cosine(queryVec, info.Embedding)
		} else {
			score = overlap(queryTokens, agentTokens(info))
		}
		if score < minSim {
			continue
		}
		if req.Weighted {
			var rep float64
			if info.Metrics != nil {
				rep = info.Metrics.ReputationScore
			}
			score *= weightedBase + weightedReputation*rep
		}
		hits = append(hits, scored{info: info, score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		if !hits[i].info.LastSeen.Equal(hits[j].info.LastSeen) {
			return hits[i].info.LastSeen.After(hits[j].info.LastSeen)
		}
		return hits[i].info.AgentID < hits[j].info.AgentID
	})
	if topK < len(hits) {
		hits = hits[:topK]
	}

	results := make([]models.SearchResult, len(hits))
	for i, h := range hits {
		results[i] = models.SearchResult{
			AgentID:      h.info.AgentID,
			Name:         h.info.Name,
			AgentType:    h.info.AgentType,
			Capabilities: h.info.Capabilities,
			ContextBrief: h.info.ContextBrief,
			Status:       h.info.Status,
			Similarity:   h.score,
			LastSeen:     h.info.LastSeen,
		}
		if h.info.Metrics != nil {
			results[i].Reputation = h.info.Metrics.ReputationScore
		}
	}

	resp := &models.SearchResponse{
		Results:     results,
		Mode:        mode,
		TopK:        topK,
		TopKClamped: clamped,
	}
	if req.PageSize > 0 {
		pg := models.NewPagination(req.Page, req.PageSize, len(results))
		start := (pg.CurrentPage - 1) * pg.PageSize
		if start >= len(results) {
			resp.Results = []models.SearchResult{}
		} else {
			end := start + pg.PageSize
			if end > len(results) {
				end = len(results)
			}
			resp.Results = results[start:end]
		}
		resp.Pagination = &pg
	}
	return resp, nil
}

func hasCapabilities(info *models.AgentInfo, want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]bool, len(info.Capabilities))
	for _, c := range info.Capabilities {
		have[c] = true
	}
	for _, c := range want {
		if !have[c] {
			return false
		}
	}
	return true
}

// cosine returns 0 for missing vectors, mismatched dimensions, and
// zero norms, which keeps vectorless agents below any positive cut.
func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// overlap is Jaccard similarity over the two token sets.
func overlap(query, agent map[string]bool) float64 {
	if len(query) == 0 || len(agent) == 0 {
		return 0
	}
	inter := 0
	for tok := range query {
		if agent[tok] {
			inter++
		}
	}
	union := len(query) + len(agent) - inter
	return float64(inter) / float64(union)
}

// tokenize lower-cases and splits on anything that is not a letter or
// digit.
func tokenize(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

func agentTokens(info *models.AgentInfo) map[string]bool {
	set := tokenize(info.ContextBrief)
	for _, c := range info.Capabilities {
		for tok := range tokenize(c) {
			set[tok] = true
		}
	}
	return set
}
