// Package retriever shortlists pre-approved batches for a free-text request.
package retriever

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/itskum47/fleetgate/control_plane/observability"
	"github.com/itskum47/fleetgate/control_plane/policy"
	"github.com/itskum47/fleetgate/control_plane/store"
)

const (
	DefaultLimit = 5
	MaxLimit     = 20
)

// BatchLister loads the live batches of a tenant.
type BatchLister interface {
	ListBatches(ctx context.Context, tenantID string) ([]*store.Batch, error)
}

// BatchSummary is what the Decision Engine sees of a candidate batch.
type BatchSummary struct {
	ID             string         `json:"id"`
	Key            string         `json:"key"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Risk           policy.Risk    `json:"risk"`
	InputsSchema   map[string]any `json:"inputs_schema,omitempty"`
	InputsDefaults map[string]any `json:"inputs_defaults,omitempty"`
	Score          float64        `json:"score"`
}

// Retriever ranks batches with BM25. Batches are read fresh per request.
type Retriever struct {
	batches BatchLister
}

// New creates a Retriever backed by the given batch source.
func New(batches BatchLister) *Retriever {
	return &Retriever{batches: batches}
}

// Retrieve returns at most limit batches compatible with os, best first.
// Batches with no lexical overlap are not returned.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, request, os string, limit int) ([]BatchSummary, error) {
	all, err := r.batches.ListBatches(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	out := Rank(all, request, os, limit)
	observability.CandidatesRetrieved.Observe(float64(len(out)))
	return out, nil
}

// Rank is the pure ranking step of Retrieve.
func Rank(batches []*store.Batch, request, os string, limit int) []BatchSummary {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	compatible := make([]*store.Batch, 0, len(batches))
	for _, b := range batches {
		if compatibleOS(b, os) {
			compatible = append(compatible, b)
		}
	}

	query := tokenize(request)
	if len(query) == 0 || len(compatible) == 0 {
		return []BatchSummary{}
	}

	docs := make([][]field, len(compatible))
	for i, b := range compatible {
		docs[i] = []field{
			{text: strings.NewReplacer("-", " ", "_", " ").Replace(b.Key), weight: 2},
			{text: b.Name, weight: 3},
			{text: b.Description, weight: 1},
			{text: strings.Join(b.Commands, " "), weight: 1},
		}
	}
	idx := newIndex(docs)

	out := make([]BatchSummary, 0, len(compatible))
	for i, b := range compatible {
		s := idx.score(i, query)
		if s <= 0 {
			continue
		}
		out = append(out, BatchSummary{
			ID:             b.ID,
			Key:            b.Key,
			Name:           b.Name,
			Description:    b.Description,
			Risk:           b.Risk,
			InputsSchema:   b.InputsSchema,
			InputsDefaults: b.InputsDefaults,
			Score:          s,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// compatibleOS reports whether b targets os. An empty target list or an
// unknown OS matches everything.
func compatibleOS(b *store.Batch, os string) bool {
	if len(b.OSTargets) == 0 || strings.TrimSpace(os) == "" {
		return true
	}
	return policy.MatchOS(b.OSTargets, os)
}
