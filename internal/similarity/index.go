// Package similarity implements a content-based nearest-neighbour index over
// short text documents using TF-IDF vectors and cosine similarity.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"
)

// Defaults for Options.
const (
	DefaultMinScore            = 0.1
	DefaultMaxSimilarDocuments = 100
	DefaultMaxVectorSize       = 100
)

// ErrAlreadyTrained is returned when Train is called on a trained index.
var ErrAlreadyTrained = errors.New("index already trained")

// Document is one unit of training input. ID is the dish title.
type Document struct {
	ID      string
	Content string
}

// Neighbor is a document similar to the queried one.
type Neighbor struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Options tunes training.
type Options struct {
	// MinScore drops neighbours scoring below it (default: 0.1).
	MinScore float64
	// MaxSimilarDocuments caps each document's neighbour list (default: 100).
	MaxSimilarDocuments int
	// MaxVectorSize keeps only the highest weighted terms per document (default: 100).
	MaxVectorSize int
}

func (o Options) withDefaults() Options {
	if o.MinScore <= 0 {
		o.MinScore = DefaultMinScore
	}
	if o.MaxSimilarDocuments <= 0 {
		o.MaxSimilarDocuments = DefaultMaxSimilarDocuments
	}
	if o.MaxVectorSize <= 0 {
		o.MaxVectorSize = DefaultMaxVectorSize
	}
	return o
}

type model struct {
	neighbors map[string][]Neighbor
	documents int
	trainedAt time.Time
}

// Index answers nearest-neighbour queries. It is trained exactly once and is
// read-only afterwards, so it is safe for concurrent use.
type Index struct {
	opts  Options
	model atomic.Pointer[model]
}

// New creates an untrained index.
func New(opts Options) *Index {
	return &Index{opts: opts.withDefaults()}
}

// Trained reports whether Train has completed.
func (ix *Index) Trained() bool {
	return ix.model.Load() != nil
}

// Len returns the number of training documents, zero when untrained.
func (ix *Index) Len() int {
	if m := ix.model.Load(); m != nil {
		return m.documents
	}
	return 0
}

// TrainedAt returns when training completed.
func (ix *Index) TrainedAt() time.Time {
	if m := ix.model.Load(); m != nil {
		return m.trainedAt
	}
	return time.Time{}
}

// Train builds the neighbour lists for docs. Documents with a duplicate ID
// are ignored after the first. Train returns ctx.Err() if the context ends
// before training completes, leaving the index untrained.
func (ix *Index) Train(ctx context.Context, docs []Document) error {
	if ix.Trained() {
		return ErrAlreadyTrained
	}

	seen := make(map[string]struct{}, len(docs))
	unique := make([]Document, 0, len(docs))
	for _, d := range docs {
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}
		unique = append(unique, d)
	}

	vectors, err := ix.vectorize(ctx, unique)
	if err != nil {
		return err
	}

	neighbors := make(map[string][]Neighbor, len(unique))
	for i := range unique {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("training interrupted: %w", err)
		}
		var list []Neighbor
		for j := range unique {
			if i == j {
				continue
			}
			score := dot(vectors[i], vectors[j])
			if score < ix.opts.MinScore {
				continue
			}
			list = append(list, Neighbor{ID: unique[j].ID, Score: score})
		}
		// Stable: equal scores keep training order.
		sort.SliceStable(list, func(a, b int) bool { return list[a].Score > list[b].Score })
		if len(list) > ix.opts.MaxSimilarDocuments {
			list = list[:ix.opts.MaxSimilarDocuments]
		}
		neighbors[unique[i].ID] = list
	}

	m := &model{neighbors: neighbors, documents: len(unique), trainedAt: time.Now()}
	if !ix.model.CompareAndSwap(nil, m) {
		return ErrAlreadyTrained
	}
	return nil
}

// Nearest returns up to count neighbours of id starting at offset, ordered by
// descending score. Unknown ids and untrained indexes yield an empty slice.
func (ix *Index) Nearest(id string, offset, count int) []Neighbor {
	m := ix.model.Load()
	if m == nil || count <= 0 || offset < 0 {
		return []Neighbor{}
	}
	list := m.neighbors[id]
	if offset >= len(list) {
		return []Neighbor{}
	}
	end := offset + count
	if end > len(list) {
		end = len(list)
	}
	out := make([]Neighbor, end-offset)
	copy(out, list[offset:end])
	return out
}

// vector is a sparse term vector sorted by term, so dot products sum in a
// fixed order and equal inputs give bit-identical scores.
type vector []entry

type entry struct {
	term   string
	weight float64
}

func (ix *Index) vectorize(ctx context.Context, docs []Document) ([]vector, error) {
	termCounts := make([]map[string]int, len(docs))
	docFreq := make(map[string]int)
	for i, d := range docs {
		counts := make(map[string]int)
		for _, term := range Terms(d.Content) {
			counts[term]++
		}
		for term := range counts {
			docFreq[term]++
		}
		termCounts[i] = counts
	}

	n := float64(len(docs))
	vectors := make([]vector, len(docs))
	for i, counts := range termCounts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("training interrupted: %w", err)
		}
		total := 0
		for _, c := range counts {
			total += c
		}

		terms := make([]entry, 0, len(counts))
		for term, c := range counts {
			tf := float64(c) / float64(total)
			idf := 1 + math.Log(n/float64(docFreq[term]))
			terms = append(terms, entry{term, tf * idf})
		}
		sort.Slice(terms, func(a, b int) bool {
			if terms[a].weight != terms[b].weight {
				return terms[a].weight > terms[b].weight
			}
			return terms[a].term < terms[b].term
		})
		if len(terms) > ix.opts.MaxVectorSize {
			terms = terms[:ix.opts.MaxVectorSize]
		}

		var norm float64
		for _, w := range terms {
			norm += w.weight * w.weight
		}
		norm = math.Sqrt(norm)

		v := make(vector, 0, len(terms))
		if norm > 0 {
			for _, w := range terms {
				v = append(v, entry{w.term, w.weight / norm})
			}
		}
		sort.Slice(v, func(a, b int) bool { return v[a].term < v[b].term })
		vectors[i] = v
	}
	return vectors, nil
}

func dot(a, b vector) float64 {
	var sum float64
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch {
		case a[i].term < b[j].term:
			i++
		case a[i].term > b[j].term:
			j++
		default:
			sum += a[i].weight * b[j].weight
			i++
			j++
		}
	}
	// Clamp rounding noise so identical documents score exactly 1.
	return math.Min(sum, 1)
}
