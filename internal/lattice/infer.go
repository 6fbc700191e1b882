package lattice

import (
	"fmt"
	"math/rand"

	"github.com/agentic-research/gloss/api"
	"github.com/agentic-research/gloss/internal/corpus"
)

// InferConfig controls the topology inference pipeline.
type InferConfig struct {
	Method     string            // "fca" (default) or "greedy"
	SampleSize int               // max records sampled (default 1000)
	RootName   string            // root directory name (method default when empty)
	MaxDepth   int               // greedy recursion cap (default 5)
	MaxTopics  int               // FCA topic cap (default DefaultMaxTopics)
	Seed       int64             // sampling seed (0 = deterministic)
	Hints      map[string]string // field hints; nil means DefaultHints
}

// DefaultInferConfig returns sensible defaults for note corpora.
func DefaultInferConfig() InferConfig {
	return InferConfig{
		Method:     "fca",
		SampleSize: 1000,
		MaxDepth:   5,
		MaxTopics:  DefaultMaxTopics,
		Hints:      DefaultHints(),
	}
}

// Inferrer orchestrates topology inference.
type Inferrer struct {
	Config InferConfig
}

// InferFromDocuments infers a topology from parsed notes.
func (inf *Inferrer) InferFromDocuments(docs []*corpus.Document) (*api.Topology, error) {
	records := make([]any, len(docs))
	for i, d := range docs {
		records[i] = d.Record()
	}
	return inf.InferFromRecords(records)
}

// InferFromRecords infers a topology from pre-built note records.
func (inf *Inferrer) InferFromRecords(records []any) (*api.Topology, error) {
	if len(records) == 0 {
		return &api.Topology{Version: "v1"}, nil
	}

	sampled := records
	if inf.Config.SampleSize > 0 && len(records) > inf.Config.SampleSize {
		sampled = reservoirSample(records, inf.Config.SampleSize, inf.Config.Seed)
	}

	pcfg := ProjectConfig{
		RootName:  inf.Config.RootName,
		MaxDepth:  inf.Config.MaxDepth,
		MaxTopics: inf.Config.MaxTopics,
		Hints:     inf.Config.Hints,
	}
	if pcfg.Hints == nil {
		pcfg.Hints = DefaultHints()
	}

	if inf.Config.Method == "greedy" {
		return InferGreedy(sampled, pcfg), nil
	}

	ctx := BuildNoteContext(sampled)
	concepts := NextClosure(ctx)
	return Project(concepts, ctx, pcfg), nil
}

// InferFromSQLite infers a topology by streaming note records from a
// built index, reservoir-sampled to keep memory bounded.
func (inf *Inferrer) InferFromSQLite(dbPath string) (*api.Topology, error) {
	sampleSize := inf.Config.SampleSize
	if sampleSize <= 0 {
		sampleSize = 1000
	}

	reservoir := make([]any, 0, sampleSize)
	rng := rand.New(rand.NewSource(inf.Config.Seed))
	count := 0

	err := corpus.StreamNotes(dbPath, func(_ string, record any) error {
		if count < sampleSize {
			reservoir = append(reservoir, record)
		} else if j := rng.Intn(count + 1); j < sampleSize {
			reservoir[j] = record
		}
		count++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sample index: %w", err)
	}
	if count == 0 {
		return &api.Topology{Version: "v1"}, nil
	}

	return inf.InferFromRecords(reservoir)
}

// reservoirSample draws k records uniformly.
func reservoirSample(records []any, k int, seed int64) []any {
	if len(records) <= k {
		return records
	}
	rng := rand.New(rand.NewSource(seed))
	reservoir := make([]any, k)
	copy(reservoir, records[:k])
	for i := k; i < len(records); i++ {
		if j := rng.Intn(i + 1); j < k {
			reservoir[j] = records[i]
		}
	}
	return reservoir
}
