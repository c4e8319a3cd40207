// Package dedup compares a run's newly-generated summary embedding against
// recent successful runs of the same scout, flagging near-duplicates by
// cosine similarity so the notifier can suppress a redundant email.
package dedup

import (
	"fmt"
	"math"
	"time"

	"github.com/scoutforge/scoutd/internal/scout"
)

// DefaultThreshold is the cosine-similarity bar at or above which a run is
// considered a duplicate of a prior finding.
const DefaultThreshold = 0.85

// Result is the outcome of comparing a new embedding against recent
// findings.
type Result struct {
	IsDuplicate bool
	Match       *scout.RecentFinding
	Similarity  float64
}

// Check compares newEmbedding against recent, already dimension-filtered
// findings, and returns the best match if its similarity meets threshold.
// Findings with a dimension mismatch against newEmbedding are skipped
// rather than treated as zero similarity.
func Check(newEmbedding []float32, recent []scout.RecentFinding, threshold float64) Result {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	var best *scout.RecentFinding
	bestSim := -2.0 // below any valid cosine similarity, so an empty recent list never matches

	for i := range recent {
		f := recent[i]
		if len(f.Embedding) != len(newEmbedding) {
			continue
		}
		sim := cosineSimilarity(newEmbedding, f.Embedding)
		if sim > bestSim {
			bestSim = sim
			best = &recent[i]
		}
	}

	if best == nil || bestSim < threshold {
		return Result{IsDuplicate: false}
	}
	return Result{IsDuplicate: true, Match: best, Similarity: bestSim}
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// AnnotateDuplicate renders the human-readable note appended to a run's
// response when it is flagged as a duplicate.
func AnnotateDuplicate(r Result) string {
	if !r.IsDuplicate || r.Match == nil {
		return ""
	}
	return fmt.Sprintf(
		"this finding closely resembles a previous result from %s: %q (similarity %d%%)",
		RelativeDay(r.Match.CompletedAt), r.Match.SummaryText, int(math.Round(r.Similarity*100)),
	)
}

// RelativeDay renders t as "today", "yesterday", or "N days ago" relative
// to now. The agent loop reuses this to describe recent findings in the
// model's system prompt.
func RelativeDay(t time.Time) string {
	days := int(time.Since(t).Hours() / 24)
	switch days {
	case 0:
		return "today"
	case 1:
		return "yesterday"
	default:
		return fmt.Sprintf("%d days ago", days)
	}
}
