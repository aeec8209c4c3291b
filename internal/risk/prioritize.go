package risk

import (
	"sort"
	"strings"

	"clinical-risk-service/internal/models"
)

const dedupPrefixRunes = 50

// DedupKey identifies flags that describe the same signal: the flag type
// plus the first 50 characters of the matched text.
func DedupKey(f models.RiskFlag) string {
	r := []rune(strings.ToLower(f.MatchedText))
	if len(r) > dedupPrefixRunes {
		r = r[:dedupPrefixRunes]
	}
	return string(f.Type) + "|" + string(r)
}

func sortByPriority(flags []models.RiskFlag) {
	sort.SliceStable(flags, func(i, j int) bool {
		ri, rj := flags[i].Severity.Rank(), flags[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return flags[i].Confidence > flags[j].Confidence
	})
}

// Prioritize sorts flags by severity then confidence, both descending, and
// keeps the first flag for each DedupKey.
func Prioritize(flags []models.RiskFlag) []models.RiskFlag {
	sorted := make([]models.RiskFlag, len(flags))
	copy(sorted, flags)
	sortByPriority(sorted)

	out := make([]models.RiskFlag, 0, len(sorted))
	seen := make(map[string]bool, len(sorted))
	for _, f := range sorted {
		key := DedupKey(f)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out
}

// Reconcile merges the flags raised live with the flags of a batch pass.
// For each dedup key, the best batch flag supersedes the live flags when
// its confidence is at least that of every live flag with the key;
// otherwise the live flags are kept and the batch flag is dropped. Live
// flags are never lost: each one is either kept or superseded by a
// same-key flag of equal or higher confidence.
func Reconcile(live, batch []models.RiskFlag) []models.RiskFlag {
	bestBatch := make(map[string]int)
	for i, f := range batch {
		key := DedupKey(f)
		if j, ok := bestBatch[key]; !ok || f.Confidence > batch[j].Confidence {
			bestBatch[key] = i
		}
	}

	liveMax := make(map[string]float64)
	liveIDs := make(map[string][]string)
	for _, f := range live {
		key := DedupKey(f)
		if c, ok := liveMax[key]; !ok || f.Confidence > c {
			liveMax[key] = f.Confidence
		}
		liveIDs[key] = append(liveIDs[key], f.ID)
	}

	batchWins := func(key string) bool {
		i, ok := bestBatch[key]
		return ok && batch[i].Confidence >= liveMax[key]
	}

	merged := make([]models.RiskFlag, 0, len(live)+len(bestBatch))
	for _, f := range live {
		if !batchWins(DedupKey(f)) {
			merged = append(merged, f)
		}
	}
	for i, f := range batch {
		key := DedupKey(f)
		if bestBatch[key] != i {
			continue
		}
		if _, hasLive := liveMax[key]; hasLive {
			if !batchWins(key) {
				continue
			}
			f = withMetadata(f, "supersedes", strings.Join(liveIDs[key], ","))
		}
		merged = append(merged, f)
	}
	sortByPriority(merged)
	return merged
}

func withMetadata(f models.RiskFlag, key string, value any) models.RiskFlag {
	meta := make(map[string]any, len(f.Metadata)+1)
	for k, v := range f.Metadata {
		meta[k] = v
	}
	meta[key] = value
	f.Metadata = meta
	return f
}

// Summarize derives the per-severity and per-type counts of flags.
func Summarize(flags []models.RiskFlag) models.FlagSummary {
	s := models.FlagSummary{
		Total:      len(flags),
		BySeverity: make(map[models.Severity]int),
		ByType:     make(map[models.FlagType]int),
	}
	for _, f := range flags {
		s.BySeverity[f.Severity]++
		s.ByType[f.Type]++
		if f.Severity.Rank() > s.HighestSeverity.Rank() {
			s.HighestSeverity = f.Severity
		}
	}
	s.RequiresReview = s.HighestSeverity.Rank() >= models.SeverityHigh.Rank()
	return s
}
