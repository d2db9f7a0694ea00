package feedback

import (
	"sort"

	"openplus/internal/domain"
)

// Summary aggregates a feedback log for the CLI.
type Summary struct {
	Stats
	Entries         int
	AverageRating   float64
	FeatureRequests int
	Tags            []TagCount // most used first
}

type TagCount struct {
	Tag   string
	Count int
}

// Summarize scans the log at path.
func Summarize(path string) (Summary, error) {
	var (
		sum       Summary
		ratingSum int
		tags      = make(map[string]int)
	)
	st, err := Scan(path, func(e domain.FeedbackEntry) {
		sum.Entries++
		ratingSum += e.Rating
		if e.FeatureRequest != "" {
			sum.FeatureRequests++
		}
		for _, t := range e.Tags {
			tags[t]++
		}
	})
	sum.Stats = st
	if err != nil {
		return sum, err
	}
	if sum.Entries > 0 {
		sum.AverageRating = float64(ratingSum) / float64(sum.Entries)
	}

	sum.Tags = make([]TagCount, 0, len(tags))
	for t, n := range tags {
		sum.Tags = append(sum.Tags, TagCount{Tag: t, Count: n})
	}
	sort.Slice(sum.Tags, func(i, j int) bool {
		if sum.Tags[i].Count != sum.Tags[j].Count {
			return sum.Tags[i].Count > sum.Tags[j].Count
		}
		return sum.Tags[i].Tag < sum.Tags[j].Tag
	})
	return sum, nil
}
