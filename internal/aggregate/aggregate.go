// Package aggregate derives a snapshot's status from its extractor results.
package aggregate

import (
	"github.com/JakeFAU/web-archiver/internal/archive"
)

// precedence orders states from least to most informative.
var precedence = map[archive.Status]int{
	archive.StatusQueued:    0,
	archive.StatusStarted:   1,
	archive.StatusSkipped:   2,
	archive.StatusFailed:    3,
	archive.StatusSucceeded: 4,
}

// Aggregate computes the snapshot status from results. required names the
// extractors whose success counts; an empty set treats every result as required.
//
// Rules, in order:
//   - no results: queued
//   - a required extractor still queued or started: started
//   - at least one required extractor succeeded: succeeded
//   - every attempted required extractor failed or timed out: failed
//   - otherwise the highest-precedence state among all results
func Aggregate(results map[string]archive.ExtractorResult, required []string) archive.Status {
	if len(results) == 0 {
		return archive.StatusQueued
	}
	req := requiredSet(required)

	var (
		pending   bool
		succeeded bool
		attempted int
		failed    int
	)
	for name, res := range results {
		if !isRequired(req, name) {
			continue
		}
		switch normalize(res.Status) {
		case archive.StatusQueued, archive.StatusStarted:
			pending = true
		case archive.StatusSucceeded:
			succeeded = true
			attempted++
		case archive.StatusFailed:
			attempted++
			failed++
		}
	}

	switch {
	case pending:
		return archive.StatusStarted
	case succeeded:
		return archive.StatusSucceeded
	case attempted > 0 && attempted == failed:
		return archive.StatusFailed
	}

	best := archive.StatusQueued
	for _, res := range results {
		st := normalize(res.Status)
		if precedence[st] > precedence[best] {
			best = st
		}
	}
	return best
}

func normalize(s archive.Status) archive.Status {
	switch s {
	case archive.StatusTimedOut:
		return archive.StatusFailed
	case archive.StatusQueued, archive.StatusStarted, archive.StatusSkipped,
		archive.StatusFailed, archive.StatusSucceeded:
		return s
	default:
		// Unknown values from newer writers are treated as not yet run.
		return archive.StatusQueued
	}
}

func requiredSet(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func isRequired(set map[string]struct{}, name string) bool {
	if set == nil {
		return true
	}
	_, ok := set[name]
	return ok
}
