package tracker

import (
	"net/url"
	"strings"
)

// MergeTrackers appends each tracker to the magnet URI as a percent-encoded tr
// parameter. Trackers already present are skipped, so merging the same set
// twice yields the same URI.
func MergeTrackers(magnet string, trackers []string) string {
	if len(trackers) == 0 {
		return magnet
	}

	seen := existingTrackers(magnet)
	var b strings.Builder
	b.WriteString(magnet)
	for _, tr := range trackers {
		tr = strings.TrimSpace(tr)
		if tr == "" {
			continue
		}
		if _, ok := seen[tr]; ok {
			continue
		}
		seen[tr] = struct{}{}
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	return b.String()
}

func existingTrackers(magnet string) map[string]struct{} {
	seen := make(map[string]struct{})
	query := magnet
	if i := strings.IndexByte(query, '?'); i >= 0 {
		query = query[i+1:]
	}
	for _, param := range strings.Split(query, "&") {
		if !strings.HasPrefix(param, "tr=") {
			continue
		}
		v, err := url.QueryUnescape(param[len("tr="):])
		if err != nil {
			v = param[len("tr="):]
		}
		seen[v] = struct{}{}
	}
	return seen
}
