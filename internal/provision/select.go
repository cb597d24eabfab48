package provision

import (
	"strings"

	"github.com/3cpo-dev/frigg/internal/providers"
)

// Select returns the only entry whose name contains criterion. Zero or
// several matches fail with *AmbiguousSelectionError.
func Select(kind string, catalog []providers.Entry, criterion string) (providers.Entry, error) {
	var matches []providers.Entry
	for _, e := range catalog {
		if strings.Contains(e.Name, criterion) {
			matches = append(matches, e)
		}
	}
	if len(matches) == 1 {
		return matches[0], nil
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = m.Name
	}
	return providers.Entry{}, &AmbiguousSelectionError{Kind: kind, Criterion: criterion, Matches: names}
}
