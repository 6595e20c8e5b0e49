package gdrive

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Match scores for RankByQuery. A name starting with the query always
// outranks one merely containing it.
const (
	scorePrefix    = 3
	scoreSubstring = 1
)

// foldName canonicalizes a file name or query for matching: Unicode
// NFC, then lowercase, so composed and decomposed accents compare equal.
func foldName(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}

// RankByQuery reorders files by how well their names match the query:
// prefix matches first, then substring matches, non-matches last. The
// sort is stable, so files with equal scores keep their incoming (server
// recency) order. An empty query leaves the slice untouched.
func RankByQuery(files []File, query string) {
	q := foldName(query)
	if q == "" {
		return
	}

	sort.SliceStable(files, func(i, j int) bool {
		return queryScore(files[i].Name, q) > queryScore(files[j].Name, q)
	})
}

// queryScore scores one folded name against a folded query.
func queryScore(name, foldedQuery string) int {
	folded := foldName(name)

	switch {
	case strings.HasPrefix(folded, foldedQuery):
		return scorePrefix
	case strings.Contains(folded, foldedQuery):
		return scoreSubstring
	default:
		return 0
	}
}

// PinnedFirst reorders files so that pinned ones lead, in the order the
// pin list gives them, followed by the rest in their incoming order.
func PinnedFirst(files []File, pinnedIDs []string) []File {
	if len(pinnedIDs) == 0 {
		return files
	}

	pinned := make(map[string]int, len(pinnedIDs))
	for i, id := range pinnedIDs {
		pinned[id] = i
	}

	out := make([]File, 0, len(files))
	rest := make([]File, 0, len(files))

	for _, f := range files {
		if _, ok := pinned[f.ID]; ok {
			out = append(out, f)
		} else {
			rest = append(rest, f)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return pinned[out[i].ID] < pinned[out[j].ID]
	})

	return append(out, rest...)
}
