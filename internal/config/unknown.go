package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you
// mean?" suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid dotted keys in the config file.
var knownKeys = map[string]bool{
	"oauth.client_id":     true,
	"oauth.client_secret": true,
	"oauth.scopes":        true,
	"oauth.auth_url":      true,
	"oauth.token_url":     true,
	"oauth.userinfo_url":  true,
	"oauth.revoke_url":    true,
	"display.page_size":   true,
	"display.theme":       true,
	"logging.log_level":   true,
	"network.timeout":     true,
	"network.user_agent":  true,
}

// knownKeysList is the sorted slice form of knownKeys for Levenshtein
// matching. Sorted for deterministic suggestions when two candidates
// have the same edit distance.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with a "did you mean?" suggestion for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		keyStr := key.String()

		if suggestion := closestKnownKey(keyStr); suggestion != "" {
			errs = append(errs, fmt.Errorf("unknown config key %q (did you mean %q?)", keyStr, suggestion))
		} else {
			errs = append(errs, fmt.Errorf("unknown config key %q", keyStr))
		}
	}

	return errors.Join(errs...)
}

// closestKnownKey returns the known key nearest to key by edit distance,
// or "" when nothing is close enough to be a plausible typo.
func closestKnownKey(key string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, candidate := range knownKeysList {
		if d := levenshtein(key, candidate); d < bestDist {
			best = candidate
			bestDist = d
		}
	}

	return best
}

// levenshtein computes the edit distance between two strings with the
// standard two-row dynamic program.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}

	ra, rb := []rune(a), []rune(b)

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i

		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}

			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(rb)]
}
