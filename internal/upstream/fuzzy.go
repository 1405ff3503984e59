package upstream

import "github.com/antzucaro/matchr"

// closestWithinDistance returns the candidate with the smallest Levenshtein
// distance to target, provided that distance is <= maxDistance. Returns ""
// when no candidate qualifies.
func closestWithinDistance(target string, candidates []string, maxDistance int) string {
	best := ""
	bestDist := maxDistance + 1
	for _, c := range candidates {
		d := matchr.Levenshtein(target, c)
		if d < bestDist {
			bestDist = d
			best = c
		}
	}
	if bestDist > maxDistance {
		return ""
	}
	return best
}
