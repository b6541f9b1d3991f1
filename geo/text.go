package geo

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// UnknownCity is stored when a city cannot be resolved
const UnknownCity = "UNKNOWN"

// NormalizeCity lower-cases and trims a city so it can be used as an exact join key
func NormalizeCity(city string) string {
	c := strings.ToLower(strings.Join(strings.Fields(city), " "))
	if c == "" || c == "unknown" || c == "none" || c == "null" {
		return UnknownCity
	}
	return c
}

var knownCities = []string{
	"pune", "mumbai", "nashik", "nagpur", "aurangabad",
	"delhi", "bangalore", "hyderabad", "chennai", "kolkata",
	"ahmedabad", "surat", "jaipur", "lucknow", "kanpur",
}

// DeriveCity guesses the city from a locality string. A known city named
// anywhere in it wins, then the last part of "Area, City". The result is
// normalized, UnknownCity when nothing fits.
func DeriveCity(locality string) string {
	words := strings.FieldsFunc(strings.ToLower(locality), func(r rune) bool {
		return r == ',' || r == ' ' || r == '-' || r == '/'
	})
	for _, city := range knownCities {
		for _, w := range words {
			if w == city {
				return city
			}
		}
	}

	parts := strings.Split(locality, ",")
	if len(parts) >= 2 {
		if last := strings.TrimSpace(parts[len(parts)-1]); len(last) > 2 {
			return NormalizeCity(last)
		}
	}
	return UnknownCity
}

// ResolveCity normalizes city, falling back to the city derived from locality
func ResolveCity(city, locality string) string {
	if c := NormalizeCity(city); c != UnknownCity {
		return c
	}
	return DeriveCity(locality)
}

// DominantLocality returns the most frequent non-empty locality. Ties go to
// the one seen first.
func DominantLocality(localities []string) string {
	counts := make(map[string]int)
	best, bestCount := "", 0
	for _, l := range localities {
		if l == "" {
			continue
		}
		counts[l]++
		if counts[l] > bestCount {
			best, bestCount = l, counts[l]
		}
	}
	return best
}

// WordJaccard is the Jaccard similarity of the lower-cased word sets of a and b
func WordJaccard(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

// HashIP returns the first 16 hex chars of sha256(salt+ip). Empty ip gives an empty hash.
func HashIP(salt, ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(salt + ip))
	return hex.EncodeToString(sum[:])[:16]
}
