package match

import "strings"

// Similarity compares the configured attribute subset between a necessity
// and a candidate. Comparison is case-insensitive string equality. Fields
// empty or absent on either side are excluded from the denominator: they
// neither help nor hurt the score, which matters for sparsely filled
// survey records. The returned divergent list holds the fields that were
// compared and disagreed.
func Similarity(necAttrs, cadAttrs map[string]string, matchAttributes []string) (float64, []string) {
	matches := 0
	compared := 0
	var divergent []string

	for _, field := range matchAttributes {
		a := strings.TrimSpace(necAttrs[field])
		b := strings.TrimSpace(cadAttrs[field])
		if a == "" || b == "" {
			continue
		}
		compared++
		if strings.EqualFold(a, b) {
			matches++
		} else {
			divergent = append(divergent, field)
		}
	}

	den := compared
	if den < 1 {
		den = 1
	}
	return float64(matches) / float64(den), divergent
}
