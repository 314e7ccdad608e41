package store

import (
	"strconv"
	"strings"
)

// boundsLiteral renders a float8[] literal for the bounds column.
func boundsLiteral(bounds []float64) string {
	parts := make([]string, len(bounds))
	for i, v := range bounds {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// parseBounds reads the text form Postgres returns for float8[], e.g.
// "{-180,-90,180,90}". Malformed elements are dropped rather than failing a
// whole row scan.
func parseBounds(text string) []float64 {
	trimmed := strings.Trim(text, "{}")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ",")
	bounds := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			continue
		}
		bounds = append(bounds, v)
	}
	if len(bounds) == 0 {
		return nil
	}
	return bounds
}
