package ratelimit

import "strconv"

// formatação de valores numéricos em headers, sem notação científica.

func formatInt(v int) string { return strconv.Itoa(v) }

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
