// Package utils holds the configuration of the account service and the
// small helpers shared by its transports.
package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// Map applies f to every element of s.
func Map[S ~[]E, E any, R any](s S, f func(E) R) []R {
	result := make([]R, len(s))
	for i, e := range s {
		result[i] = f(e)
	}
	return result
}

// SplitToInt parses a separated list of non-negative ids. Blank parts are
// skipped, so "1,,2, " yields [1 2].
func SplitToInt(input, separator string) ([]int, error) {
	var result []int
	for _, part := range strings.Split(input, separator) {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		value, err := strconv.Atoi(trimmed)
		if err != nil || value < 0 {
			return nil, fmt.Errorf("invalid id %q", trimmed)
		}
		result = append(result, value)
	}
	return result, nil
}

// SplitAllToInt is SplitToInt over several inputs, as from a repeated
// query parameter or flag.
func SplitAllToInt(inputs []string, separator string) ([]int, error) {
	var result []int
	for _, input := range inputs {
		values, err := SplitToInt(input, separator)
		if err != nil {
			return nil, err
		}
		result = append(result, values...)
	}
	return result, nil
}
