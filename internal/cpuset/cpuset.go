// Package cpuset parses core selections and pins processes to cores.
package cpuset

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Parse expands a core selection into a sorted list of distinct core ids.
//
// Accepted forms: "all", a single id "3", a range "0-7" and comma separated
// combinations "0,2,4-6". ncpu bounds the ids and resolves "all".
func Parse(spec string, ncpu int) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty core selection")
	}
	if ncpu <= 0 {
		return nil, fmt.Errorf("invalid cpu count %d", ncpu)
	}
	if strings.EqualFold(spec, "all") {
		cores := make([]int, ncpu)
		for i := range cores {
			cores[i] = i
		}
		return cores, nil
	}

	seen := make(map[int]struct{})
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty element in core selection %q", spec)
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := parseCore(lo, ncpu)
		if err != nil {
			return nil, err
		}
		last := first
		if isRange {
			if last, err = parseCore(hi, ncpu); err != nil {
				return nil, err
			}
			if last < first {
				return nil, fmt.Errorf("descending core range %q", part)
			}
		}
		for c := first; c <= last; c++ {
			seen[c] = struct{}{}
		}
	}

	cores := make([]int, 0, len(seen))
	for c := range seen {
		cores = append(cores, c)
	}
	sort.Ints(cores)
	return cores, nil
}

func parseCore(s string, ncpu int) (int, error) {
	c, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid core id %q: %w", s, err)
	}
	if c < 0 || c >= ncpu {
		return 0, fmt.Errorf("core id %d out of range [0, %d)", c, ncpu)
	}
	return c, nil
}
