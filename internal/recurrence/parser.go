package recurrence

import (
	"fmt"
	"strconv"
	"strings"
)

// set is a bitset of the allowed values of one field. All fields fit in 64 bits.
type set uint64

func (s set) has(v int) bool {
	return s&(1<<uint(v)) != 0
}

// next returns the smallest member >= v, or false if none is left
func (s set) next(v, max int) (int, bool) {
	for ; v <= max; v++ {
		if s.has(v) {
			return v, true
		}
	}
	return 0, false
}

func fullSet(min, max int) set {
	var s set
	for v := min; v <= max; v++ {
		s |= 1 << uint(v)
	}
	return s
}

// parseField parses one repeat field. An empty field or "*" allows every value.
func parseField(field string, min, max int) (set, error) {
	field = strings.TrimSpace(field)
	if field == "" || field == "*" {
		return fullSet(min, max), nil
	}

	var s set
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return 0, fmt.Errorf("empty value in list %q", field)
		}

		partSet, err := parsePart(part, min, max)
		if err != nil {
			return 0, err
		}
		s |= partSet
	}

	return s, nil
}

// parsePart parses a single value, a range (1-5) or a step (*/15, 1-10/2, 5/10)
func parsePart(part string, min, max int) (set, error) {
	rangePart, stepPart, hasStep := strings.Cut(part, "/")

	step := 1
	if hasStep {
		var err error
		step, err = strconv.Atoi(stepPart)
		if err != nil {
			return 0, fmt.Errorf("invalid step value %q: %w", stepPart, err)
		}
		if step <= 0 {
			return 0, fmt.Errorf("step must be greater than 0")
		}
	}

	start, end := min, max
	switch {
	case rangePart == "*":
	case strings.Contains(rangePart, "-"):
		lo, hi, _ := strings.Cut(rangePart, "-")
		var err error
		if start, err = parseValue(lo, min, max); err != nil {
			return 0, err
		}
		if end, err = parseValue(hi, min, max); err != nil {
			return 0, err
		}
		if start > end {
			return 0, fmt.Errorf("invalid range: start %d > end %d", start, end)
		}
	default:
		v, err := parseValue(rangePart, min, max)
		if err != nil {
			return 0, err
		}
		start = v
		if !hasStep {
			end = v
		}
	}

	var s set
	for v := start; v <= end; v += step {
		s |= 1 << uint(v)
	}
	return s, nil
}

func parseValue(raw string, min, max int) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: %w", raw, err)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("value %d out of bounds [%d, %d]", v, min, max)
	}
	return v, nil
}
