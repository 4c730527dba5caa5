package allocator

import (
	"fmt"
	"slices"
)

// SelectCapacity picks the capacity of the next container. A full large
// container is used while the remainder allows it; otherwise the capacity
// closest to the remainder wins, ties going to the larger one.
func SelectCapacity(remaining int, capacities []int) (int, error) {
	if err := validateMenu(capacities); err != nil {
		return 0, err
	}

	largest := slices.Max(capacities)
	if remaining >= largest {
		return largest, nil
	}

	best := 0
	bestDiff := -1
	for _, c := range capacities {
		diff := c - remaining
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff || (diff == bestDiff && c > best) {
			best = c
			bestDiff = diff
		}
	}
	return best, nil
}

func validateMenu(capacities []int) error {
	if len(capacities) == 0 {
		return fmt.Errorf("%w: capacity menu is empty", ErrConfiguration)
	}
	for _, c := range capacities {
		if c <= 0 {
			return fmt.Errorf("%w: capacity must be positive, got %d", ErrConfiguration, c)
		}
	}
	return nil
}
