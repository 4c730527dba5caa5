package allocator

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

// Consolidate reworks the trailing containers of one group. While the last
// two fit together in one container of the smallest capacity they are merged;
// a final pair that fits in two smallest containers is re-split across them,
// filling the first before the second. Containers of other groups must not be
// passed in. The input slice is not modified.
func Consolidate(containers []Container, capacities []int) ([]Container, error) {
	if err := validateMenu(capacities); err != nil {
		return nil, err
	}

	out := slices.Clone(containers)
	small := slices.Min(capacities)

	for len(out) >= 2 {
		n := len(out)
		a, b := out[n-2], out[n-1]
		combined := a.Load() + b.Load()
		records := mergeRecords(a.Allocations, b.Allocations)

		switch {
		case combined <= small:
			out = append(out[:n-2], Container{
				Sequence:    a.Sequence,
				Group:       a.Group,
				Capacity:    small,
				Allocations: records,
			})
			continue
		case combined <= 2*small:
			first, second := splitRecords(records, small)
			out = append(out[:n-2],
				Container{Sequence: a.Sequence, Group: a.Group, Capacity: small, Allocations: first},
				Container{Sequence: b.Sequence, Group: b.Group, Capacity: small, Allocations: second},
			)
		default:
			for _, c := range []Container{a, b} {
				if !slices.Contains(capacities, c.Capacity) || c.Load() > c.Capacity {
					return nil, fmt.Errorf("%w: container %d holds %d units for capacity %d, menu %v",
						ErrConfiguration, c.Sequence, c.Load(), c.Capacity, capacities)
				}
			}
		}
		break
	}

	return out, nil
}

// mergeRecords concatenates two allocation lists, folding repeated lines into
// their first occurrence.
func mergeRecords(a, b []Allocation) []Allocation {
	out := make([]Allocation, 0, len(a)+len(b))
	pos := make(map[int]int, len(a)+len(b))
	for _, list := range [][]Allocation{a, b} {
		for _, rec := range list {
			if i, ok := pos[rec.Line]; ok {
				out[i].Quantity += rec.Quantity
				out[i].Units = out[i].Units.Add(rec.Units)
				continue
			}
			pos[rec.Line] = len(out)
			out = append(out, rec)
		}
	}
	return out
}

// splitRecords fills the first list up to capacity and puts the rest in the
// second. A record straddling the boundary is cut in two.
func splitRecords(records []Allocation, capacity int) ([]Allocation, []Allocation) {
	var first, second []Allocation
	used := 0
	for _, rec := range records {
		space := capacity - used
		switch {
		case space <= 0:
			second = append(second, rec)
		case rec.Quantity <= space:
			first = append(first, rec)
			used += rec.Quantity
		default:
			head, tail := cutRecord(rec, space)
			first = append(first, head)
			second = append(second, tail)
			used = capacity
		}
	}
	return first, second
}

func cutRecord(rec Allocation, quantity int) (Allocation, Allocation) {
	head, tail := rec, rec
	head.Quantity = quantity
	tail.Quantity = rec.Quantity - quantity
	if rec.Quantity > 0 {
		head.Units = rec.Units.Mul(decimal.NewFromInt(int64(quantity))).Div(decimal.NewFromInt(int64(rec.Quantity)))
		tail.Units = rec.Units.Sub(head.Units)
	}
	return head, tail
}
