package allocator

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// line is the arena record of one input item; remaining only ever decreases.
type line struct {
	index     int
	item      LineItem
	remaining int
}

type packer struct {
	opts       Options
	group      GroupKey
	capacities []int
	lines      []*line
}

// pack fills containers one at a time until every line is exhausted.
// Sequence numbers are local to the group and 1-based; the engine renumbers
// them once all groups are done.
func (p *packer) pack(ctx context.Context) ([]Container, error) {
	var out []Container
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidates := p.tier()
		if len(candidates) == 0 {
			return out, nil
		}

		capacity, err := SelectCapacity(remainingTotal(candidates), p.capacities)
		if err != nil {
			return nil, err
		}

		slices.SortStableFunc(candidates, compareCandidates)

		c := p.fill(candidates, capacity)
		if len(c.Allocations) == 0 {
			return out, nil
		}
		c.Sequence = len(out) + 1
		out = append(out, c)
	}
}

// tier returns the lines sharing the most urgent priority. When those hold
// less than TierMinimum units, lines from the same calendar month join them
// so a tiny residue does not end up alone in a container.
func (p *packer) tier() []*line {
	var live []*line
	for _, l := range p.lines {
		if l.remaining > 0 {
			live = append(live, l)
		}
	}
	if len(live) == 0 {
		return nil
	}

	urgent := live[0].item.Priority
	for _, l := range live[1:] {
		if l.item.Priority.Before(urgent) {
			urgent = l.item.Priority
		}
	}

	var exact []*line
	for _, l := range live {
		if l.item.Priority.Equal(urgent) {
			exact = append(exact, l)
		}
	}
	if remainingTotal(exact) >= p.opts.TierMinimum {
		return exact
	}

	var month []*line
	for _, l := range live {
		if samePeriod(l.item.Priority, urgent) {
			month = append(month, l)
		}
	}
	return month
}

func (p *packer) fill(candidates []*line, capacity int) Container {
	c := Container{Group: p.group, Capacity: capacity}
	placed := make(map[string]struct{})
	used := 0

	for _, l := range candidates {
		if used >= capacity {
			break
		}
		if l.remaining <= 0 {
			continue
		}
		if _, seen := placed[l.item.ID]; !seen && !p.admitsNewItem(len(placed), used, capacity) {
			continue
		}

		take := min(l.remaining, capacity-used)
		c.Allocations = append(c.Allocations, newAllocation(l, take))
		l.remaining -= take
		used += take
		placed[l.item.ID] = struct{}{}
	}
	return c
}

// admitsNewItem applies the SKU diversity cap: past MaxDistinctItems a new id
// is only let in to top off the last stretch of the container.
func (p *packer) admitsNewItem(distinct, used, capacity int) bool {
	if p.opts.MaxDistinctItems <= 0 || distinct < p.opts.MaxDistinctItems {
		return true
	}
	return float64(used) >= p.opts.DiversityFillRatio*float64(capacity)
}

func compareCandidates(a, b *line) int {
	if c := a.item.Priority.Compare(b.item.Priority); c != 0 {
		return c
	}
	return b.remaining - a.remaining
}

func newAllocation(l *line, quantity int) Allocation {
	return Allocation{
		Line:        l.index,
		ItemID:      l.item.ID,
		Description: l.item.Description,
		Priority:    l.item.Priority,
		Quantity:    quantity,
		Units:       decimal.NewFromInt(int64(quantity)).Mul(l.item.Conversion),
	}
}

func remainingTotal(lines []*line) int {
	total := 0
	for _, l := range lines {
		total += l.remaining
	}
	return total
}

func samePeriod(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}
