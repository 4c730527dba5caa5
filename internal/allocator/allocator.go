package allocator

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxDistinctItems   = 5
	defaultDiversityFillRatio = 0.9
	defaultTierMinimum        = 5
	defaultWorkers            = 4
	defaultMaxGroupUnits      = 100_000
)

// Options tunes the packing heuristics.
type Options struct {
	// MaxDistinctItems caps distinct item ids per container; 0 disables the cap.
	MaxDistinctItems int
	// DiversityFillRatio is the fill level from which the cap is lifted.
	DiversityFillRatio float64
	// TierMinimum is the unit count below which a priority tier is widened
	// to its whole calendar month.
	TierMinimum int
	// Workers bounds how many groups are packed concurrently.
	Workers int
	// MaxGroupUnits caps the total quantity of a single group; 0 disables it.
	MaxGroupUnits int
}

// DefaultOptions returns the heuristics used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		MaxDistinctItems:   defaultMaxDistinctItems,
		DiversityFillRatio: defaultDiversityFillRatio,
		TierMinimum:        defaultTierMinimum,
		Workers:            defaultWorkers,
		MaxGroupUnits:      defaultMaxGroupUnits,
	}
}

// Option configures the engine.
type Option func(*engine)

// WithOptions overrides the packing heuristics.
func WithOptions(opts Options) Option {
	return func(e *engine) {
		e.opts = opts
	}
}

// WithLogger attaches a logger for per-group diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(e *engine) {
		e.logger = logger
	}
}

type engine struct {
	opts   Options
	logger *zap.Logger
}

// New creates an Allocator based on greedy packing followed by tail consolidation.
func New(opts ...Option) Allocator {
	e := &engine{
		opts:   DefaultOptions(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.opts.Workers <= 0 {
		e.opts.Workers = 1
	}
	return e
}

type group struct {
	key   GroupKey
	lines []*line
}

type groupOutput struct {
	containers []Container
	err        error
}

func (e *engine) Allocate(ctx context.Context, plan Plan) (Result, error) {
	groups := groupItems(plan.Items)
	outputs := make([]groupOutput, len(groups))

	g := new(errgroup.Group)
	g.SetLimit(e.opts.Workers)
	for i, grp := range groups {
		g.Go(func() error {
			containers, err := e.allocateGroup(ctx, grp, plan.Menus)
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			outputs[i] = groupOutput{containers: containers, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{Groups: len(groups)}
	for i, out := range outputs {
		if out.err != nil {
			e.logger.Warn("group allocation failed",
				zap.String("group", groups[i].key.String()),
				zap.Error(out.err),
			)
			res.Failures = append(res.Failures, GroupFailure{Group: groups[i].key, Err: out.err})
			continue
		}
		res.Containers = append(res.Containers, out.containers...)
	}
	for i := range res.Containers {
		res.Containers[i].Sequence = i + 1
	}

	return res, nil
}

func (e *engine) allocateGroup(ctx context.Context, grp group, menus map[string][]int) ([]Container, error) {
	capacities, err := menuFor(grp.key, menus)
	if err != nil {
		return nil, err
	}
	if err := validateLines(grp.lines, e.opts.MaxGroupUnits); err != nil {
		return nil, fmt.Errorf("group %s: %w", grp.key, err)
	}

	p := &packer{
		opts:       e.opts,
		group:      grp.key,
		capacities: capacities,
		lines:      grp.lines,
	}
	packed, err := p.pack(ctx)
	if err != nil {
		return nil, err
	}

	consolidated, err := Consolidate(packed, capacities)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", grp.key, err)
	}
	if err := checkConservation(grp.lines, consolidated); err != nil {
		return nil, fmt.Errorf("group %s: %w", grp.key, err)
	}

	e.logger.Debug("group allocated",
		zap.String("group", grp.key.String()),
		zap.Int("lines", len(grp.lines)),
		zap.Int("packed", len(packed)),
		zap.Int("containers", len(consolidated)),
	)
	return consolidated, nil
}

// groupItems partitions items by group key in order of first appearance.
func groupItems(items []LineItem) []group {
	var groups []group
	index := make(map[GroupKey]int)
	for i, item := range items {
		pos, ok := index[item.Group]
		if !ok {
			pos = len(groups)
			index[item.Group] = pos
			groups = append(groups, group{key: item.Group})
		}
		groups[pos].lines = append(groups[pos].lines, &line{
			index:     i,
			item:      item,
			remaining: item.Quantity,
		})
	}
	return groups
}

func menuFor(key GroupKey, menus map[string][]int) ([]int, error) {
	capacities, ok := menus[key.String()]
	if !ok {
		capacities, ok = menus[key.Client]
	}
	if !ok {
		return nil, fmt.Errorf("%w: no capacity menu for group %s", ErrConfiguration, key)
	}
	if err := validateMenu(capacities); err != nil {
		return nil, fmt.Errorf("group %s: %w", key, err)
	}
	return capacities, nil
}

// validateLines rejects malformed lines and groups whose total quantity
// exceeds maxUnits, before any container is built.
func validateLines(lines []*line, maxUnits int) error {
	total := 0
	for _, l := range lines {
		switch {
		case l.item.Quantity < 0:
			return fmt.Errorf("%w: line %d (%s) has negative quantity %d", ErrData, l.index, l.item.ID, l.item.Quantity)
		case l.item.Priority.IsZero():
			return fmt.Errorf("%w: line %d (%s) has no priority", ErrData, l.index, l.item.ID)
		case l.item.Conversion.IsNegative():
			return fmt.Errorf("%w: line %d (%s) has negative conversion %s", ErrData, l.index, l.item.ID, l.item.Conversion)
		}
		if maxUnits <= 0 {
			continue
		}
		if l.item.Quantity > maxUnits-total {
			return fmt.Errorf("%w: group quantity exceeds the limit of %d units", ErrData, maxUnits)
		}
		total += l.item.Quantity
	}
	return nil
}

func checkConservation(lines []*line, containers []Container) error {
	allocated := make(map[int]int, len(lines))
	for _, c := range containers {
		if load := c.Load(); load > c.Capacity {
			return fmt.Errorf("%w: container %d holds %d units over capacity %d", ErrConfiguration, c.Sequence, load, c.Capacity)
		}
		for _, a := range c.Allocations {
			allocated[a.Line] += a.Quantity
		}
	}
	for _, l := range lines {
		if got := allocated[l.index]; got != l.item.Quantity {
			return fmt.Errorf("%w: line %d (%s) allocated %d of %d units", ErrConfiguration, l.index, l.item.ID, got, l.item.Quantity)
		}
	}
	return nil
}
