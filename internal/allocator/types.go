package allocator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// GroupKey partitions line items. Packing and consolidation never cross groups.
type GroupKey struct {
	Client    string
	Warehouse string
}

func (k GroupKey) String() string {
	if k.Warehouse == "" {
		return k.Client
	}
	return k.Client + "/" + k.Warehouse
}

// LineItem is one inventory row to be shipped. Quantity is expressed in
// capacity units (e.g. pallets); Conversion is the number of shippable units
// per capacity unit (e.g. boxes per pallet).
type LineItem struct {
	ID          string
	Description string
	Group       GroupKey
	Priority    time.Time
	Conversion  decimal.Decimal
	Quantity    int
}

// Allocation is the quantity taken from one line item for one container.
type Allocation struct {
	// Line is the index of the source item in the plan.
	Line        int
	ItemID      string
	Description string
	Priority    time.Time
	Quantity    int
	Units       decimal.Decimal
}

// Container is a fixed-capacity bucket filled with allocations.
type Container struct {
	Sequence    int
	Group       GroupKey
	Capacity    int
	Allocations []Allocation
}

// Load returns the total allocated quantity.
func (c Container) Load() int {
	total := 0
	for _, a := range c.Allocations {
		total += a.Quantity
	}
	return total
}

// Headroom returns the unused capacity.
func (c Container) Headroom() int {
	return c.Capacity - c.Load()
}

// GroupFailure reports a group that could not be allocated.
type GroupFailure struct {
	Group GroupKey
	Err   error
}

// Result holds the containers of every successful group, numbered 1..N, and
// the failures of the rest.
type Result struct {
	Containers []Container
	Failures   []GroupFailure
	// Groups is the number of groups the plan was split into.
	Groups int
}

// Plan is the input of one allocation run.
// Menus are keyed by client, or by "CLIENT/WAREHOUSE" to override a client menu
// for a single warehouse.
type Plan struct {
	Items []LineItem
	Menus map[string][]int
}

// Allocator describes the behaviour required from an allocation engine.
type Allocator interface {
	Allocate(ctx context.Context, plan Plan) (Result, error)
}
