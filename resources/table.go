package resources

import (
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/c360/ofsaga/model"
)

// Kind names a resource pool family.
type Kind string

// Resource kinds
const (
	KindMeter            Kind = "meter"
	KindLagPort          Kind = "lag_port"
	KindBfdDiscriminator Kind = "bfd_discriminator"
)

// Range is an inclusive id range.
type Range struct {
	Min uint32 `json:"min" yaml:"min"`
	Max uint32 `json:"max" yaml:"max"`
}

// Size returns the number of ids in the range.
func (r Range) Size() uint { return uint(r.Max-r.Min) + 1 }

// Contains reports whether id lies in the range.
func (r Range) Contains(id uint32) bool { return id >= r.Min && id <= r.Max }

// Allocation ties a resource id to the entity holding it.
type Allocation struct {
	Kind        Kind           `json:"kind"`
	SwitchID    model.SwitchID `json:"switch_id"`
	ResourceID  uint32         `json:"resource_id"`
	OwnerID     string         `json:"owner_id"`
	AllocatedAt time.Time      `json:"allocated_at"`
	Bandwidth   int64          `json:"bandwidth,omitempty"`
}

// Table is the state of one (kind, switch) pool. Bit i of Free is set while
// id Range.Min+i is free.
type Table struct {
	Kind     Kind                  `json:"kind"`
	SwitchID model.SwitchID        `json:"switch_id"`
	Range    Range                 `json:"range"`
	Free     *bitset.BitSet        `json:"free"`
	Owners   map[uint32]Allocation `json:"owners"`
}

// NewTable creates a pool with every id of r free.
func NewTable(kind Kind, sw model.SwitchID, r Range) *Table {
	free := bitset.New(r.Size())
	free.FlipRange(0, r.Size())
	return &Table{
		Kind:     kind,
		SwitchID: sw,
		Range:    r,
		Free:     free,
		Owners:   make(map[uint32]Allocation),
	}
}

// Take claims the lowest free id.
func (t *Table) Take() (uint32, bool) {
	i, ok := t.Free.NextSet(0)
	if !ok || i >= t.Range.Size() {
		return 0, false
	}
	t.Free.Clear(i)
	return t.Range.Min + uint32(i), true
}

// Release frees id and reports whether it was held.
func (t *Table) Release(id uint32) bool {
	i := uint(id - t.Range.Min)
	if t.Free.Test(i) {
		return false
	}
	t.Free.Set(i)
	delete(t.Owners, id)
	return true
}

// InUse returns the number of held ids.
func (t *Table) InUse() uint {
	return t.Range.Size() - t.Free.Count()
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	owners := make(map[uint32]Allocation, len(t.Owners))
	for k, v := range t.Owners {
		owners[k] = v
	}
	return &Table{
		Kind:     t.Kind,
		SwitchID: t.SwitchID,
		Range:    t.Range,
		Free:     t.Free.Clone(),
		Owners:   owners,
	}
}
