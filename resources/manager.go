package resources

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"k8s.io/utils/clock"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/model"
)

// Config holds the id range of each pool family.
type Config struct {
	Meters            Range `json:"meters" yaml:"meters"`
	LagPorts          Range `json:"lag_ports" yaml:"lag_ports"`
	BfdDiscriminators Range `json:"bfd_discriminators" yaml:"bfd_discriminators"`
}

// DefaultConfig returns the ranges used when none are configured.
func DefaultConfig() Config {
	return Config{
		Meters:            Range{Min: 32, Max: 2500},
		LagPorts:          Range{Min: 2000, Max: 2999},
		BfdDiscriminators: Range{Min: 1, Max: 65535},
	}
}

// Validate checks that every range is non-empty.
func (c Config) Validate() error {
	for name, r := range map[string]Range{
		"meters":             c.Meters,
		"lag_ports":          c.LagPorts,
		"bfd_discriminators": c.BfdDiscriminators,
	} {
		if r.Min == 0 || r.Max < r.Min {
			return fmt.Errorf("%w: %s range [%d, %d] is empty or starts at zero", errors.ErrInvalidConfig, name, r.Min, r.Max)
		}
	}
	return nil
}

func (c Config) rangeOf(kind Kind) Range {
	switch kind {
	case KindMeter:
		return c.Meters
	case KindLagPort:
		return c.LagPorts
	default:
		return c.BfdDiscriminators
	}
}

// Manager allocates and releases switch resources. It is safe for concurrent
// use; atomicity per pool is provided by the Store.
type Manager struct {
	store  Store
	cfg    Config
	clock  clock.PassiveClock
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock stamping allocations.
func WithClock(c clock.PassiveClock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger.With("component", "resources") }
}

// NewManager creates a Manager over store.
func NewManager(store Store, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapFatal(err, "Manager", "NewManager", "validate config")
	}
	m := &Manager{
		store:  store,
		cfg:    cfg,
		clock:  clock.RealClock{},
		logger: slog.Default().With("component", "resources"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) allocate(ctx context.Context, kind Kind, owner string, sw model.SwitchID, bandwidth int64) (Allocation, error) {
	var alloc Allocation
	r := m.cfg.rangeOf(kind)
	err := m.store.Mutate(ctx, kind, sw, func() *Table { return NewTable(kind, sw, r) }, func(t *Table) error {
		id, ok := t.Take()
		if !ok {
			return fmt.Errorf("%w: no free %s on switch %s", errors.ErrResourceExhausted, kind, sw)
		}
		alloc = Allocation{
			Kind:        kind,
			SwitchID:    sw,
			ResourceID:  id,
			OwnerID:     owner,
			AllocatedAt: m.clock.Now(),
			Bandwidth:   bandwidth,
		}
		t.Owners[id] = alloc
		return nil
	})
	if err != nil {
		return Allocation{}, errors.Wrap(err, "Manager", "allocate", fmt.Sprintf("allocate %s", kind))
	}
	m.logger.Debug("Resource allocated", "kind", kind, "switch_id", sw, "id", alloc.ResourceID, "owner", owner)
	return alloc, nil
}

// deallocate releases id. Releasing a free id is a no-op.
func (m *Manager) deallocate(ctx context.Context, kind Kind, sw model.SwitchID, id uint32) error {
	r := m.cfg.rangeOf(kind)
	if !r.Contains(id) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s %d is outside [%d, %d]", errors.ErrInvalidData, kind, id, r.Min, r.Max),
			"Manager", "deallocate", fmt.Sprintf("deallocate %s", kind))
	}
	released := false
	err := m.store.Mutate(ctx, kind, sw, func() *Table { return NewTable(kind, sw, r) }, func(t *Table) error {
		released = t.Release(id)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "Manager", "deallocate", fmt.Sprintf("deallocate %s", kind))
	}
	if released {
		m.logger.Debug("Resource released", "kind", kind, "switch_id", sw, "id", id)
	}
	return nil
}

// Reassign moves a held allocation to owner. It is used when the owning
// entity is only named by the id that was just allocated.
func (m *Manager) Reassign(ctx context.Context, alloc Allocation, owner string) (Allocation, error) {
	r := m.cfg.rangeOf(alloc.Kind)
	var moved Allocation
	err := m.store.Mutate(ctx, alloc.Kind, alloc.SwitchID, func() *Table { return NewTable(alloc.Kind, alloc.SwitchID, r) }, func(t *Table) error {
		held, ok := t.Owners[alloc.ResourceID]
		if !ok {
			return fmt.Errorf("%w: %s %d on switch %s is not allocated", errors.ErrInvalidData, alloc.Kind, alloc.ResourceID, alloc.SwitchID)
		}
		held.OwnerID = owner
		t.Owners[alloc.ResourceID] = held
		moved = held
		return nil
	})
	if err != nil {
		return Allocation{}, errors.Wrap(err, "Manager", "Reassign", fmt.Sprintf("reassign %s", alloc.Kind))
	}
	return moved, nil
}

// AllocateMeter reserves a meter id on sw for owner.
func (m *Manager) AllocateMeter(ctx context.Context, owner string, sw model.SwitchID, bandwidth int64) (Allocation, error) {
	return m.allocate(ctx, KindMeter, owner, sw, bandwidth)
}

// DeallocateMeter releases a meter id.
func (m *Manager) DeallocateMeter(ctx context.Context, sw model.SwitchID, meterID uint32) error {
	return m.deallocate(ctx, KindMeter, sw, meterID)
}

// AllocateLagPort reserves a LAG logical port number on sw for owner.
func (m *Manager) AllocateLagPort(ctx context.Context, owner string, sw model.SwitchID) (Allocation, error) {
	return m.allocate(ctx, KindLagPort, owner, sw, 0)
}

// DeallocateLagPort releases a LAG logical port number.
func (m *Manager) DeallocateLagPort(ctx context.Context, sw model.SwitchID, port uint32) error {
	return m.deallocate(ctx, KindLagPort, sw, port)
}

// AllocateBfdDiscriminator reserves a BFD discriminator on sw for owner.
func (m *Manager) AllocateBfdDiscriminator(ctx context.Context, owner string, sw model.SwitchID) (Allocation, error) {
	return m.allocate(ctx, KindBfdDiscriminator, owner, sw, 0)
}

// DeallocateBfdDiscriminator releases a BFD discriminator.
func (m *Manager) DeallocateBfdDiscriminator(ctx context.Context, sw model.SwitchID, discriminator uint32) error {
	return m.deallocate(ctx, KindBfdDiscriminator, sw, discriminator)
}

// Deallocate releases alloc by its kind.
func (m *Manager) Deallocate(ctx context.Context, alloc Allocation) error {
	return m.deallocate(ctx, alloc.Kind, alloc.SwitchID, alloc.ResourceID)
}

// AllocationsOwnedBy lists every allocation held by owner, ordered by kind,
// switch and id. A non-empty result after an owner is gone is a leak.
func (m *Manager) AllocationsOwnedBy(ctx context.Context, owner string) ([]Allocation, error) {
	tables, err := m.store.Tables(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "AllocationsOwnedBy", "list pools")
	}
	var out []Allocation
	for _, t := range tables {
		for _, a := range t.Owners {
			if a.OwnerID == owner {
				out = append(out, a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].SwitchID != out[j].SwitchID {
			return out[i].SwitchID < out[j].SwitchID
		}
		return out[i].ResourceID < out[j].ResourceID
	})
	return out, nil
}
