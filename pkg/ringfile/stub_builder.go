package ringfile

import (
	"encoding/gob"
	"fmt"
	"os"
	"time"
)

// stubBuilder is a local stand-in for the real external ring-builder
// library (spec §9: "do not attempt to reimplement the serialization
// format"). It satisfies the exact Builder contract of §3 with a minimal
// partition-assignment scheme (round-robin over non-hole devices) so that
// orchestrator logic above this package can be built and tested without a
// dependency on the real builder's wire format. It is never exercised for
// partition-assignment correctness, only through the Builder interface.
type stubBuilder struct {
	snapshot builderSnapshot
}

// builderSnapshot is the gob-encoded on-disk representation of a
// stubBuilder. Fields are exported because gob only encodes exported
// fields; this is our own format, not a port of the real builder's
// serialization.
type builderSnapshot struct {
	Devices         []*Device
	DevsChangedFlag bool
	PartsCount      int
	MinPartHoursVal int
	LastMovesEpoch  int64
	LastBalance     float64
}

// LoadBuilder reads a builder file at path and returns the Builder
// interface over it. In this module that file is produced by Save on a
// stubBuilder snapshot.
func LoadBuilder(path string) (Builder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ringfile: open builder file %s: %w", path, err)
	}
	defer f.Close()

	var snap builderSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("ringfile: decode builder file %s: %w", path, err)
	}
	return &stubBuilder{snapshot: snap}, nil
}

// NewBuilder constructs a fresh in-memory stubBuilder over the given
// devices, for use by tests and by operator tooling that seeds a new
// builder file.
func NewBuilder(devices []*Device, parts, minPartHours int) Builder {
	return &stubBuilder{
		snapshot: builderSnapshot{
			Devices:         devices,
			PartsCount:      parts,
			MinPartHoursVal: minPartHours,
			LastMovesEpoch:  time.Now().Unix(),
		},
	}
}

// Save writes b's snapshot to path using gob encoding. This is the opaque
// builder-file wire format for this module; callers must route all writes
// through PublishAtomic rather than calling Save directly against a live
// path. Holes are dropped on save (gob cannot encode nil slice elements),
// so a builder loaded back with LoadBuilder lists only present devices.
func (b *stubBuilder) Save(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("ringfile: create builder file %s: %w", path, err)
	}
	defer f.Close()
	snap := b.snapshot
	snap.Devices = nil
	for _, d := range b.snapshot.Devices {
		if d != nil {
			snap.Devices = append(snap.Devices, d)
		}
	}
	if err := gob.NewEncoder(f).Encode(snap); err != nil {
		return fmt.Errorf("ringfile: encode builder file %s: %w", path, err)
	}
	return f.Sync()
}

func (b *stubBuilder) Devs() []*Device { return b.snapshot.Devices }

func (b *stubBuilder) DevsChanged() bool { return b.snapshot.DevsChangedFlag }

func (b *stubBuilder) MinPartHours() int { return b.snapshot.MinPartHoursVal }

func (b *stubBuilder) Parts() int { return b.snapshot.PartsCount }

func (b *stubBuilder) LastPartMovesEpoch() int64 { return b.snapshot.LastMovesEpoch }

func (b *stubBuilder) GetBalance() float64 { return b.snapshot.LastBalance }

// Rebalance does not compute a partition assignment. It reports every
// partition as moved when DevsChanged is set and a quarter of them
// otherwise, recomputes the balance from the current weights, and clears
// DevsChanged as the real builder library would on a successful rebalance.
func (b *stubBuilder) Rebalance() (int, float64, error) {
	active := 0
	var totalWeight float64
	for _, d := range b.snapshot.Devices {
		if d == nil {
			continue
		}
		active++
		totalWeight += d.Weight
	}
	if active == 0 {
		return 0, 0, fmt.Errorf("ringfile: rebalance: no active devices")
	}

	partsMoved := b.snapshot.PartsCount
	if !b.snapshot.DevsChangedFlag && partsMoved > 0 {
		// Without membership change the stub still reassigns on weight
		// drift; a real builder would move far fewer partitions, but only
		// the parts_moved > 0 / balance-delta contract matters here.
		partsMoved = partsMoved / 4
	}

	newBalance := computeBalance(b.snapshot.Devices, totalWeight)
	b.snapshot.LastBalance = newBalance
	b.snapshot.LastMovesEpoch = time.Now().Unix()
	b.snapshot.DevsChangedFlag = false

	return partsMoved, newBalance, nil
}

func (b *stubBuilder) SetDevWeight(id int, w float64) {
	for _, d := range b.snapshot.Devices {
		if d != nil && d.ID == id {
			d.Weight = w
			return
		}
	}
}

func (b *stubBuilder) GetRing() Ring {
	devs := make([]*Device, len(b.snapshot.Devices))
	copy(devs, b.snapshot.Devices)
	return &stubRing{devices: devs}
}

func (b *stubBuilder) ToDict() map[string]interface{} {
	return map[string]interface{}{
		"devs":                  b.snapshot.Devices,
		"devs_changed":          b.snapshot.DevsChangedFlag,
		"parts":                 b.snapshot.PartsCount,
		"min_part_hours":        b.snapshot.MinPartHoursVal,
		"_last_part_moves_epoch": b.snapshot.LastMovesEpoch,
	}
}

// computeBalance reports the maximum percentage deviation of any device's
// weight fraction from an idealized even share, a stand-in for the real
// builder's balance metric.
func computeBalance(devices []*Device, totalWeight float64) float64 {
	if totalWeight <= 0 {
		return 0
	}
	active := 0
	for _, d := range devices {
		if d != nil {
			active++
		}
	}
	if active == 0 {
		return 0
	}
	idealFraction := 1.0 / float64(active)
	worst := 0.0
	for _, d := range devices {
		if d == nil {
			continue
		}
		fraction := d.Weight / totalWeight
		deviation := fraction - idealFraction
		if deviation < 0 {
			deviation = -deviation
		}
		pct := deviation / idealFraction * 100
		if pct > worst {
			worst = pct
		}
	}
	return worst
}

// stubRing is the Ring produced by stubBuilder.GetRing.
type stubRing struct {
	devices []*Device
}

type ringSnapshot struct {
	Devices []*Device
}

// LoadRing reads a ring file at path previously written by stubRing.Save.
func LoadRing(path string) (Ring, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ringfile: open ring file %s: %w", path, err)
	}
	defer f.Close()

	var snap ringSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("ringfile: decode ring file %s: %w", path, err)
	}
	return &stubRing{devices: snap.Devices}, nil
}

func (r *stubRing) Devs() []*Device { return r.devices }

// GetPartNodes returns the non-hole devices assigned to partition, using a
// deterministic modulo assignment. Real ring-builder libraries compute this
// from a replica-placement algorithm with failure-domain awareness; this
// stub only needs to satisfy the validate_ring contract (§4.1) of returning
// a non-empty result for a non-empty device list.
func (r *stubRing) GetPartNodes(partition int) []*Device {
	var active []*Device
	for _, d := range r.devices {
		if d != nil {
			active = append(active, d)
		}
	}
	if len(active) == 0 {
		return nil
	}
	replicas := 3
	if replicas > len(active) {
		replicas = len(active)
	}
	nodes := make([]*Device, 0, replicas)
	start := partition % len(active)
	for i := 0; i < replicas; i++ {
		nodes = append(nodes, active[(start+i)%len(active)])
	}
	return nodes
}

// Save writes the ring to path using gob encoding. Holes are dropped on
// save (gob cannot encode nil slice elements), so a ring loaded back with
// LoadRing lists only the devices that were present.
func (r *stubRing) Save(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("ringfile: create ring file %s: %w", path, err)
	}
	defer f.Close()
	var present []*Device
	for _, d := range r.devices {
		if d != nil {
			present = append(present, d)
		}
	}
	snap := ringSnapshot{Devices: present}
	if err := gob.NewEncoder(f).Encode(snap); err != nil {
		return fmt.Errorf("ringfile: encode ring file %s: %w", path, err)
	}
	return f.Sync()
}
