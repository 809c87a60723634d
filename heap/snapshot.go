package heap

import (
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hearthgc/hearth/space"
)

// Snapshot is a point-in-time capture of the heap's region layout and accounting, the
// persistent form the diagnostic CLI writes and reloads.
type Snapshot struct {
	TakenAt time.Time       `msgpack:"takenAt"`
	Spaces  []SpaceSnapshot `msgpack:"spaces"`
	Stats   StatsSnapshot   `msgpack:"stats"`
}

type SpaceSnapshot struct {
	Name     string `msgpack:"name"`
	Type     string `msgpack:"type"`
	Policy   string `msgpack:"policy"`
	Begin    int    `msgpack:"begin"`
	End      int    `msgpack:"end"`
	Capacity int    `msgpack:"capacity"`
	Objects  int    `msgpack:"objects"`
	Bytes    int    `msgpack:"bytes"`
}

type StatsSnapshot struct {
	Regions         int `msgpack:"regions"`
	Allocations     int `msgpack:"allocations"`
	RegionBytes     int `msgpack:"regionBytes"`
	AllocationBytes int `msgpack:"allocationBytes"`
}

// Snapshot captures the current region layout. Allocation regions should have thread-local
// buffers revoked first for exact object counts.
func (h *Heap) Snapshot() *Snapshot {
	h.mu.Lock()
	spaces := append([]space.Continuous(nil), h.continuous...)
	los := h.largeObject
	h.mu.Unlock()

	snap := &Snapshot{TakenAt: time.Now()}
	for _, s := range spaces {
		entry := SpaceSnapshot{
			Name:     s.Name(),
			Type:     s.Type().String(),
			Policy:   s.Retention().String(),
			Begin:    s.Begin(),
			End:      s.End(),
			Capacity: s.Capacity(),
		}
		if alloc, ok := s.(*space.SegFitsSpace); ok {
			entry.Objects = alloc.ObjectsAllocated()
			entry.Bytes = alloc.BytesAllocated()
		}
		snap.Spaces = append(snap.Spaces, entry)
	}
	if los != nil {
		snap.Spaces = append(snap.Spaces, SpaceSnapshot{
			Name:    los.Name(),
			Type:    los.Type().String(),
			Policy:  los.Retention().String(),
			Objects: los.ObjectsAllocated(),
			Bytes:   los.BytesAllocated(),
		})
	}

	stats := h.Statistics()
	snap.Stats = StatsSnapshot{
		Regions:         stats.RegionCount,
		Allocations:     stats.AllocationCount,
		RegionBytes:     stats.RegionBytes,
		AllocationBytes: stats.AllocationBytes,
	}
	return snap
}

// Marshal encodes the snapshot as msgpack.
func (s *Snapshot) Marshal() ([]byte, error) {
	data, err := msgpack.Marshal(s)
	if err != nil {
		return nil, cerrors.Wrapf(err, "encoding heap snapshot")
	}
	return data, nil
}

// LoadSnapshot decodes a msgpack snapshot.
func LoadSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, cerrors.Wrapf(err, "decoding heap snapshot")
	}
	return &snap, nil
}
