package space

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/hearthgc/hearth"
	"github.com/hearthgc/hearth/accounting"
	"github.com/hearthgc/hearth/mapping"
)

// ImageSpace is a region backed by a prebuilt image. Its objects are immortal and its live
// bitmap is populated at load time from the image's object directory; there is no mark bitmap
// of its own, marking an image object is a no-op.
type ImageSpace struct {
	baseSpace
	mem  *mapping.MemMap
	live *accounting.SpaceBitmap
	size int
}

// NewImageSpace maps data into a fresh reservation and records an object at each of the given
// offsets. Offsets are relative to the start of the image and must be object-aligned.
func NewImageSpace(addrSpace *mapping.AddressSpace, name string, data []byte, objectOffsets []int, logger *slog.Logger) (*ImageSpace, error) {
	if logger == nil {
		logger = slog.Default()
	}
	capacity := hearth.AlignUp(len(data), mapping.PageSize)
	if capacity == 0 {
		return nil, errors.New("image is empty")
	}

	mem, err := addrSpace.Reserve(name, capacity)
	if err != nil {
		logger.LogAttrs(context.Background(), slog.LevelError, "failed to reserve image region",
			slog.String("name", name),
			slog.Int("capacity", capacity),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	if err = mem.EnsureCommitted(capacity); err != nil {
		return nil, err
	}
	copy(mem.Slice(mem.Begin(), len(data)), data)

	live, err := accounting.NewSpaceBitmap(name+" live bitmap", mem.Begin(), capacity)
	if err != nil {
		return nil, err
	}
	for _, offset := range objectOffsets {
		if offset%accounting.ObjectAlignment != 0 || offset < 0 || offset >= len(data) {
			return nil, errors.Errorf("image object offset %d is outside the image or misaligned", offset)
		}
		live.Set(mem.Begin() + offset)
	}

	return &ImageSpace{
		baseSpace: baseSpace{name: name, spaceType: SpaceTypeImage, retention: RetentionNeverCollect},
		mem:       mem,
		live:      live,
		size:      len(data),
	}, nil
}

func (s *ImageSpace) Begin() int    { return s.mem.Begin() }
func (s *ImageSpace) End() int      { return s.mem.Begin() + s.size }
func (s *ImageSpace) Limit() int    { return s.mem.Limit() }
func (s *ImageSpace) Size() int     { return s.size }
func (s *ImageSpace) Capacity() int { return s.mem.Capacity() }

func (s *ImageSpace) Contains(addr int) bool {
	return addr >= s.mem.Begin() && addr < s.mem.Limit()
}

func (s *ImageSpace) LiveBitmap() *accounting.SpaceBitmap { return s.live }

// MarkBitmap returns the live bitmap: image objects are always live and always marked.
func (s *ImageSpace) MarkBitmap() *accounting.SpaceBitmap { return s.live }

// Mem exposes the backing mapping for object-level reads and writes.
func (s *ImageSpace) Mem() *mapping.MemMap { return s.mem }
