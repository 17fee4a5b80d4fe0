package usecase

import (
	"context"
	"fmt"

	"github.com/vitos/spot_scalper/internal/domain"
	"go.uber.org/zap"
)

// Handle addresses a ledger slot. A handle goes stale once its position is
// removed, even if the slot is reused.
type Handle struct {
	index      uint32
	generation uint32
}

type ledgerSlot struct {
	generation uint32
	pos        *domain.Position
}

// Ledger is the in-process set of open positions, stored as a generational
// arena with a free list and a pair index. It is owned by the engine loop
// and is not safe for concurrent use.
type Ledger struct {
	slots  []ledgerSlot
	free   []uint32
	byID   map[string]Handle
	byPair map[string][]Handle

	snapshots domain.SnapshotRepository
	logger    *zap.Logger
}

func NewLedger(snapshots domain.SnapshotRepository, logger *zap.Logger) *Ledger {
	return &Ledger{
		byID:      make(map[string]Handle),
		byPair:    make(map[string][]Handle),
		snapshots: snapshots,
		logger:    logger,
	}
}

// Insert adds a new OPEN position and persists its snapshot.
func (l *Ledger) Insert(ctx context.Context, pos *domain.Position) (Handle, error) {
	h, err := l.insert(pos)
	if err != nil {
		return Handle{}, err
	}
	l.persist(ctx, pos)
	return h, nil
}

// Restore adds a position recovered from storage without writing it back.
func (l *Ledger) Restore(pos *domain.Position) (Handle, error) {
	return l.insert(pos)
}

func (l *Ledger) insert(pos *domain.Position) (Handle, error) {
	if pos == nil || pos.ID == "" || pos.Size <= 0 {
		return Handle{}, domain.ErrInvalidPosition
	}
	if _, exists := l.byID[pos.ID]; exists {
		return Handle{}, fmt.Errorf("%w: %s", domain.ErrDuplicatePosition, pos.ID)
	}

	var h Handle
	if n := len(l.free); n > 0 {
		idx := l.free[n-1]
		l.free = l.free[:n-1]
		l.slots[idx].pos = pos
		h = Handle{index: idx, generation: l.slots[idx].generation}
	} else {
		l.slots = append(l.slots, ledgerSlot{pos: pos})
		h = Handle{index: uint32(len(l.slots) - 1)}
	}

	l.byID[pos.ID] = h
	l.byPair[pos.Pair] = append(l.byPair[pos.Pair], h)
	return h, nil
}

// Get returns the position for a live handle.
func (l *Ledger) Get(h Handle) (*domain.Position, bool) {
	if int(h.index) >= len(l.slots) {
		return nil, false
	}
	slot := l.slots[h.index]
	if slot.generation != h.generation || slot.pos == nil {
		return nil, false
	}
	return slot.pos, true
}

func (l *Ledger) Lookup(id string) (Handle, bool) {
	h, ok := l.byID[id]
	return h, ok
}

// Update persists the current state of a position after a mutation.
func (l *Ledger) Update(ctx context.Context, h Handle) error {
	pos, ok := l.Get(h)
	if !ok {
		return domain.ErrPositionNotFound
	}
	l.persist(ctx, pos)
	return nil
}

// Remove drops the position, bumps the slot generation and deletes the
// snapshot. The removed position is returned for history recording.
func (l *Ledger) Remove(ctx context.Context, h Handle) (*domain.Position, error) {
	pos, ok := l.Get(h)
	if !ok {
		return nil, domain.ErrPositionNotFound
	}

	l.slots[h.index].pos = nil
	l.slots[h.index].generation++
	l.free = append(l.free, h.index)
	delete(l.byID, pos.ID)

	pairHandles := l.byPair[pos.Pair]
	for i, ph := range pairHandles {
		if ph == h {
			pairHandles = append(pairHandles[:i], pairHandles[i+1:]...)
			break
		}
	}
	if len(pairHandles) == 0 {
		delete(l.byPair, pos.Pair)
	} else {
		l.byPair[pos.Pair] = pairHandles
	}

	if l.snapshots != nil {
		if err := l.snapshots.DeletePositionSnapshot(ctx, pos.ID); err != nil {
			l.logger.Warn("Failed to delete position snapshot",
				zap.String("trade_id", pos.ID), zap.Error(err))
		}
	}
	return pos, nil
}

func (l *Ledger) Len() int {
	return len(l.byID)
}

// Handles returns the live handles in slot order. The slice is a copy, so
// positions may be removed while iterating it.
func (l *Ledger) Handles() []Handle {
	out := make([]Handle, 0, len(l.byID))
	for i, slot := range l.slots {
		if slot.pos != nil {
			out = append(out, Handle{index: uint32(i), generation: slot.generation})
		}
	}
	return out
}

func (l *Ledger) ByPair(pair string) []*domain.Position {
	handles := l.byPair[pair]
	out := make([]*domain.Position, 0, len(handles))
	for _, h := range handles {
		if pos, ok := l.Get(h); ok {
			out = append(out, pos)
		}
	}
	return out
}

func (l *Ledger) Positions() []*domain.Position {
	out := make([]*domain.Position, 0, len(l.byID))
	for _, slot := range l.slots {
		if slot.pos != nil {
			out = append(out, slot.pos)
		}
	}
	return out
}

func (l *Ledger) persist(ctx context.Context, pos *domain.Position) {
	if l.snapshots == nil {
		return
	}
	if err := l.snapshots.PutPositionSnapshot(ctx, pos.ID, pos.Clone()); err != nil {
		l.logger.Warn("Failed to persist position snapshot",
			zap.String("trade_id", pos.ID), zap.String("pair", pos.Pair), zap.Error(err))
	}
}
