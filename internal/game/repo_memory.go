package game

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps game state in memory (file storage driver, tests).
type MemoryRepository struct {
	mu      sync.RWMutex
	fans    []Fan
	skills  []Skill
	streams []Stream
	charts  map[time.Time][]ChartEntry
	nextID  int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{charts: map[time.Time][]ChartEntry{}}
}

func (r *MemoryRepository) DecayFanLoyalty(_ context.Context, rate, floor float64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.fans {
		if r.fans[i].Loyalty <= floor {
			continue
		}
		r.fans[i].Loyalty = max(floor, r.fans[i].Loyalty*(1-rate))
		n++
	}
	return n, nil
}

func (r *MemoryRepository) DecayIdleSkills(_ context.Context, amount int, idleBefore time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.skills {
		s := &r.skills[i]
		if s.Level <= 0 || !s.LastPracticed.Before(idleBefore) {
			continue
		}
		s.Level = max(0, s.Level-amount)
		n++
	}
	return n, nil
}

func (r *MemoryRepository) TopSongs(_ context.Context, from, to time.Time, limit int) ([]ChartEntry, error) {
	r.mu.RLock()
	totals := map[int64]int64{}
	for _, s := range r.streams {
		if s.At.Before(from) || !s.At.Before(to) {
			continue
		}
		totals[s.SongID] += s.Count
	}
	r.mu.RUnlock()

	out := make([]ChartEntry, 0, len(totals))
	for id, n := range totals {
		out = append(out, ChartEntry{SongID: id, Streams: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Streams != out[j].Streams {
			return out[i].Streams > out[j].Streams
		}
		return out[i].SongID < out[j].SongID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].Rank = i + 1
		out[i].WeekStart = from.UTC()
	}
	return out, nil
}

func (r *MemoryRepository) ReplaceChart(_ context.Context, weekStart time.Time, entries []ChartEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.charts[weekStart.UTC()] = append([]ChartEntry(nil), entries...)
	return nil
}

func (r *MemoryRepository) Chart(_ context.Context, weekStart time.Time) ([]ChartEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ChartEntry(nil), r.charts[weekStart.UTC()]...), nil
}

func (r *MemoryRepository) AddFan(_ context.Context, f Fan) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	f.ID = r.nextID
	r.fans = append(r.fans, f)
	return f.ID, nil
}

func (r *MemoryRepository) AddSkill(_ context.Context, s Skill) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s.ID = r.nextID
	r.skills = append(r.skills, s)
	return s.ID, nil
}

func (r *MemoryRepository) AddStream(_ context.Context, s Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams = append(r.streams, s)
	return nil
}

func (r *MemoryRepository) Fans(context.Context) ([]Fan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Fan(nil), r.fans...), nil
}

func (r *MemoryRepository) Skills(context.Context) ([]Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Skill(nil), r.skills...), nil
}
