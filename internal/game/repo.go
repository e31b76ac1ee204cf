package game

import (
	"context"
	"time"
)

// Repository is the game state the scheduled jobs read and mutate.
type Repository interface {
	// DecayFanLoyalty sets loyalty = max(floor, loyalty*(1-rate)) for fans above floor.
	DecayFanLoyalty(ctx context.Context, rate, floor float64) (int, error)
	// DecayIdleSkills lowers skills last practiced before idleBefore by amount, floored at 0.
	DecayIdleSkills(ctx context.Context, amount int, idleBefore time.Time) (int, error)
	// TopSongs ranks songs by streams in [from, to), ties broken by song id.
	TopSongs(ctx context.Context, from, to time.Time, limit int) ([]ChartEntry, error)
	// ReplaceChart swaps the stored chart of weekStart for entries.
	ReplaceChart(ctx context.Context, weekStart time.Time, entries []ChartEntry) error
	Chart(ctx context.Context, weekStart time.Time) ([]ChartEntry, error)

	AddFan(ctx context.Context, f Fan) (int64, error)
	AddSkill(ctx context.Context, s Skill) (int64, error)
	AddStream(ctx context.Context, s Stream) error
	Fans(ctx context.Context) ([]Fan, error)
	Skills(ctx context.Context) ([]Skill, error)
}
