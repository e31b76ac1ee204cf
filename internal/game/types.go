package game

import "time"

type Fan struct {
	ID      int64
	BandID  int64
	Loyalty float64
}

type Skill struct {
	ID            int64
	PlayerID      int64
	Name          string
	Level         int
	LastPracticed time.Time
}

// Stream is a batch of plays of one song at one instant.
type Stream struct {
	SongID int64
	At     time.Time
	Count  int64
}

type ChartEntry struct {
	WeekStart time.Time `json:"week_start"`
	Rank      int       `json:"rank"`
	SongID    int64     `json:"song_id"`
	Streams   int64     `json:"streams"`
}
