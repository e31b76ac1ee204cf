package game

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"rockmundo/internal/storage"
)

//go:embed schema.sql
var schemaFS embed.FS

// SQLRepository stores game state in the scheduler's sqlite database.
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository applies the game schema to db.
func NewSQLRepository(ctx context.Context, db *sql.DB) (*SQLRepository, error) {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		return nil, fmt.Errorf("game schema: %w", err)
	}
	return &SQLRepository{db: db}, nil
}

func (r *SQLRepository) DecayFanLoyalty(ctx context.Context, rate, floor float64) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE fans SET loyalty = MAX(?, loyalty * (1 - ?)) WHERE loyalty > ?`,
		floor, rate, floor,
	)
	return affected(res, err)
}

func (r *SQLRepository) DecayIdleSkills(ctx context.Context, amount int, idleBefore time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE skills SET level = MAX(0, level - ?) WHERE level > 0 AND last_practiced < ?`,
		amount, ts(idleBefore),
	)
	return affected(res, err)
}

func (r *SQLRepository) TopSongs(ctx context.Context, from, to time.Time, limit int) ([]ChartEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT song_id, SUM(count) AS total FROM song_streams
		 WHERE at >= ? AND at < ?
		 GROUP BY song_id ORDER BY total DESC, song_id ASC LIMIT ?`,
		ts(from), ts(to), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ChartEntry{}
	for rows.Next() {
		e := ChartEntry{WeekStart: from.UTC(), Rank: len(out) + 1}
		if err := rows.Scan(&e.SongID, &e.Streams); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *SQLRepository) ReplaceChart(ctx context.Context, weekStart time.Time, entries []ChartEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	week := ts(weekStart)
	if _, err := tx.ExecContext(ctx, `DELETE FROM weekly_charts WHERE week_start = ?`, week); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO weekly_charts(week_start, rank, song_id, streams) VALUES(?,?,?,?)`,
			week, e.Rank, e.SongID, e.Streams,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *SQLRepository) Chart(ctx context.Context, weekStart time.Time) ([]ChartEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT rank, song_id, streams FROM weekly_charts WHERE week_start = ? ORDER BY rank`,
		ts(weekStart),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChartEntry
	for rows.Next() {
		e := ChartEntry{WeekStart: weekStart.UTC()}
		if err := rows.Scan(&e.Rank, &e.SongID, &e.Streams); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *SQLRepository) AddFan(ctx context.Context, f Fan) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO fans(band_id, loyalty) VALUES(?,?)`, f.BandID, f.Loyalty)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *SQLRepository) AddSkill(ctx context.Context, s Skill) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO skills(player_id, name, level, last_practiced) VALUES(?,?,?,?)`,
		s.PlayerID, s.Name, s.Level, ts(s.LastPracticed),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *SQLRepository) AddStream(ctx context.Context, s Stream) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO song_streams(song_id, at, count) VALUES(?,?,?)`,
		s.SongID, ts(s.At), s.Count,
	)
	return err
}

func (r *SQLRepository) Fans(ctx context.Context) ([]Fan, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, band_id, loyalty FROM fans ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Fan
	for rows.Next() {
		var f Fan
		if err := rows.Scan(&f.ID, &f.BandID, &f.Loyalty); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *SQLRepository) Skills(ctx context.Context) ([]Skill, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, player_id, name, level, last_practiced FROM skills ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Skill
	for rows.Next() {
		var (
			s  Skill
			lp string
		)
		if err := rows.Scan(&s.ID, &s.PlayerID, &s.Name, &s.Level, &lp); err != nil {
			return nil, err
		}
		if s.LastPracticed, err = time.Parse(storage.TimeLayout, lp); err != nil {
			return nil, fmt.Errorf("skill %d last_practiced: %w", s.ID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func ts(t time.Time) string { return t.UTC().Format(storage.TimeLayout) }

func affected(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
