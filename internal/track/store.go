// Package track persists accepted position samples to a SQLite file so a
// run can be replayed or plotted afterwards.
package track

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"rtk-rover/internal/gnss"
)

const initSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	started_utc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS points (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	ts_utc TEXT NOT NULL,
	lat REAL NOT NULL,
	lon REAL NOT NULL,
	alt_m REAL,
	quality TEXT NOT NULL,
	satellites INTEGER NOT NULL,
	hdop REAL
);
CREATE INDEX IF NOT EXISTS idx_points_session ON points(session_id, id);
`

const (
	insertSessionSQL = `INSERT INTO sessions (started_utc) VALUES (?)`
	insertPointSQL   = `INSERT INTO points (session_id, ts_utc, lat, lon, alt_m, quality, satellites, hdop)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	selectTrackSQL = `SELECT ts_utc, lat, lon, alt_m, quality, satellites, hdop
FROM points WHERE session_id = ? ORDER BY id`
)

// Point is one stored track sample.
type Point struct {
	At         time.Time
	Lat        float64
	Lon        float64
	AltM       *float64
	Quality    string
	Satellites int
	HDOP       *float64
}

// Store owns one writable SQLite database. The connection opens lazily on
// first use so a configured-but-unused track file costs nothing.
type Store struct {
	path string

	dbOnce sync.Once
	db     *sql.DB
	dbErr  error

	closeOnce sync.Once
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) getDB() (*sql.DB, error) {
	s.dbOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL", s.path))
		if err != nil {
			s.dbErr = fmt.Errorf("track: opening database: %w", err)
			return
		}
		if _, err := db.Exec(initSchemaSQL); err != nil {
			_ = db.Close()
			s.dbErr = fmt.Errorf("track: initializing schema: %w", err)
			return
		}
		s.db = db
	})
	return s.db, s.dbErr
}

// BeginSession creates a new recording session and returns its id.
func (s *Store) BeginSession(ctx context.Context, startedAt time.Time) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, insertSessionSQL, startedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("track: inserting session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("track: session id: %w", err)
	}
	return id, nil
}

// Append stores one sample under the session.
func (s *Store) Append(ctx context.Context, sessionID int64, sample gnss.Sample) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	var alt, hdop sql.NullFloat64
	if sample.AltM != nil {
		alt = sql.NullFloat64{Float64: *sample.AltM, Valid: true}
	}
	if sample.HDOP != nil {
		hdop = sql.NullFloat64{Float64: *sample.HDOP, Valid: true}
	}

	_, err = db.ExecContext(ctx, insertPointSQL,
		sessionID,
		sample.ReceivedAt.UTC().Format(time.RFC3339Nano),
		sample.Lat, sample.Lon,
		alt,
		sample.Quality.String(),
		sample.Satellites,
		hdop,
	)
	if err != nil {
		return fmt.Errorf("track: inserting point: %w", err)
	}
	return nil
}

// Track returns a session's points in reception order.
func (s *Store) Track(ctx context.Context, sessionID int64) ([]Point, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, selectTrackSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("track: querying points: %w", err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var (
			ts        string
			p         Point
			alt, hdop sql.NullFloat64
		)
		if err := rows.Scan(&ts, &p.Lat, &p.Lon, &alt, &p.Quality, &p.Satellites, &hdop); err != nil {
			return nil, fmt.Errorf("track: scanning point: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			p.At = t
		}
		if alt.Valid {
			v := alt.Float64
			p.AltM = &v
		}
		if hdop.Valid {
			v := hdop.Float64
			p.HDOP = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.db != nil {
			err = s.db.Close()
		}
	})
	return err
}
