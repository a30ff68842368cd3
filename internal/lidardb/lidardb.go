// Package lidardb persists viewer sessions and point cloud snapshots in
// sqlite. The schema is managed by embedded golang-migrate migrations.
package lidardb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/lidarview/internal/monitoring"
	"github.com/banshee-data/lidarview/internal/pointcloud"
	"github.com/banshee-data/lidarview/internal/timeutil"
)

// ErrSnapshotNotFound is returned by LoadSnapshot for an unknown ID.
var ErrSnapshotNotFound = errors.New("snapshot not found")

type LidarDB struct {
	*sql.DB
	path  string
	clock timeutil.Clock
}

// Option customises a LidarDB.
type Option func(*LidarDB)

// WithClock sets the clock used for row timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(l *LidarDB) { l.clock = c }
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory") || strings.HasPrefix(path, "file::memory:")
}

func dsn(path string) string {
	pragmas := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)"}
	if !isMemory(path) {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(pragmas, "&")
}

// NewLidarDB opens (or creates) the database at path and applies any
// pending migrations. Use "file::memory:" for a throwaway database.
func NewLidarDB(path string, opts ...Option) (*LidarDB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if isMemory(path) {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	ldb := &LidarDB{DB: db, path: path, clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(ldb)
	}
	if err := ldb.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	monitoring.Logf("opened lidar database %s", path)
	return ldb, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(v float64) time.Time {
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// SessionRecord is a persisted session row.
type SessionRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Source    string    `json:"source,omitempty"`
	Policy    string    `json:"policy"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecordSession inserts the session or refreshes its name, source and
// policy. CreatedAt is kept from the first insert.
func (ldb *LidarDB) RecordSession(ctx context.Context, rec SessionRecord) error {
	now := ldb.clock.Now()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := ldb.ExecContext(ctx, `
		INSERT INTO lidar_sessions (id, name, source, policy, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			source = excluded.source,
			policy = excluded.policy,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Name, rec.Source, rec.Policy, unixSeconds(created), unixSeconds(now))
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", rec.ID, err)
	}
	return nil
}

// ListSessions returns persisted sessions, oldest first.
func (ldb *LidarDB) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := ldb.QueryContext(ctx, `
		SELECT id, name, source, policy, created_at, updated_at
		FROM lidar_sessions
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var created, updated float64
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Source, &rec.Policy, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		rec.CreatedAt, rec.UpdatedAt = fromUnixSeconds(created), fromUnixSeconds(updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SnapshotInfo describes a stored snapshot without its points.
type SnapshotInfo struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	CreatedAt  time.Time         `json:"created_at"`
	PointCount int               `json:"point_count"`
	Bounds     pointcloud.Bounds `json:"bounds"`
}

// SaveSnapshot stores an exported point set for a recorded session. data
// must be the snapshot JSON produced by pointcloud.MarshalSnapshot.
func (ldb *LidarDB) SaveSnapshot(ctx context.Context, sessionID string, set pointcloud.PointSet, data []byte) (SnapshotInfo, error) {
	info := SnapshotInfo{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		CreatedAt:  ldb.clock.Now().UTC(),
		PointCount: set.Len(),
		Bounds:     pointcloud.ComputeBounds(set.Points),
	}
	b := info.Bounds
	_, err := ldb.ExecContext(ctx, `
		INSERT INTO lidar_snapshots
			(id, session_id, created_at, point_count, min_x, max_x, min_y, max_y, min_z, max_z,
			 min_intensity, max_intensity, points_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, info.ID, sessionID, unixSeconds(info.CreatedAt), info.PointCount,
		b.MinX, b.MaxX, b.MinY, b.MaxY, b.MinZ, b.MaxZ, b.MinIntensity, b.MaxIntensity, data)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("failed to save snapshot for session %s: %w", sessionID, err)
	}
	return info, nil
}

const snapshotColumns = `id, session_id, created_at, point_count,
	min_x, max_x, min_y, max_y, min_z, max_z, min_intensity, max_intensity`

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshotInfo(s scanner, extra ...any) (SnapshotInfo, error) {
	var info SnapshotInfo
	var created float64
	b := &info.Bounds
	dest := append([]any{&info.ID, &info.SessionID, &created, &info.PointCount,
		&b.MinX, &b.MaxX, &b.MinY, &b.MaxY, &b.MinZ, &b.MaxZ, &b.MinIntensity, &b.MaxIntensity}, extra...)
	if err := s.Scan(dest...); err != nil {
		return SnapshotInfo{}, err
	}
	info.CreatedAt = fromUnixSeconds(created)
	info.Bounds.Empty = info.PointCount == 0
	return info, nil
}

// ListSnapshots returns snapshot metadata, newest first. An empty
// sessionID lists every session's snapshots.
func (ldb *LidarDB) ListSnapshots(ctx context.Context, sessionID string) ([]SnapshotInfo, error) {
	query := `SELECT ` + snapshotColumns + ` FROM lidar_snapshots`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := ldb.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	out := []SnapshotInfo{}
	for rows.Next() {
		info, err := scanSnapshotInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// LoadSnapshot returns a snapshot's metadata and its JSON points.
func (ldb *LidarDB) LoadSnapshot(ctx context.Context, id string) (SnapshotInfo, []byte, error) {
	row := ldb.QueryRowContext(ctx, `SELECT `+snapshotColumns+`, points_json FROM lidar_snapshots WHERE id = ?`, id)
	var data []byte
	info, err := scanSnapshotInfo(row, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotInfo{}, nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	if err != nil {
		return SnapshotInfo{}, nil, fmt.Errorf("failed to load snapshot %s: %w", id, err)
	}
	return info, data, nil
}

// DeleteSnapshot removes one snapshot.
func (ldb *LidarDB) DeleteSnapshot(ctx context.Context, id string) error {
	res, err := ldb.ExecContext(ctx, `DELETE FROM lidar_snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	return nil
}

// DeleteSession removes a session row together with its snapshots. Deleting
// an unknown session is not an error.
func (ldb *LidarDB) DeleteSession(ctx context.Context, id string) error {
	if _, err := ldb.ExecContext(ctx, `DELETE FROM lidar_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}
