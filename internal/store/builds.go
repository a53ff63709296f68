package store

import (
	"fmt"
	"time"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Build is one finished build. ArtifactHash fingerprints the compiled files
// after a successful build and is empty otherwise.
type Build struct {
	ID           int64
	Source       string
	Path         string
	Op           string
	Success      bool
	ExitCode     int
	Output       string
	OutputHash   string
	ArtifactHash string
	StartedAt    time.Time
	Duration     time.Duration
}

// RecordBuild appends a build to the history.
func (s *Store) RecordBuild(b Build) error {
	_, err := s.db.Exec(
		`INSERT INTO builds (source, path, op, success, exit_code, output, output_hash, artifact_hash, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Source, b.Path, b.Op, b.Success, b.ExitCode, b.Output, b.OutputHash, b.ArtifactHash,
		b.StartedAt.UTC().Format(timeLayout), b.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	return nil
}

// RecentBuilds returns up to limit builds, newest first. An empty source
// selects every source.
func (s *Store) RecentBuilds(source string, limit int) ([]Build, error) {
	rows, err := s.db.Query(
		`SELECT id, source, path, op, success, exit_code, output, output_hash, artifact_hash, started_at, duration_ms
		 FROM builds WHERE (? = '' OR source = ?) ORDER BY id DESC LIMIT ?`,
		source, source, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	defer rows.Close()

	var builds []Build
	for rows.Next() {
		var b Build
		var started string
		var ms int64
		if err := rows.Scan(&b.ID, &b.Source, &b.Path, &b.Op, &b.Success, &b.ExitCode, &b.Output, &b.OutputHash, &b.ArtifactHash, &started, &ms); err != nil {
			return nil, fmt.Errorf("scan build row: %w", err)
		}
		b.StartedAt, _ = time.Parse(timeLayout, started)
		b.Duration = time.Duration(ms) * time.Millisecond
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

// BuildCount returns the number of recorded builds and how many failed.
func (s *Store) BuildCount() (total, failed int, err error) {
	err = s.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0) FROM builds",
	).Scan(&total, &failed)
	return total, failed, err
}

// PurgeOld removes builds older than maxAge.
func (s *Store) PurgeOld(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format(timeLayout)
	result, err := s.db.Exec("DELETE FROM builds WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
