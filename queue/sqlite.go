package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

// SQLiteCache is a JobCache backed by a SQLite database in WAL mode.
type SQLiteCache struct {
	db *sql.DB
}

// OpenSQLiteCache opens (or creates) the cache database at path.
func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open job cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	c := &SQLiteCache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate job cache: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenSQLiteCache",
		"path":     path,
	}).Debug("Opened job cache")
	return c, nil
}

func (c *SQLiteCache) migrate() error {
	_, err := c.db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		id          TEXT PRIMARY KEY,
		sequence_id INTEGER NOT NULL,
		data        BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_sequence ON jobs(sequence_id);`)
	return err
}

// Put stores or replaces a job.
func (c *SQLiteCache) Put(ctx context.Context, job *Job) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	return retryOnContention(func() error {
		_, err := c.db.ExecContext(ctx,
			`INSERT INTO jobs (id, sequence_id, data) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET sequence_id = excluded.sequence_id, data = excluded.data`,
			job.ID, int64(job.SequenceID), data)
		return err
	})
}

// Delete removes a job; deleting an unknown id is not an error.
func (c *SQLiteCache) Delete(ctx context.Context, id string) error {
	return retryOnContention(func() error {
		_, err := c.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
		return err
	})
}

// Load returns every stored job in sequence order.
func (c *SQLiteCache) Load(ctx context.Context) ([]*Job, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT data FROM jobs ORDER BY sequence_id`)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Clear removes every job.
func (c *SQLiteCache) Clear(ctx context.Context) error {
	return retryOnContention(func() error {
		_, err := c.db.ExecContext(ctx, `DELETE FROM jobs`)
		return err
	})
}

// Close closes the database.
func (c *SQLiteCache) Close() error { return c.db.Close() }
