// Package auxdb talks to the postgres instance holding per-file derived
// tables. The daemon only ever checks for a table and drops it; table
// contents are managed by the web application.
package auxdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const operationTimeout = 5 * time.Second

var ErrInvalidTableName = errors.New("invalid table name")

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Client wraps a lazily opened postgres connection.
type Client struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// Open prepares a client for dsn. The connection is established on first
// use; call Ping to verify the server is reachable.
func Open(dsn string) (*Client, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	return &Client{dsn: dsn, openDB: sql.Open}, nil
}

func (c *Client) ensureReady() error {
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		c.db = db
	})
	return c.initErr
}

// Ping verifies the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	return c.db.PingContext(ctx)
}

// TableExists reports whether a table named name exists.
func (c *Client) TableExists(ctx context.Context, name string) (bool, error) {
	if err := c.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var one int
	err := c.db.QueryRowContext(ctx,
		"SELECT 1 FROM information_schema.tables WHERE table_name = $1", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DropTable removes the named table. Dropping a table that does not exist
// is a no-op.
func (c *Client) DropTable(ctx context.Context, name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	}
	if err := c.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	_, err := c.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdentifier(name))
	return err
}

// Close releases the connection.
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
