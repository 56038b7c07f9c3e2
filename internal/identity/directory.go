// Package identity resolves Authorization credentials to integration names.
package identity

import (
	"context"
	"database/sql"
	"errors"

	"github.com/samber/oops"
	_ "modernc.org/sqlite" // SQLite driver
)

// Error codes returned by directories and the resolver.
const (
	CodeMalformedToken      = "MALFORMED_TOKEN"
	CodeUnknownConsumer     = "UNKNOWN_CONSUMER"
	CodeIntegrationNotFound = "INTEGRATION_NOT_FOUND"
	CodeQueryFailed         = "QUERY_FAILED"
)

// Consumer is a registered OAuth consumer.
type Consumer struct {
	ID   int64
	Key  string
	Name string
}

// Integration is the named integration owning a consumer.
type Integration struct {
	ID         int64
	Name       string
	ConsumerID int64
}

// Directory looks up consumers and integrations.
type Directory interface {
	ConsumerByKey(ctx context.Context, key string) (Consumer, error)
	ConsumerByToken(ctx context.Context, token string) (Consumer, error)
	IntegrationByConsumer(ctx context.Context, consumerID int64) (Integration, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS oauth_consumer (
	entity_id INTEGER PRIMARY KEY AUTOINCREMENT,
	consumer_key TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS oauth_token (
	token TEXT PRIMARY KEY,
	consumer_id INTEGER NOT NULL REFERENCES oauth_consumer(entity_id)
);
CREATE TABLE IF NOT EXISTS integration (
	integration_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	consumer_id INTEGER NOT NULL UNIQUE REFERENCES oauth_consumer(entity_id)
);
`

// SQLiteDirectory is a Directory backed by an SQLite database.
type SQLiteDirectory struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at dsn. Use ":memory:" for an
// ephemeral directory.
func OpenSQLite(dsn string) (*SQLiteDirectory, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, oops.
			In("identity").
			Code("OPEN_FAILED").
			With("dsn", dsn).
			Wrapf(err, "failed to open identity database")
	}
	// A single connection keeps ":memory:" databases coherent and matches
	// SQLite's single writer.
	db.SetMaxOpenConns(1)

	d := &SQLiteDirectory{db: db}
	if err := d.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Migrate creates the schema when missing.
func (d *SQLiteDirectory) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return oops.
			In("identity").
			Code("MIGRATE_FAILED").
			Wrapf(err, "failed to create identity schema")
	}
	return nil
}

// Close closes the database.
func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}

// AddConsumer registers a consumer and returns its id.
func (d *SQLiteDirectory) AddConsumer(ctx context.Context, key, name string) (int64, error) {
	res, err := d.db.ExecContext(ctx, `INSERT INTO oauth_consumer (consumer_key, name) VALUES (?, ?)`, key, name)
	if err != nil {
		return 0, oops.In("identity").Code(CodeQueryFailed).With("key", key).Wrapf(err, "failed to add consumer")
	}
	return res.LastInsertId()
}

// AddToken binds an access token to a consumer.
func (d *SQLiteDirectory) AddToken(ctx context.Context, token string, consumerID int64) error {
	if _, err := d.db.ExecContext(ctx, `INSERT INTO oauth_token (token, consumer_id) VALUES (?, ?)`, token, consumerID); err != nil {
		return oops.In("identity").Code(CodeQueryFailed).With("consumer_id", consumerID).Wrapf(err, "failed to add token")
	}
	return nil
}

// AddIntegration registers the integration owning a consumer.
func (d *SQLiteDirectory) AddIntegration(ctx context.Context, name string, consumerID int64) (int64, error) {
	res, err := d.db.ExecContext(ctx, `INSERT INTO integration (name, consumer_id) VALUES (?, ?)`, name, consumerID)
	if err != nil {
		return 0, oops.In("identity").Code(CodeQueryFailed).With("consumer_id", consumerID).Wrapf(err, "failed to add integration")
	}
	return res.LastInsertId()
}

func (d *SQLiteDirectory) ConsumerByKey(ctx context.Context, key string) (Consumer, error) {
	var c Consumer
	err := d.db.QueryRowContext(ctx,
		`SELECT entity_id, consumer_key, name FROM oauth_consumer WHERE consumer_key = ?`, key,
	).Scan(&c.ID, &c.Key, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Consumer{}, oops.In("identity").Code(CodeUnknownConsumer).Errorf("unknown consumer key")
	}
	if err != nil {
		return Consumer{}, oops.In("identity").Code(CodeQueryFailed).Wrapf(err, "failed to load consumer")
	}
	return c, nil
}

func (d *SQLiteDirectory) ConsumerByToken(ctx context.Context, token string) (Consumer, error) {
	var c Consumer
	err := d.db.QueryRowContext(ctx, `
		SELECT c.entity_id, c.consumer_key, c.name
		FROM oauth_token t JOIN oauth_consumer c ON c.entity_id = t.consumer_id
		WHERE t.token = ?`, token,
	).Scan(&c.ID, &c.Key, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Consumer{}, oops.In("identity").Code(CodeUnknownConsumer).Errorf("no consumer for access token")
	}
	if err != nil {
		return Consumer{}, oops.In("identity").Code(CodeQueryFailed).Wrapf(err, "failed to load consumer by token")
	}
	return c, nil
}

func (d *SQLiteDirectory) IntegrationByConsumer(ctx context.Context, consumerID int64) (Integration, error) {
	var i Integration
	err := d.db.QueryRowContext(ctx,
		`SELECT integration_id, name, consumer_id FROM integration WHERE consumer_id = ?`, consumerID,
	).Scan(&i.ID, &i.Name, &i.ConsumerID)
	if errors.Is(err, sql.ErrNoRows) {
		return Integration{}, oops.
			In("identity").
			Code(CodeIntegrationNotFound).
			With("consumer_id", consumerID).
			Errorf("no integration for consumer")
	}
	if err != nil {
		return Integration{}, oops.In("identity").Code(CodeQueryFailed).Wrapf(err, "failed to load integration")
	}
	return i, nil
}

var _ Directory = (*SQLiteDirectory)(nil)
