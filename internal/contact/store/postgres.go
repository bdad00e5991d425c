package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"idlink/internal/contact/models"
	"idlink/pkg/platform/sentinel"
	txcontext "idlink/pkg/platform/tx"
	"idlink/pkg/requestcontext"
)

const defaultTxTimeout = 5 * time.Second

// Postgres SQLSTATE codes the serializable transaction can abort with.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// PostgresStore persists contacts in PostgreSQL. Methods execute against the
// transaction carried in context when RunInTx supplied one, otherwise
// directly against the pool.
type PostgresStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgres constructs a PostgreSQL-backed contact store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, timeout: defaultTxTimeout}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// RunInTx executes fn inside a serializable transaction. Overlapping
// identify calls are serialized by the database; a loser aborts with a
// serialization failure which surfaces as sentinel.ErrConflict for the
// caller's retry loop.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		return mapConflict(err)
	}
	if err := tx.Commit(); err != nil {
		return mapConflict(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func mapConflict(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqSerializationFailure, pqDeadlockDetected:
			return fmt.Errorf("%w: %v", sentinel.ErrConflict, err)
		}
	}
	return err
}

const contactColumns = `id, email, phone_number, linked_id, link_precedence, created_at, updated_at, deleted_at`

func (s *PostgresStore) Create(ctx context.Context, contact *models.Contact) error {
	query := `
		INSERT INTO contacts (email, phone_number, linked_id, link_precedence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := s.execer(ctx).QueryRowContext(ctx, query,
		nullString(contact.Email),
		nullString(contact.PhoneNumber),
		nullInt64(contact.LinkedID),
		string(contact.Precedence),
		contact.CreatedAt,
		contact.UpdatedAt,
	).Scan(&contact.ID)
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, contact *models.Contact) error {
	query := `
		UPDATE contacts
		SET link_precedence = $2, linked_id = $3, updated_at = $4
		WHERE id = $1 AND deleted_at IS NULL
	`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		contact.ID,
		string(contact.Precedence),
		nullInt64(contact.LinkedID),
		contact.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id int64) (*models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = $1 AND deleted_at IS NULL`
	contact, err := scanContact(s.execer(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find contact by id: %w", err)
	}
	return contact, nil
}

func (s *PostgresStore) FindByEmailOrPhone(ctx context.Context, email, phoneNumber string) ([]*models.Contact, error) {
	query := `
		SELECT ` + contactColumns + `
		FROM contacts
		WHERE deleted_at IS NULL
		  AND (($1 <> '' AND email = $1) OR ($2 <> '' AND phone_number = $2))
		ORDER BY id
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, email, phoneNumber)
	if err != nil {
		return nil, fmt.Errorf("find contacts by email or phone: %w", err)
	}
	defer rows.Close()
	return scanContacts(rows)
}

func (s *PostgresStore) FindByLinkedID(ctx context.Context, linkedID int64) ([]*models.Contact, error) {
	query := `
		SELECT ` + contactColumns + `
		FROM contacts
		WHERE linked_id = $1 AND deleted_at IS NULL
		ORDER BY id
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, linkedID)
	if err != nil {
		return nil, fmt.Errorf("find contacts by linked id: %w", err)
	}
	defer rows.Close()
	return scanContacts(rows)
}

func (s *PostgresStore) SoftDelete(ctx context.Context, id int64) error {
	query := `UPDATE contacts SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`
	res, err := s.execer(ctx).ExecContext(ctx, query, id, nowFromContext(ctx))
	if err != nil {
		return fmt.Errorf("soft delete contact: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete contact: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// EnsureSchema creates the contacts table and its lookup indexes if they do
// not exist yet. Mirrors the layout the service has always persisted.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS contacts (
			id              BIGSERIAL PRIMARY KEY,
			email           TEXT,
			phone_number    TEXT,
			linked_id       BIGINT REFERENCES contacts(id),
			link_precedence TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL,
			deleted_at      TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_email ON contacts (email) WHERE deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_phone ON contacts (phone_number) WHERE deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_linked_id ON contacts (linked_id) WHERE deleted_at IS NULL`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure contacts schema: %w", err)
		}
	}
	return nil
}

func scanContact(row *sql.Row) (*models.Contact, error) {
	var (
		c          models.Contact
		email      sql.NullString
		phone      sql.NullString
		linkedID   sql.NullInt64
		precedence string
		deletedAt  sql.NullTime
	)
	if err := row.Scan(&c.ID, &email, &phone, &linkedID, &precedence, &c.CreatedAt, &c.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	applyNullables(&c, email, phone, linkedID, precedence, deletedAt)
	return &c, nil
}

func scanContacts(rows *sql.Rows) ([]*models.Contact, error) {
	var out []*models.Contact
	for rows.Next() {
		var (
			c          models.Contact
			email      sql.NullString
			phone      sql.NullString
			linkedID   sql.NullInt64
			precedence string
			deletedAt  sql.NullTime
		)
		if err := rows.Scan(&c.ID, &email, &phone, &linkedID, &precedence, &c.CreatedAt, &c.UpdatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		applyNullables(&c, email, phone, linkedID, precedence, deletedAt)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return out, nil
}

func applyNullables(c *models.Contact, email, phone sql.NullString, linkedID sql.NullInt64, precedence string, deletedAt sql.NullTime) {
	c.Email = email.String
	c.PhoneNumber = phone.String
	if linkedID.Valid {
		v := linkedID.Int64
		c.LinkedID = &v
	}
	c.Precedence = models.Precedence(precedence)
	if deletedAt.Valid {
		t := deletedAt.Time
		c.DeletedAt = &t
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nowFromContext(ctx context.Context) time.Time {
	return requestcontext.Now(ctx)
}
