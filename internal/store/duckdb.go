// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DuckDBStore is a relational implementation of every store interface in
// this package, backed by an embedded DuckDB file. It is the durable
// alternative to MemoryStore for a single-instance deployment; a
// multi-instance deployment points several gateways at the same file via
// a shared volume, or swaps in a client/server relational store behind
// the same interfaces.
type DuckDBStore struct {
	conn *sql.DB
}

// NewDuckDBStore opens (or creates) a DuckDB database at path and
// migrates its schema.
func NewDuckDBStore(path string) (*DuckDBStore, error) {
	conn, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb store: %w", err)
	}
	conn.SetMaxOpenConns(1) // DuckDB's single-writer model; see cfg.Database.MaxOpenConns for the intended pool ceiling once a client/server backend replaces this.

	s := &DuckDBStore{conn: conn}
	if err := s.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *DuckDBStore) Close() error {
	return s.conn.Close()
}

func (s *DuckDBStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			public_prefix TEXT NOT NULL DEFAULT '',
			hash TEXT NOT NULL,
			status TEXT NOT NULL,
			scopes TEXT NOT NULL,
			allowed_cidrs TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP,
			use_count BIGINT NOT NULL DEFAULT 0,
			last_used_at TIMESTAMP,
			last_used_ip TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS submissions (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			status TEXT NOT NULL,
			payload BLOB NOT NULL,
			last_error TEXT,
			attempts BIGINT NOT NULL DEFAULT 0,
			received_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS capabilities (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			blob_path TEXT NOT NULL,
			filename TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			max_size_bytes BIGINT NOT NULL DEFAULT 0,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			issued_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			stored_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_attempts (
			id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			tenant TEXT NOT NULL,
			event_type TEXT NOT NULL,
			attempt_number INTEGER NOT NULL DEFAULT 1,
			outcome TEXT NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			attempted_at TIMESTAMP NOT NULL,
			next_attempt_at TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate duckdb store: %w", err)
		}
	}
	return nil
}

func (s *DuckDBStore) CreateCredential(ctx context.Context, c *Credential) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO credentials (id, tenant, public_prefix, hash, status, scopes, allowed_cidrs, created_at, expires_at, use_count, last_used_at, last_used_ip)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Tenant, c.PublicPrefix, c.Hash, string(c.Status), joinCSV(c.Scopes), joinCSV(c.AllowedCIDRs),
		c.CreatedAt, nullTime(c.ExpiresAt), c.UseCount, nullTime(c.LastUsedAt), c.LastUsedIP)
	if err != nil {
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

const credentialColumns = `id, tenant, public_prefix, hash, status, scopes, allowed_cidrs, created_at, expires_at, use_count, last_used_at, last_used_ip`

func (s *DuckDBStore) GetCredential(ctx context.Context, id string) (*Credential, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	return scanCredential(row)
}

func (s *DuckDBStore) FindCredentialByHash(ctx context.Context, hash string) (*Credential, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE hash = ?`, hash)
	return scanCredential(row)
}

func (s *DuckDBStore) FindCredentialByPublicPrefix(ctx context.Context, prefix string) (*Credential, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE public_prefix = ?`, prefix)
	return scanCredential(row)
}

func (s *DuckDBStore) RevokeCredential(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `UPDATE credentials SET status = ? WHERE id = ?`, string(CredentialRevoked), id)
	return checkAffected(res, err)
}

func (s *DuckDBStore) RecordCredentialUse(ctx context.Context, id, ip string, at time.Time) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE credentials SET use_count = use_count + 1, last_used_at = ?, last_used_ip = ? WHERE id = ?`,
		at, ip, id)
	return checkAffected(res, err)
}

func (s *DuckDBStore) ListCredentialsByTenant(ctx context.Context, tenant string) ([]*Credential, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE tenant = ?`, tenant)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		c, err := scanCredentialRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *DuckDBStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	receivedAt := sub.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = receivedAt
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO submissions (id, tenant, correlation_id, fingerprint, status, payload, last_error, attempts, received_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Tenant, sub.CorrelationID, sub.Fingerprint, string(sub.Status), sub.Payload, sub.LastError, sub.Attempts, receivedAt, updatedAt)
	if err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

const submissionColumns = `id, tenant, correlation_id, fingerprint, status, payload, last_error, attempts, received_at, updated_at, deleted, deleted_at`

func (s *DuckDBStore) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ? AND deleted = FALSE`, id)
	return scanSubmission(row)
}

func (s *DuckDBStore) FindSubmissionByFingerprint(ctx context.Context, tenant, fingerprint string) (*Submission, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE tenant = ? AND fingerprint = ? AND deleted = FALSE`, tenant, fingerprint)
	return scanSubmission(row)
}

func (s *DuckDBStore) UpdateSubmissionStatus(ctx context.Context, id string, status SubmissionStatus, lastError string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE submissions SET status = ?, last_error = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC(), id)
	return checkAffected(res, err)
}

// ListSubmissions returns a tenant's submissions matching filter, newest
// first.
func (s *DuckDBStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]*Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE tenant = ? AND deleted = FALSE`
	args := []interface{}{filter.Tenant}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Query != "" {
		query += ` AND correlation_id LIKE ?`
		args = append(args, "%"+filter.Query+"%")
	}
	query += ` ORDER BY received_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var out []*Submission
	for rows.Next() {
		sub, err := scanSubmissionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *DuckDBStore) UpdateSubmissionFields(ctx context.Context, tenant, id string, payload []byte) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE submissions SET payload = ?, updated_at = ? WHERE id = ? AND tenant = ? AND deleted = FALSE`,
		payload, time.Now().UTC(), id, tenant)
	return checkAffected(res, err)
}

func (s *DuckDBStore) SoftDeleteSubmission(ctx context.Context, tenant, id string) error {
	now := time.Now().UTC()
	res, err := s.conn.ExecContext(ctx,
		`UPDATE submissions SET deleted = TRUE, deleted_at = ?, updated_at = ? WHERE id = ? AND tenant = ? AND deleted = FALSE`,
		now, now, id, tenant)
	return checkAffected(res, err)
}

func (s *DuckDBStore) CreateCapability(ctx context.Context, c *Capability) error {
	issuedAt := c.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now().UTC()
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO capabilities (id, tenant, correlation_id, kind, status, blob_path, filename, content_type, max_size_bytes, size_bytes, issued_at, expires_at, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Tenant, c.CorrelationID, string(c.Kind), string(c.Status), c.BlobPath, c.Filename, c.ContentType, c.MaxSizeBytes, c.SizeBytes, issuedAt, c.ExpiresAt, nullTime(c.StoredAt))
	if err != nil {
		return fmt.Errorf("create capability: %w", err)
	}
	return nil
}

const capabilityColumns = `id, tenant, correlation_id, kind, status, blob_path, filename, content_type, max_size_bytes, size_bytes, issued_at, expires_at, stored_at`

func (s *DuckDBStore) GetCapability(ctx context.Context, id string) (*Capability, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+capabilityColumns+` FROM capabilities WHERE id = ?`, id)
	return scanCapability(row)
}

func (s *DuckDBStore) MarkCapabilityStored(ctx context.Context, id string, sizeBytes int64, at time.Time) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE capabilities SET status = ?, size_bytes = ?, stored_at = ? WHERE id = ?`,
		string(CapabilityStored), sizeBytes, at, id)
	return checkAffected(res, err)
}

func (s *DuckDBStore) MarkCapabilityExpired(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `UPDATE capabilities SET status = ? WHERE id = ?`, string(CapabilityExpired), id)
	return checkAffected(res, err)
}

// ListPendingUploads satisfies reactor.PendingLister.
func (s *DuckDBStore) ListPendingUploads(ctx context.Context) ([]*Capability, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+capabilityColumns+` FROM capabilities WHERE kind = ? AND status = ?`,
		string(CapabilityUpload), string(CapabilityPending))
	if err != nil {
		return nil, fmt.Errorf("list pending uploads: %w", err)
	}
	defer rows.Close()

	var out []*Capability
	for rows.Next() {
		c, err := scanCapabilityRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *DuckDBStore) CreateDeliveryAttempt(ctx context.Context, d *DeliveryAttempt) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO delivery_attempts (id, correlation_id, tenant, event_type, attempt_number, outcome, status_code, error, attempted_at, next_attempt_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.CorrelationID, d.Tenant, d.EventType, d.AttemptNumber, string(d.Outcome), d.StatusCode, d.Error, d.AttemptedAt, nullTime(d.NextAttemptAt))
	if err != nil {
		return fmt.Errorf("create delivery attempt: %w", err)
	}
	return nil
}

func (s *DuckDBStore) ListDeliveryAttemptsByCorrelationID(ctx context.Context, correlationID string) ([]*DeliveryAttempt, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, correlation_id, tenant, event_type, attempt_number, outcome, status_code, error, attempted_at, next_attempt_at FROM delivery_attempts WHERE correlation_id = ? ORDER BY attempted_at ASC`,
		correlationID)
	if err != nil {
		return nil, fmt.Errorf("list delivery attempts: %w", err)
	}
	defer rows.Close()

	var out []*DeliveryAttempt
	for rows.Next() {
		d := &DeliveryAttempt{}
		var outcome string
		var nextAttemptAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.CorrelationID, &d.Tenant, &d.EventType, &d.AttemptNumber, &outcome, &d.StatusCode, &d.Error, &d.AttemptedAt, &nextAttemptAt); err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		d.Outcome = DeliveryOutcome(outcome)
		if nextAttemptAt.Valid {
			d.NextAttemptAt = &nextAttemptAt.Time
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row *sql.Row) (*Credential, error) {
	return scanCredentialRows(row)
}

func scanCredentialRows(row rowScanner) (*Credential, error) {
	c := &Credential{}
	var status, scopes, cidrs string
	var expiresAt, lastUsedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.Tenant, &c.PublicPrefix, &c.Hash, &status, &scopes, &cidrs, &c.CreatedAt, &expiresAt, &c.UseCount, &lastUsedAt, &c.LastUsedIP); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	c.Status = CredentialStatus(status)
	c.Scopes = splitCSV(scopes)
	c.AllowedCIDRs = splitCSV(cidrs)
	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		c.LastUsedAt = &lastUsedAt.Time
	}
	return c, nil
}

func scanSubmission(row *sql.Row) (*Submission, error) {
	return scanSubmissionRows(row)
}

func scanSubmissionRows(row rowScanner) (*Submission, error) {
	s := &Submission{}
	var status string
	var deletedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.Tenant, &s.CorrelationID, &s.Fingerprint, &status, &s.Payload, &s.LastError, &s.Attempts, &s.ReceivedAt, &s.UpdatedAt, &s.Deleted, &deletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan submission: %w", err)
	}
	s.Status = SubmissionStatus(status)
	if deletedAt.Valid {
		s.DeletedAt = &deletedAt.Time
	}
	return s, nil
}

func scanCapability(row *sql.Row) (*Capability, error) {
	return scanCapabilityRows(row)
}

func scanCapabilityRows(row rowScanner) (*Capability, error) {
	c := &Capability{}
	var kind, status string
	var storedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.Tenant, &c.CorrelationID, &kind, &status, &c.BlobPath, &c.Filename, &c.ContentType, &c.MaxSizeBytes, &c.SizeBytes, &c.IssuedAt, &c.ExpiresAt, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan capability: %w", err)
	}
	c.Kind = CapabilityKind(kind)
	c.Status = CapabilityStatus(status)
	if storedAt.Valid {
		c.StoredAt = &storedAt.Time
	}
	return c, nil
}

func checkAffected(res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func joinCSV(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

var (
	_ CredentialStore      = (*DuckDBStore)(nil)
	_ SubmissionStore      = (*DuckDBStore)(nil)
	_ CapabilityStore      = (*DuckDBStore)(nil)
	_ DeliveryAttemptStore = (*DuckDBStore)(nil)
)
