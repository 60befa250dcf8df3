// Package pgstore is the PostgreSQL implementation of the store contract.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ry4nng/sfc-library-sys/internal/liberr"
	"github.com/ry4nng/sfc-library-sys/internal/models"
	"github.com/ry4nng/sfc-library-sys/internal/store"
)

// Schema creates the tables the store needs. Applied by callers that own
// migrations; the tests apply it directly.
const Schema = `
CREATE TABLE IF NOT EXISTS books (
	id UUID PRIMARY KEY,
	isbn TEXT NOT NULL,
	title TEXT NOT NULL,
	author TEXT NOT NULL,
	course_tag TEXT NOT NULL DEFAULT '',
	total_copies INT NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	version INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS copies (
	id UUID PRIMARY KEY,
	book_id UUID NOT NULL,
	inventory_code TEXT NOT NULL UNIQUE,
	shelf_location TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	version INT NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	external_id TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL,
	name TEXT NOT NULL,
	form_year INT NOT NULL DEFAULT 0,
	role TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	version INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS users_external_id ON users (external_id) WHERE external_id <> '';
CREATE TABLE IF NOT EXISTS loans (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	copy_id UUID NOT NULL,
	borrowed_at TIMESTAMPTZ NOT NULL,
	due_at TIMESTAMPTZ NOT NULL,
	returned_at TIMESTAMPTZ,
	status TEXT NOT NULL,
	late_fee_cents BIGINT NOT NULL DEFAULT 0,
	notes TEXT NOT NULL DEFAULT '',
	last_notice TEXT NOT NULL DEFAULT '',
	version INT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS loans_open_copy ON loans (copy_id) WHERE status IN ('BORROWED', 'OVERDUE');
CREATE TABLE IF NOT EXISTS sync_pointers (
	source TEXT PRIMARY KEY,
	cursor TEXT NOT NULL,
	last_run_at TIMESTAMPTZ NOT NULL,
	version INT NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_log (
	id BIGSERIAL PRIMARY KEY,
	actor_id UUID,
	action TEXT NOT NULL,
	entity TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	payload JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Pgstore runs every Update inside a serializable transaction and maps
// serialization failures and unique violations to liberr.ErrConflict, so a
// lost race surfaces the same way as a stale version check.
type Pgstore struct {
	db *sql.DB
}

func New(db *sql.DB) *Pgstore {
	return &Pgstore{db: db}
}

// Migrate applies the schema.
func (s *Pgstore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Pgstore) View(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Pgstore) Update(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return mapPqErr(err)
	}
	if err := tx.Commit(); err != nil {
		return mapPqErr(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// mapPqErr folds Postgres concurrency errors into the taxonomy: 23505 is a
// unique violation (two open loans racing on one copy), 40001 a serialization
// failure. Both mean the caller lost a race and may retry the operation.
func mapPqErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", liberr.ErrConflict, pqErr.Message)
		case "40001":
			return fmt.Errorf("%w: transaction serialization failure", liberr.ErrConflict)
		}
	}
	return err
}

type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

var _ store.Tx = (*pgTx)(nil)

// checkAndSet verifies the affected-row count of a version-guarded UPDATE.
func checkAndSet(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return liberr.Conflict("%s %s was modified concurrently", kind, id)
	}
	return nil
}

// Books.

func (t *pgTx) GetBook(id uuid.UUID) (*models.Book, error) {
	b := &models.Book{}
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT id, isbn, title, author, course_tag, total_copies, active, version, created_at, updated_at
		FROM books WHERE id = $1
	`, id).Scan(&b.ID, &b.ISBN, &b.Title, &b.Author, &b.CourseTag, &b.TotalCopies, &b.Active, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, liberr.NotFound("book %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	return b, nil
}

func (t *pgTx) ListBooks() ([]*models.Book, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id, isbn, title, author, course_tag, total_copies, active, version, created_at, updated_at
		FROM books ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	var out []*models.Book
	for rows.Next() {
		b := &models.Book{}
		if err := rows.Scan(&b.ID, &b.ISBN, &b.Title, &b.Author, &b.CourseTag, &b.TotalCopies, &b.Active, &b.Version, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *pgTx) PutBook(b *models.Book) error {
	if b.Version == 0 {
		_, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO books (id, isbn, title, author, course_tag, total_copies, active, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $8)
		`, b.ID, b.ISBN, b.Title, b.Author, b.CourseTag, b.TotalCopies, b.Active, b.CreatedAt)
		if err != nil {
			return mapPqErr(fmt.Errorf("insert book: %w", err))
		}
		b.Version = 1
		return nil
	}
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE books
		SET isbn = $1, title = $2, author = $3, course_tag = $4, total_copies = $5, active = $6,
			version = version + 1, updated_at = NOW()
		WHERE id = $7 AND version = $8
	`, b.ISBN, b.Title, b.Author, b.CourseTag, b.TotalCopies, b.Active, b.ID, b.Version)
	if err != nil {
		return mapPqErr(fmt.Errorf("update book: %w", err))
	}
	if err := checkAndSet(res, "book", b.ID.String()); err != nil {
		return err
	}
	b.Version++
	return nil
}

func (t *pgTx) DeleteBook(id uuid.UUID) error {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM books WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return liberr.NotFound("book %s", id)
	}
	return nil
}

// Copies.

func (t *pgTx) scanCopy(row *sql.Row) (*models.Copy, error) {
	c := &models.Copy{}
	err := row.Scan(&c.ID, &c.BookID, &c.InventoryCode, &c.ShelfLocation, &c.Status, &c.Version)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (t *pgTx) GetCopy(id uuid.UUID) (*models.Copy, error) {
	c, err := t.scanCopy(t.tx.QueryRowContext(t.ctx, `
		SELECT id, book_id, inventory_code, shelf_location, status, version FROM copies WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, liberr.NotFound("copy %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get copy: %w", err)
	}
	return c, nil
}

func (t *pgTx) CopyByCode(inventoryCode string) (*models.Copy, error) {
	c, err := t.scanCopy(t.tx.QueryRowContext(t.ctx, `
		SELECT id, book_id, inventory_code, shelf_location, status, version FROM copies WHERE inventory_code = $1
	`, inventoryCode))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("copy by code: %w", err)
	}
	return c, nil
}

func (t *pgTx) CopiesByBook(bookID uuid.UUID) ([]*models.Copy, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id, book_id, inventory_code, shelf_location, status, version
		FROM copies WHERE book_id = $1 ORDER BY inventory_code
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("copies by book: %w", err)
	}
	defer rows.Close()

	var out []*models.Copy
	for rows.Next() {
		c := &models.Copy{}
		if err := rows.Scan(&c.ID, &c.BookID, &c.InventoryCode, &c.ShelfLocation, &c.Status, &c.Version); err != nil {
			return nil, fmt.Errorf("scan copy: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) PutCopy(c *models.Copy) error {
	if c.Version == 0 {
		_, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO copies (id, book_id, inventory_code, shelf_location, status, version)
			VALUES ($1, $2, $3, $4, $5, 1)
		`, c.ID, c.BookID, c.InventoryCode, c.ShelfLocation, c.Status)
		if err != nil {
			return mapPqErr(fmt.Errorf("insert copy: %w", err))
		}
		c.Version = 1
		return nil
	}
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE copies
		SET book_id = $1, inventory_code = $2, shelf_location = $3, status = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`, c.BookID, c.InventoryCode, c.ShelfLocation, c.Status, c.ID, c.Version)
	if err != nil {
		return mapPqErr(fmt.Errorf("update copy: %w", err))
	}
	if err := checkAndSet(res, "copy", c.ID.String()); err != nil {
		return err
	}
	c.Version++
	return nil
}

func (t *pgTx) DeleteCopy(id uuid.UUID) error {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM copies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete copy: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return liberr.NotFound("copy %s", id)
	}
	return nil
}

// Users.

func (t *pgTx) scanUser(row *sql.Row) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.Name, &u.FormYear, &u.Role, &u.Active, &u.Version, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (t *pgTx) GetUser(id uuid.UUID) (*models.User, error) {
	u, err := t.scanUser(t.tx.QueryRowContext(t.ctx, `
		SELECT id, external_id, email, name, form_year, role, active, version, created_at, updated_at
		FROM users WHERE id = $1
	`, id))
	if err == sql.ErrNoRows {
		return nil, liberr.NotFound("user %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (t *pgTx) UserByExternalID(externalID string) (*models.User, error) {
	if externalID == "" {
		return nil, nil
	}
	u, err := t.scanUser(t.tx.QueryRowContext(t.ctx, `
		SELECT id, external_id, email, name, form_year, role, active, version, created_at, updated_at
		FROM users WHERE external_id = $1
	`, externalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user by external id: %w", err)
	}
	return u, nil
}

func (t *pgTx) ListUsers() ([]*models.User, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id, external_id, email, name, form_year, role, active, version, created_at, updated_at
		FROM users ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []*models.User
	for rows.Next() {
		u := &models.User{}
		if err := rows.Scan(&u.ID, &u.ExternalID, &u.Email, &u.Name, &u.FormYear, &u.Role, &u.Active, &u.Version, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (t *pgTx) PutUser(u *models.User) error {
	if u.Version == 0 {
		_, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO users (id, external_id, email, name, form_year, role, active, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $8)
		`, u.ID, u.ExternalID, u.Email, u.Name, u.FormYear, u.Role, u.Active, u.CreatedAt)
		if err != nil {
			return mapPqErr(fmt.Errorf("insert user: %w", err))
		}
		u.Version = 1
		return nil
	}
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE users
		SET external_id = $1, email = $2, name = $3, form_year = $4, role = $5, active = $6,
			version = version + 1, updated_at = NOW()
		WHERE id = $7 AND version = $8
	`, u.ExternalID, u.Email, u.Name, u.FormYear, u.Role, u.Active, u.ID, u.Version)
	if err != nil {
		return mapPqErr(fmt.Errorf("update user: %w", err))
	}
	if err := checkAndSet(res, "user", u.ID.String()); err != nil {
		return err
	}
	u.Version++
	return nil
}

// Loans.

const loanColumns = `id, user_id, copy_id, borrowed_at, due_at, returned_at, status, late_fee_cents, notes, last_notice, version`

func scanLoan(scan func(dest ...any) error) (*models.Loan, error) {
	l := &models.Loan{}
	var returnedAt sql.NullTime
	err := scan(&l.ID, &l.UserID, &l.CopyID, &l.BorrowedAt, &l.DueAt, &returnedAt, &l.Status, &l.LateFeeCents, &l.Notes, &l.LastNotice, &l.Version)
	if err != nil {
		return nil, err
	}
	if returnedAt.Valid {
		l.ReturnedAt = &returnedAt.Time
	}
	return l, nil
}

func (t *pgTx) GetLoan(id uuid.UUID) (*models.Loan, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, id)
	l, err := scanLoan(row.Scan)
	if err == sql.ErrNoRows {
		return nil, liberr.NotFound("loan %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get loan: %w", err)
	}
	return l, nil
}

func (t *pgTx) OpenLoanByCopy(copyID uuid.UUID) (*models.Loan, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT `+loanColumns+` FROM loans WHERE copy_id = $1 AND status IN ('BORROWED', 'OVERDUE')
	`, copyID)
	l, err := scanLoan(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open loan by copy: %w", err)
	}
	return l, nil
}

func (t *pgTx) CountOpenLoansByUser(userID uuid.UUID) (int, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT COUNT(*) FROM loans WHERE user_id = $1 AND status IN ('BORROWED', 'OVERDUE')
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open loans: %w", err)
	}
	return n, nil
}

func (t *pgTx) CountOverdueLoansByUser(userID uuid.UUID) (int, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT COUNT(*) FROM loans WHERE user_id = $1 AND status = 'OVERDUE'
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count overdue loans: %w", err)
	}
	return n, nil
}

func (t *pgTx) loansWhere(clause string, args ...any) ([]*models.Loan, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+loanColumns+` FROM loans `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query loans: %w", err)
	}
	defer rows.Close()

	var out []*models.Loan
	for rows.Next() {
		l, err := scanLoan(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan loan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *pgTx) LoansByStatus(status models.LoanStatus) ([]*models.Loan, error) {
	return t.loansWhere(`WHERE status = $1 ORDER BY borrowed_at`, status)
}

func (t *pgTx) LoansByUser(userID uuid.UUID) ([]*models.Loan, error) {
	return t.loansWhere(`WHERE user_id = $1 ORDER BY borrowed_at`, userID)
}

func (t *pgTx) PutLoan(l *models.Loan) error {
	var returnedAt sql.NullTime
	if l.ReturnedAt != nil {
		returnedAt = sql.NullTime{Time: *l.ReturnedAt, Valid: true}
	}
	if l.Version == 0 {
		_, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO loans (id, user_id, copy_id, borrowed_at, due_at, returned_at, status, late_fee_cents, notes, last_notice, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
		`, l.ID, l.UserID, l.CopyID, l.BorrowedAt, l.DueAt, returnedAt, l.Status, l.LateFeeCents, l.Notes, l.LastNotice)
		if err != nil {
			return mapPqErr(fmt.Errorf("insert loan: %w", err))
		}
		l.Version = 1
		return nil
	}
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE loans
		SET returned_at = $1, status = $2, late_fee_cents = $3, notes = $4, last_notice = $5, version = version + 1
		WHERE id = $6 AND version = $7
	`, returnedAt, l.Status, l.LateFeeCents, l.Notes, l.LastNotice, l.ID, l.Version)
	if err != nil {
		return mapPqErr(fmt.Errorf("update loan: %w", err))
	}
	if err := checkAndSet(res, "loan", l.ID.String()); err != nil {
		return err
	}
	l.Version++
	return nil
}

// Sync pointers.

func (t *pgTx) SyncPointer(source string) (*models.SyncPointer, error) {
	p := &models.SyncPointer{}
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT source, cursor, last_run_at, version FROM sync_pointers WHERE source = $1
	`, source).Scan(&p.Source, &p.Cursor, &p.LastRunAt, &p.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync pointer: %w", err)
	}
	return p, nil
}

func (t *pgTx) PutSyncPointer(p *models.SyncPointer) error {
	if p.Version == 0 {
		_, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO sync_pointers (source, cursor, last_run_at, version) VALUES ($1, $2, $3, 1)
		`, p.Source, p.Cursor, p.LastRunAt)
		if err != nil {
			return mapPqErr(fmt.Errorf("insert sync pointer: %w", err))
		}
		p.Version = 1
		return nil
	}
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE sync_pointers SET cursor = $1, last_run_at = $2, version = version + 1
		WHERE source = $3 AND version = $4
	`, p.Cursor, p.LastRunAt, p.Source, p.Version)
	if err != nil {
		return mapPqErr(fmt.Errorf("update sync pointer: %w", err))
	}
	if err := checkAndSet(res, "sync pointer", p.Source); err != nil {
		return err
	}
	p.Version++
	return nil
}

// Audit log.

func (t *pgTx) AppendAudit(e *models.AuditEntry) error {
	err := t.tx.QueryRowContext(t.ctx, `
		INSERT INTO audit_log (actor_id, action, entity, entity_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at
	`, e.ActorID, e.Action, e.Entity, e.EntityID, []byte(e.Payload)).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (t *pgTx) ListAudit(limit int) ([]*models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id, actor_id, action, entity, entity_id, payload, created_at
		FROM audit_log ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditEntry
	for rows.Next() {
		e := &models.AuditEntry{}
		var payload []byte
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.Entity, &e.EntityID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}
