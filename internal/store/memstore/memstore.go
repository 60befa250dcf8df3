// Package memstore is the in-memory implementation of the store contract.
// It backs the unit tests and the dev binary when no DATABASE_URL is set.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ry4nng/sfc-library-sys/internal/liberr"
	"github.com/ry4nng/sfc-library-sys/internal/models"
	"github.com/ry4nng/sfc-library-sys/internal/store"
)

var errReadOnly = errors.New("memstore: write inside read-only transaction")

// Memstore keeps every record in process memory. Transactions stage their
// writes and apply them on commit, so a failed Update leaves no trace.
type Memstore struct {
	mu sync.RWMutex

	books    map[uuid.UUID]models.Book
	copies   map[uuid.UUID]models.Copy
	users    map[uuid.UUID]models.User
	loans    map[uuid.UUID]models.Loan
	pointers map[string]models.SyncPointer
	audit    []models.AuditEntry
	auditSeq int64
}

func New() *Memstore {
	return &Memstore{
		books:    make(map[uuid.UUID]models.Book),
		copies:   make(map[uuid.UUID]models.Copy),
		users:    make(map[uuid.UUID]models.User),
		loans:    make(map[uuid.UUID]models.Loan),
		pointers: make(map[string]models.SyncPointer),
	}
}

func (s *Memstore) View(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{store: s})
}

func (s *Memstore) Update(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, writable: true}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx stages writes in overlay maps. Reads consult the overlay first so a
// transaction observes its own writes.
type memTx struct {
	store    *Memstore
	writable bool

	books    map[uuid.UUID]*models.Book
	copies   map[uuid.UUID]*models.Copy
	users    map[uuid.UUID]*models.User
	loans    map[uuid.UUID]*models.Loan
	pointers map[string]*models.SyncPointer
	audit    []models.AuditEntry

	deletedBooks  map[uuid.UUID]bool
	deletedCopies map[uuid.UUID]bool
}

var _ store.Tx = (*memTx)(nil)

func (tx *memTx) commit() {
	for id, b := range tx.books {
		tx.store.books[id] = *b
	}
	for id, c := range tx.copies {
		tx.store.copies[id] = *c
	}
	for id, u := range tx.users {
		tx.store.users[id] = *u
	}
	for id, l := range tx.loans {
		tx.store.loans[id] = *l
	}
	for src, p := range tx.pointers {
		tx.store.pointers[src] = *p
	}
	for id := range tx.deletedBooks {
		delete(tx.store.books, id)
	}
	for id := range tx.deletedCopies {
		delete(tx.store.copies, id)
	}
	tx.store.audit = append(tx.store.audit, tx.audit...)
	tx.store.auditSeq += int64(len(tx.audit))
}

// checkVersion applies the optimistic check-and-set shared by every Put.
// It returns the version the staged record should carry.
func checkVersion(kind string, id string, current int, currentExists bool, incoming int) (int, error) {
	if incoming == 0 {
		if currentExists {
			return 0, liberr.Conflict("%s %s already exists", kind, id)
		}
		return 1, nil
	}
	if !currentExists {
		return 0, liberr.NotFound("%s %s", kind, id)
	}
	if current != incoming {
		return 0, liberr.Conflict("%s %s version %d is stale (stored %d)", kind, id, incoming, current)
	}
	return incoming + 1, nil
}

// Books.

func (tx *memTx) GetBook(id uuid.UUID) (*models.Book, error) {
	if tx.deletedBooks[id] {
		return nil, liberr.NotFound("book %s", id)
	}
	if b, ok := tx.books[id]; ok {
		cp := *b
		return &cp, nil
	}
	if b, ok := tx.store.books[id]; ok {
		return &b, nil
	}
	return nil, liberr.NotFound("book %s", id)
}

func (tx *memTx) ListBooks() ([]*models.Book, error) {
	var out []*models.Book
	for id := range tx.store.books {
		if tx.deletedBooks[id] {
			continue
		}
		if _, staged := tx.books[id]; staged {
			continue
		}
		b := tx.store.books[id]
		out = append(out, &b)
	}
	for id, b := range tx.books {
		if tx.deletedBooks[id] {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (tx *memTx) PutBook(b *models.Book) error {
	if !tx.writable {
		return errReadOnly
	}
	current, exists := tx.currentBook(b.ID)
	next, err := checkVersion("book", b.ID.String(), current, exists, b.Version)
	if err != nil {
		return err
	}
	b.Version = next
	if tx.books == nil {
		tx.books = make(map[uuid.UUID]*models.Book)
	}
	cp := *b
	tx.books[b.ID] = &cp
	delete(tx.deletedBooks, b.ID)
	return nil
}

func (tx *memTx) currentBook(id uuid.UUID) (int, bool) {
	if tx.deletedBooks[id] {
		return 0, false
	}
	if b, ok := tx.books[id]; ok {
		return b.Version, true
	}
	if b, ok := tx.store.books[id]; ok {
		return b.Version, true
	}
	return 0, false
}

func (tx *memTx) DeleteBook(id uuid.UUID) error {
	if !tx.writable {
		return errReadOnly
	}
	if _, err := tx.GetBook(id); err != nil {
		return err
	}
	if tx.deletedBooks == nil {
		tx.deletedBooks = make(map[uuid.UUID]bool)
	}
	tx.deletedBooks[id] = true
	delete(tx.books, id)
	return nil
}

// Copies.

func (tx *memTx) GetCopy(id uuid.UUID) (*models.Copy, error) {
	if tx.deletedCopies[id] {
		return nil, liberr.NotFound("copy %s", id)
	}
	if c, ok := tx.copies[id]; ok {
		cp := *c
		return &cp, nil
	}
	if c, ok := tx.store.copies[id]; ok {
		return &c, nil
	}
	return nil, liberr.NotFound("copy %s", id)
}

func (tx *memTx) CopyByCode(inventoryCode string) (*models.Copy, error) {
	for _, c := range tx.allCopies() {
		if c.InventoryCode == inventoryCode {
			return c, nil
		}
	}
	return nil, nil
}

func (tx *memTx) CopiesByBook(bookID uuid.UUID) ([]*models.Copy, error) {
	var out []*models.Copy
	for _, c := range tx.allCopies() {
		if c.BookID == bookID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InventoryCode < out[j].InventoryCode })
	return out, nil
}

func (tx *memTx) allCopies() []*models.Copy {
	var out []*models.Copy
	for id := range tx.store.copies {
		if tx.deletedCopies[id] {
			continue
		}
		if _, staged := tx.copies[id]; staged {
			continue
		}
		c := tx.store.copies[id]
		out = append(out, &c)
	}
	for id, c := range tx.copies {
		if tx.deletedCopies[id] {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out
}

func (tx *memTx) PutCopy(c *models.Copy) error {
	if !tx.writable {
		return errReadOnly
	}
	current, exists := tx.currentCopy(c.ID)
	next, err := checkVersion("copy", c.ID.String(), current, exists, c.Version)
	if err != nil {
		return err
	}
	c.Version = next
	if tx.copies == nil {
		tx.copies = make(map[uuid.UUID]*models.Copy)
	}
	cp := *c
	tx.copies[c.ID] = &cp
	delete(tx.deletedCopies, c.ID)
	return nil
}

func (tx *memTx) currentCopy(id uuid.UUID) (int, bool) {
	if tx.deletedCopies[id] {
		return 0, false
	}
	if c, ok := tx.copies[id]; ok {
		return c.Version, true
	}
	if c, ok := tx.store.copies[id]; ok {
		return c.Version, true
	}
	return 0, false
}

func (tx *memTx) DeleteCopy(id uuid.UUID) error {
	if !tx.writable {
		return errReadOnly
	}
	if _, err := tx.GetCopy(id); err != nil {
		return err
	}
	if tx.deletedCopies == nil {
		tx.deletedCopies = make(map[uuid.UUID]bool)
	}
	tx.deletedCopies[id] = true
	delete(tx.copies, id)
	return nil
}

// Users.

func (tx *memTx) GetUser(id uuid.UUID) (*models.User, error) {
	if u, ok := tx.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	if u, ok := tx.store.users[id]; ok {
		return &u, nil
	}
	return nil, liberr.NotFound("user %s", id)
}

func (tx *memTx) UserByExternalID(externalID string) (*models.User, error) {
	if externalID == "" {
		return nil, nil
	}
	for _, u := range tx.users {
		if u.ExternalID == externalID {
			cp := *u
			return &cp, nil
		}
	}
	for id, u := range tx.store.users {
		if _, staged := tx.users[id]; staged {
			continue
		}
		if u.ExternalID == externalID {
			cp := u
			return &cp, nil
		}
	}
	return nil, nil
}

func (tx *memTx) ListUsers() ([]*models.User, error) {
	var out []*models.User
	for id := range tx.store.users {
		if _, staged := tx.users[id]; staged {
			continue
		}
		u := tx.store.users[id]
		out = append(out, &u)
	}
	for _, u := range tx.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (tx *memTx) PutUser(u *models.User) error {
	if !tx.writable {
		return errReadOnly
	}
	var current int
	var exists bool
	if staged, ok := tx.users[u.ID]; ok {
		current, exists = staged.Version, true
	} else if stored, ok := tx.store.users[u.ID]; ok {
		current, exists = stored.Version, true
	}
	next, err := checkVersion("user", u.ID.String(), current, exists, u.Version)
	if err != nil {
		return err
	}
	u.Version = next
	if tx.users == nil {
		tx.users = make(map[uuid.UUID]*models.User)
	}
	cp := *u
	tx.users[u.ID] = &cp
	return nil
}

// Loans.

func (tx *memTx) GetLoan(id uuid.UUID) (*models.Loan, error) {
	if l, ok := tx.loans[id]; ok {
		cp := *l
		return &cp, nil
	}
	if l, ok := tx.store.loans[id]; ok {
		return &l, nil
	}
	return nil, liberr.NotFound("loan %s", id)
}

func (tx *memTx) allLoans() []*models.Loan {
	var out []*models.Loan
	for id := range tx.store.loans {
		if _, staged := tx.loans[id]; staged {
			continue
		}
		l := tx.store.loans[id]
		out = append(out, &l)
	}
	for _, l := range tx.loans {
		cp := *l
		out = append(out, &cp)
	}
	return out
}

func (tx *memTx) OpenLoanByCopy(copyID uuid.UUID) (*models.Loan, error) {
	for _, l := range tx.allLoans() {
		if l.CopyID == copyID && l.Open() {
			return l, nil
		}
	}
	return nil, nil
}

func (tx *memTx) CountOpenLoansByUser(userID uuid.UUID) (int, error) {
	n := 0
	for _, l := range tx.allLoans() {
		if l.UserID == userID && l.Open() {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) CountOverdueLoansByUser(userID uuid.UUID) (int, error) {
	n := 0
	for _, l := range tx.allLoans() {
		if l.UserID == userID && l.Status == models.LoanOverdue {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) LoansByStatus(status models.LoanStatus) ([]*models.Loan, error) {
	var out []*models.Loan
	for _, l := range tx.allLoans() {
		if l.Status == status {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BorrowedAt.Before(out[j].BorrowedAt) })
	return out, nil
}

func (tx *memTx) LoansByUser(userID uuid.UUID) ([]*models.Loan, error) {
	var out []*models.Loan
	for _, l := range tx.allLoans() {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BorrowedAt.Before(out[j].BorrowedAt) })
	return out, nil
}

func (tx *memTx) PutLoan(l *models.Loan) error {
	if !tx.writable {
		return errReadOnly
	}
	var current int
	var exists bool
	if staged, ok := tx.loans[l.ID]; ok {
		current, exists = staged.Version, true
	} else if stored, ok := tx.store.loans[l.ID]; ok {
		current, exists = stored.Version, true
	}
	next, err := checkVersion("loan", l.ID.String(), current, exists, l.Version)
	if err != nil {
		return err
	}
	l.Version = next
	if tx.loans == nil {
		tx.loans = make(map[uuid.UUID]*models.Loan)
	}
	cp := *l
	tx.loans[l.ID] = &cp
	return nil
}

// Sync pointers.

func (tx *memTx) SyncPointer(source string) (*models.SyncPointer, error) {
	if p, ok := tx.pointers[source]; ok {
		cp := *p
		return &cp, nil
	}
	if p, ok := tx.store.pointers[source]; ok {
		return &p, nil
	}
	return nil, nil
}

func (tx *memTx) PutSyncPointer(p *models.SyncPointer) error {
	if !tx.writable {
		return errReadOnly
	}
	var current int
	var exists bool
	if staged, ok := tx.pointers[p.Source]; ok {
		current, exists = staged.Version, true
	} else if stored, ok := tx.store.pointers[p.Source]; ok {
		current, exists = stored.Version, true
	}
	next, err := checkVersion("sync pointer", p.Source, current, exists, p.Version)
	if err != nil {
		return err
	}
	p.Version = next
	if tx.pointers == nil {
		tx.pointers = make(map[string]*models.SyncPointer)
	}
	cp := *p
	tx.pointers[p.Source] = &cp
	return nil
}

// Audit log.

func (tx *memTx) AppendAudit(e *models.AuditEntry) error {
	if !tx.writable {
		return errReadOnly
	}
	cp := *e
	cp.ID = tx.store.auditSeq + int64(len(tx.audit)) + 1
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	tx.audit = append(tx.audit, cp)
	e.ID = cp.ID
	return nil
}

func (tx *memTx) ListAudit(limit int) ([]*models.AuditEntry, error) {
	all := tx.store.audit
	out := make([]*models.AuditEntry, 0, limit)
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e := all[i]
		out = append(out, &e)
	}
	return out, nil
}
