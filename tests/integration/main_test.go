// tests/integration/main_test.go
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry4nng/sfc-library-sys/internal/audit"
	"github.com/ry4nng/sfc-library-sys/internal/catalog"
	"github.com/ry4nng/sfc-library-sys/internal/circulation"
	"github.com/ry4nng/sfc-library-sys/internal/models"
	"github.com/ry4nng/sfc-library-sys/internal/notify"
	"github.com/ry4nng/sfc-library-sys/internal/roster"
	"github.com/ry4nng/sfc-library-sys/internal/store"
	"github.com/ry4nng/sfc-library-sys/internal/store/memstore"
)

type testSuite struct {
	server    *httptest.Server
	store     *memstore.Memstore
	librarian uuid.UUID
	student   uuid.UUID
}

func setupTestSuite(t *testing.T, sources map[string]roster.Source) *testSuite {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	st := memstore.New()
	policy := circulation.Policy{
		DefaultLoanDays:     14,
		MaxLoansPerUser:     5,
		BlockAtOverdueCount: 3,
		LateFeeEnabled:      true,
		DailyLateFeeCents:   10,
		DueSoonWindow:       48 * time.Hour,
	}

	catalogSvc := catalog.NewService(st, nil, log)
	circulationSvc := circulation.NewService(st, notify.Nop{}, policy, log)
	rosterSvc := roster.NewService(st, sources, 3, log)
	reader := audit.NewReader(st)

	r := chi.NewRouter()
	r.Mount("/api/v1/catalog", catalog.NewHandler(catalogSvc).Routes())
	r.Mount("/api/v1/circulation", circulation.NewHandler(circulationSvc).Routes())
	r.Mount("/api/v1/roster", roster.NewHandler(rosterSvc).Routes())
	r.Mount("/api/v1/audit", audit.NewHandler(reader, st).Routes())

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	ts := &testSuite{server: server, store: st}
	ts.librarian = ts.seedUser(t, models.RoleLibrarian)
	ts.student = ts.seedUser(t, models.RoleStudent)
	return ts
}

func (ts *testSuite) seedUser(t *testing.T, role models.Role) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := ts.store.Update(context.Background(), func(tx store.Tx) error {
		return tx.PutUser(&models.User{
			ID: id, Email: id.String() + "@example.edu", Name: "Seeded " + string(role),
			Role: role, Active: true,
		})
	})
	require.NoError(t, err)
	return id
}

func (ts *testSuite) request(t *testing.T, method, path string, actor uuid.UUID, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	if actor != uuid.Nil {
		req.Header.Set("X-Actor-ID", actor.String())
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testSuite) addBookWithCopy(t *testing.T, isbn, code string) (uuid.UUID, uuid.UUID) {
	t.Helper()
	resp := ts.request(t, http.MethodPost, "/api/v1/catalog/books", ts.librarian, map[string]string{
		"isbn": isbn, "title": "Calculus", "author": "Spivak", "course_tag": "MATH-101",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	book := decode[models.Book](t, resp)

	resp = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/catalog/books/%s/copies", book.ID), ts.librarian,
		map[string]string{"inventory_code": code, "shelf_location": "A3"},
	)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	cp := decode[models.Copy](t, resp)
	return book.ID, cp.ID
}

func TestFullCirculationFlow(t *testing.T) {
	ts := setupTestSuite(t, nil)
	bookID, copyID := ts.addBookWithCopy(t, "9780914098911", "INV-001")

	resp := ts.request(t, http.MethodGet,
		fmt.Sprintf("/api/v1/catalog/books/%s/availability", bookID), uuid.Nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	avail := decode[map[string]int](t, resp)
	assert.Equal(t, 1, avail["available"])

	resp = ts.request(t, http.MethodPost, "/api/v1/circulation/borrow", ts.student, map[string]any{
		"user_id": ts.student, "copy_id": copyID, "notes": "for class",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	loan := decode[models.Loan](t, resp)
	assert.Equal(t, models.LoanBorrowed, loan.Status)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 14), loan.DueAt, time.Minute)

	resp = ts.request(t, http.MethodGet,
		fmt.Sprintf("/api/v1/catalog/books/%s/availability", bookID), uuid.Nil, nil)
	avail = decode[map[string]int](t, resp)
	assert.Zero(t, avail["available"])

	resp = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/circulation/loans/%s/return", loan.ID), ts.librarian, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	returned := decode[models.Loan](t, resp)
	assert.Equal(t, models.LoanReturned, returned.Status)
	assert.Zero(t, returned.LateFeeCents)

	// Second return of the same loan conflicts.
	resp = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/circulation/loans/%s/return", loan.ID), ts.librarian, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.request(t, http.MethodGet, "/api/v1/audit/entries", ts.librarian, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]models.AuditEntry](t, resp)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, "book.add")
	assert.Contains(t, actions, "copy.add")
	assert.Contains(t, actions, "loan.borrow")
	assert.Contains(t, actions, "loan.return")
}

func TestConcurrentBorrowOneWinner(t *testing.T) {
	ts := setupTestSuite(t, nil)
	_, copyID := ts.addBookWithCopy(t, "9780914098911", "INV-001")

	const borrowers = 10
	students := make([]uuid.UUID, borrowers)
	for i := range students {
		students[i] = ts.seedUser(t, models.RoleStudent)
	}

	statuses := make([]int, borrowers)
	var wg sync.WaitGroup
	for i := 0; i < borrowers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := ts.request(t, http.MethodPost, "/api/v1/circulation/borrow", students[i], map[string]any{
				"user_id": students[i], "copy_id": copyID,
			})
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	created, conflicted := 0, 0
	for _, code := range statuses {
		switch code {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
			conflicted++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, borrowers-1, conflicted)
}

func TestStudentCannotManageCatalog(t *testing.T) {
	ts := setupTestSuite(t, nil)

	resp := ts.request(t, http.MethodPost, "/api/v1/catalog/books", ts.student, map[string]string{
		"isbn": "9780914098911", "title": "Calculus", "author": "Spivak",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = ts.request(t, http.MethodGet, "/api/v1/audit/entries", ts.student, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestRosterSyncOverHTTP(t *testing.T) {
	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("cursor") {
		case "":
			json.NewEncoder(w).Encode(roster.Page{
				Records: []roster.Record{
					{ExternalID: "S-001", GivenName: "Ada", Surname: "Lovelace", Email: "ada@example.edu", FormYear: 12, Status: "current"},
				},
				NextCursor: "p1",
				HasMore:    true,
			})
		case "p1":
			json.NewEncoder(w).Encode(roster.Page{
				Records: []roster.Record{
					{ExternalID: "S-002", GivenName: "Alan", Surname: "Turing", Email: "alan@example.edu", FormYear: 13, Status: "left"},
				},
				NextCursor: "p2",
			})
		default:
			json.NewEncoder(w).Encode(roster.Page{NextCursor: r.URL.Query().Get("cursor")})
		}
	}))
	defer directory.Close()

	sources := map[string]roster.Source{
		"isams": roster.NewHTTPSource(directory.URL, "test-key", 100),
	}
	ts := setupTestSuite(t, sources)

	resp := ts.request(t, http.MethodPost, "/api/v1/roster/sync/isams", ts.librarian, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[roster.SyncResult](t, resp)
	assert.Equal(t, 2, result.RecordsChanged)
	assert.Equal(t, 2, result.Pages)

	err := ts.store.View(context.Background(), func(tx store.Tx) error {
		ada, err := tx.UserByExternalID("S-001")
		require.NoError(t, err)
		require.NotNil(t, ada)
		assert.True(t, ada.Active)
		assert.Equal(t, models.RoleStudent, ada.Role)

		alan, err := tx.UserByExternalID("S-002")
		require.NoError(t, err)
		require.NotNil(t, alan)
		assert.False(t, alan.Active)
		return nil
	})
	require.NoError(t, err)

	// Unknown sources 404; students may not trigger syncs.
	resp = ts.request(t, http.MethodPost, "/api/v1/roster/sync/powerschool", ts.librarian, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.request(t, http.MethodPost, "/api/v1/roster/sync/isams", ts.student, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}
