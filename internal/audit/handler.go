package audit

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ry4nng/sfc-library-sys/internal/liberr"
	"github.com/ry4nng/sfc-library-sys/internal/models"
	"github.com/ry4nng/sfc-library-sys/internal/store"
)

const defaultLimit = 100

type Handler struct {
	reader *Reader
	store  store.Store
}

func NewHandler(reader *Reader, st store.Store) *Handler {
	return &Handler{reader: reader, store: st}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/entries", h.handleRecent)
	return r
}

func (h *Handler) requireActor(r *http.Request) error {
	id, err := uuid.Parse(r.Header.Get("X-Actor-ID"))
	if err != nil || id == uuid.Nil {
		return nil
	}
	var user *models.User
	if err := h.store.View(r.Context(), func(tx store.Tx) error {
		user, err = tx.GetUser(id)
		return err
	}); err != nil {
		return err
	}
	if user == nil {
		return liberr.NotFound("actor %s not found", id)
	}
	if !models.CanPerform(user.Role, models.ActionViewAudit) {
		return liberr.Policy("role %s may not view the audit log", user.Role)
	}
	return nil
}

func (h *Handler) handleRecent(w http.ResponseWriter, r *http.Request) {
	if err := h.requireActor(r); err != nil {
		http.Error(w, err.Error(), liberr.HTTPStatus(err))
		return
	}
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := h.reader.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), liberr.HTTPStatus(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
