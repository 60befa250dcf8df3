package circulation

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/ry4nng/sfc-library-sys/internal/liberr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/borrow", h.handleBorrow)
	r.Post("/loans/{loanID}/return", h.handleReturn)
	r.Post("/copies/{copyID}/lost", h.handleMarkLost)
	r.Get("/users/{userID}/loans", h.handleLoansForUser)
	r.Get("/stats", h.handleStats)
	return r
}

func actorID(r *http.Request) uuid.UUID {
	id, err := uuid.Parse(r.Header.Get("X-Actor-ID"))
	if err != nil {
		return uuid.Nil
	}
	return id
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), liberr.HTTPStatus(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, liberr.Validation("invalid %s", name)
	}
	return id, nil
}

func (h *Handler) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID `json:"user_id"`
		CopyID uuid.UUID `json:"copy_id"`
		Notes  string    `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, liberr.Validation("invalid request body"))
		return
	}

	loan, err := h.service.Borrow(r.Context(), req.UserID, req.CopyID, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "loanID")
	if err != nil {
		writeError(w, err)
		return
	}
	loan, err := h.service.Return(r.Context(), actorID(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) handleMarkLost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "copyID")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.service.MarkLost(r.Context(), actorID(r), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleLoansForUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "userID")
	if err != nil {
		writeError(w, err)
		return
	}
	loans, err := h.service.LoansForUser(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
