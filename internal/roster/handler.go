package roster

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ry4nng/sfc-library-sys/internal/liberr"
	"github.com/ry4nng/sfc-library-sys/internal/models"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/sync/{source}", h.handleSync)
	r.Get("/users", h.handleListUsers)
	r.Get("/users/{userID}", h.handleGetUser)
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

// requireActor gates sync behind the roster.sync capability. An absent
// actor header means an internal caller and passes.
func (h *Handler) requireActor(r *http.Request) error {
	id := actorID(r)
	if id == uuid.Nil {
		return nil
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		return err
	}
	if user == nil {
		return liberr.NotFound("actor %s not found", id)
	}
	if !models.CanPerform(user.Role, models.ActionRunSync) {
		return liberr.Policy("role %s may not run roster sync", user.Role)
	}
	return nil
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := h.requireActor(r); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.service.Sync(r.Context(), chi.URLParam(r, "source"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "userID")
	if err != nil {
		writeError(w, err)
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if user == nil {
		writeError(w, liberr.NotFound("user %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, user)
}
