package catalog

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
	r.Post("/books", h.handleAddBook)
	r.Get("/books", h.handleListBooks)
	r.Get("/books/{bookID}", h.handleGetBook)
	r.Delete("/books/{bookID}", h.handleDeleteBook)
	r.Post("/books/{bookID}/retire", h.handleRetireBook)
	r.Post("/books/{bookID}/copies", h.handleAddCopy)
	r.Get("/books/{bookID}/availability", h.handleAvailability)
	r.Get("/copies/{inventoryCode}", h.handleCopyByCode)
	r.Get("/search", h.handleSearch)
	return r
}

// actorID reads the acting user from the X-Actor-ID header. Authentication
// lives outside this core; the gateway is trusted to set the header.
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

func (h *Handler) handleAddBook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ISBN      string `json:"isbn"`
		Title     string `json:"title"`
		Author    string `json:"author"`
		CourseTag string `json:"course_tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, liberr.Validation("invalid request body"))
		return
	}

	book, err := h.service.AddBook(r.Context(), actorID(r), req.ISBN, req.Title, req.Author, req.CourseTag)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (h *Handler) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (h *Handler) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "bookID")
	if err != nil {
		writeError(w, err)
		return
	}
	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *Handler) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "bookID")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.service.DeleteBook(r.Context(), actorID(r), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRetireBook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "bookID")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.service.RetireBook(r.Context(), actorID(r), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleAddCopy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "bookID")
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		InventoryCode string `json:"inventory_code"`
		ShelfLocation string `json:"shelf_location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, liberr.Validation("invalid request body"))
		return
	}

	copyRec, err := h.service.AddCopy(r.Context(), actorID(r), id, req.InventoryCode, req.ShelfLocation)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, copyRec)
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "bookID")
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := h.service.AvailableCount(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"available": count})
}

func (h *Handler) handleCopyByCode(w http.ResponseWriter, r *http.Request) {
	copyRec, err := h.service.CopyByCode(r.Context(), chi.URLParam(r, "inventoryCode"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, copyRec)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}
