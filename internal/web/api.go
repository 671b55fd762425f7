package web

import (
	"crypto/rand"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/contextlens/contextlens/internal/capture"
	"github.com/contextlens/contextlens/internal/errors"
	"github.com/contextlens/contextlens/internal/ingest"
)

// maxIngestBody bounds one ingest request. Capture files carry full
// request bodies, which can be large for long contexts.
const maxIngestBody = 128 * 1024 * 1024

// IngestResponse acknowledges one accepted capture.
type IngestResponse struct {
	CaptureID      string `json:"captureId"`
	EntryID        int64  `json:"entryId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// HandleIngest handles POST /api/ingest: one wire-format capture from
// an interception add-on.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var rc capture.RawCapture
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err := dec.Decode(&rc); err != nil {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("invalid capture JSON: "+err.Error()))
		return
	}

	in, err := ingest.Convert(&rc)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	entry := h.store.StoreRequest(in)

	captureID, err := generateULID()
	if err != nil {
		h.renderer.renderError(w, r, errors.NewInternal(err))
		return
	}

	renderJSON(w, http.StatusCreated, IngestResponse{
		CaptureID:      captureID,
		EntryID:        entry.ID,
		ConversationID: entry.ConversationID,
	})
}

func generateULID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// HandleAPISessions handles GET /api/sessions.
func (h *Handlers) HandleAPISessions(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, map[string]any{
		"sessions": h.sessionRows(),
	})
}

// HandleAPISession handles GET /api/sessions/{id}.
func (h *Handlers) HandleAPISession(w http.ResponseWriter, r *http.Request) {
	conv, err := h.store.Conversation(r.PathValue("id"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, conv)
}

// HandleAPISessionEntries handles GET /api/sessions/{id}/entries.
func (h *Handlers) HandleAPISessionEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ConversationEntries(r.PathValue("id"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// HandleAPIDeleteSession handles DELETE /api/sessions/{id}.
func (h *Handlers) HandleAPIDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.DeleteConversation(id); err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// HandleAPIGetTags handles GET /api/sessions/{id}/tags.
func (h *Handlers) HandleAPIGetTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.store.GetTags(r.PathValue("id"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

// HandleAPISetTags handles PUT /api/sessions/{id}/tags.
func (h *Handlers) HandleAPISetTags(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("invalid tags JSON"))
		return
	}
	if err := h.store.SetTags(r.PathValue("id"), body.Tags); err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{"tags": body.Tags})
}

// HandleAPIAllTags handles GET /api/tags.
func (h *Handlers) HandleAPIAllTags(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.GetAllTags()
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{"tags": all})
}

// HandleAPIEntry handles GET /api/entries/{id}.
func (h *Handlers) HandleAPIEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("entry id must be an integer"))
		return
	}
	entry, err := h.store.Entry(id)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, entry)
}

// HandleAPIEntryDetail handles GET /api/entries/{id}/detail: the full
// pre-compaction context from the detail file.
func (h *Handlers) HandleAPIEntryDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("entry id must be an integer"))
		return
	}
	detail, err := h.store.EntryDetail(id)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{"contextInfo": detail})
}

// HandleAPIStats handles GET /api/stats.
func (h *Handlers) HandleAPIStats(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, map[string]any{"stats": h.store.Stats()})
}
