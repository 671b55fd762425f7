package web

import (
	"net/http"
	"strconv"

	"github.com/contextlens/contextlens/internal/config"
	"github.com/contextlens/contextlens/internal/errors"
	"github.com/contextlens/contextlens/internal/store"
)

// Handlers contains HTTP route handlers for the dashboard pages.
type Handlers struct {
	store    *store.Store
	cfg      *config.Config
	renderer *Renderer
}

// HandleSessions handles GET /sessions: list captured conversations.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	h.renderer.renderPage(w, "sessions", SessionsPageData{
		PageData: PageData{
			Title:   "Sessions",
			Version: h.renderer.version,
			Nav:     "sessions",
		},
		Sessions: h.sessionRows(),
	})
}

func (h *Handlers) sessionRows() []SessionRow {
	stats := h.store.Stats()
	byID := map[string]int{}
	for i, s := range stats {
		byID[s.ConversationID] = i
	}

	var rows []SessionRow
	for _, conv := range h.store.Conversations() {
		row := SessionRow{Conversation: conv}
		if i, ok := byID[conv.ID]; ok {
			row.Entries = stats[i].Entries
			row.TotalTokens = stats[i].TotalTokens
			row.CostUSD = stats[i].CostUSD
		}
		if tags, err := h.store.GetTags(conv.ID); err == nil {
			row.Tags = tags
		}
		rows = append(rows, row)
	}
	return rows
}

// HandleSessionDetail handles GET /sessions/{id}.
func (h *Handlers) HandleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := h.store.Conversation(id)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	entries, err := h.store.ConversationEntries(id)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	tags, _ := h.store.GetTags(id)

	title := conv.Label
	if title == "" {
		title = conv.ID
	}
	h.renderer.renderPage(w, "session", SessionPageData{
		PageData: PageData{
			Title:   title,
			Version: h.renderer.version,
			Nav:     "sessions",
		},
		Conversation: conv,
		Entries:      entries,
		Tags:         tags,
	})
}

// HandleEntryDetail handles GET /entries/{id}: full pre-compaction
// context served from the detail file.
func (h *Handlers) HandleEntryDetail(w http.ResponseWriter, r *http.Request) {
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

	// missing detail file degrades to the compacted context
	detail, err := h.store.EntryDetail(id)
	if err != nil {
		detail = entry.ContextInfo
	}

	h.renderer.renderPage(w, "entry", EntryPageData{
		PageData: PageData{
			Title:   "Entry " + r.PathValue("id"),
			Version: h.renderer.version,
			Nav:     "sessions",
		},
		Entry:  entry,
		Detail: detail,
	})
}

// HandleStatsPage handles GET /stats: the composition report.
func (h *Handlers) HandleStatsPage(w http.ResponseWriter, r *http.Request) {
	h.renderer.renderPage(w, "stats", StatsPageData{
		PageData: PageData{
			Title:   "Stats",
			Version: h.renderer.version,
			Nav:     "stats",
		},
		ReportHTML: renderStatsMarkdown(h.store.Stats()),
	})
}
