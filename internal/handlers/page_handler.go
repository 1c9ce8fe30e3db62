package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
)

// PageHandler serves stored page bodies out of the content store
type PageHandler struct {
	content interfaces.ContentStorage
	logger  arbor.ILogger
}

func NewPageHandler(content interfaces.ContentStorage, logger arbor.ILogger) *PageHandler {
	return &PageHandler{
		content: content,
		logger:  logger,
	}
}

// GetContentHandler handles GET /api/pages/{id}/content. The default
// response is the full stored record; ?format=markdown or ?format=html
// returns just that body with a matching content type.
func (h *PageHandler) GetContentHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/pages/")
	pageID, found := strings.CutSuffix(rest, "/content")
	if !found || pageID == "" || strings.Contains(pageID, "/") {
		WriteError(w, http.StatusNotFound, "expected /api/pages/{id}/content")
		return
	}

	content, err := h.content.GetContent(pageID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "no content stored for page "+pageID)
			return
		}
		h.logger.Error().Err(err).Str("page_id", pageID).Msg("Content lookup failed")
		WriteError(w, http.StatusInternalServerError, "content lookup failed")
		return
	}

	switch r.URL.Query().Get("format") {
	case "":
		WriteJSON(w, http.StatusOK, content)
	case "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Write([]byte(content.Markdown))
	case "html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(content.HTML))
	default:
		WriteError(w, http.StatusBadRequest, "format must be markdown or html")
	}
}
