package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/njoerd114/listingrelay/internal/model"
	"github.com/njoerd114/listingrelay/internal/source"
	"github.com/njoerd114/listingrelay/internal/sync"
)

const (
	defaultChangesLimit = 100
	maxChangesLimit     = 1000
)

type errorResponse struct {
	Error string `json:"error"`
}

// fail writes err with the status its kind maps to.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, source.ErrInputValidation):
		status = http.StatusBadRequest
	case errors.Is(err, source.ErrNotFound), errors.Is(err, sync.ErrUnknownSource):
		status = http.StatusNotFound
	case errors.Is(err, sync.ErrTickInProgress):
		status = http.StatusConflict
	case errors.Is(err, source.ErrUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, source.ErrUpstreamUnavailable):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.log.Error("admin request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error()})
}

// adapter resolves the :source parameter, writing 404 when it is unknown.
func (s *Server) adapter(c *gin.Context) (source.Adapter, bool) {
	src, err := model.ParseSource(c.Param("source"))
	if err == nil {
		if a, ok := s.registry.Get(src); ok {
			return a, true
		}
	}
	c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Error: "unknown source " + strconv.Quote(c.Param("source"))})
	return nil, false
}

func (s *Server) health(c *gin.Context) {
	states := make(map[model.Source]sync.State)
	status := "ok"
	for _, st := range s.engine.Status() {
		states[st.Source] = st.State
		if st.State == sync.StateDegraded {
			status = "degraded"
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "sources": states})
}

func (s *Server) listSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sources": s.engine.Status()})
}

func (s *Server) getSource(c *gin.Context) {
	a, ok := s.adapter(c)
	if !ok {
		return
	}
	st, ok := s.engine.SourceStatus(a.Source())
	if !ok {
		s.fail(c, sync.ErrUnknownSource)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) syncNow(c *gin.Context) {
	a, ok := s.adapter(c)
	if !ok {
		return
	}
	stats, err := s.engine.TickNow(c.Request.Context(), a.Source())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type cursorRequest struct {
	ChangeID *int64 `json:"change_id"`
}

func (s *Server) resetCursor(c *gin.Context) {
	a, ok := s.adapter(c)
	if !ok {
		return
	}
	var req cursorRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ChangeID == nil {
		s.fail(c, source.ErrInvalidCursor)
		return
	}
	if err := source.ValidateCursor(*req.ChangeID); err != nil {
		s.fail(c, err)
		return
	}
	cur, err := s.engine.ResetCursor(c.Request.Context(), a.Source(), *req.ChangeID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cur)
}

func (s *Server) sourceFilters(c *gin.Context) {
	a, ok := s.adapter(c)
	if !ok {
		return
	}
	tax, err := a.Filters(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tax)
}

func (s *Server) changeID(c *gin.Context) {
	a, ok := s.adapter(c)
	if !ok {
		return
	}
	date := c.Query("date")
	if err := source.ValidateDate(date); err != nil {
		s.fail(c, err)
		return
	}
	id, err := a.ChangeIDForDate(c.Request.Context(), date)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"change_id": id})
}

func (s *Server) changes(c *gin.Context) {
	a, ok := s.adapter(c)
	if !ok {
		return
	}
	since, err := strconv.ParseInt(c.Query("change_id"), 10, 64)
	if err != nil {
		s.fail(c, source.ErrInvalidCursor)
		return
	}
	limit := defaultChangesLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxChangesLimit {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	stream, err := a.Changes(ctx, since)
	if err != nil {
		s.fail(c, err)
		return
	}
	records, err := source.Collect(ctx, stream, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if records == nil {
		records = []model.ChangeRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"changes": records})
}

func (s *Server) offer(c *gin.Context) {
	a, ok := s.adapter(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var (
		raw json.RawMessage
		err error
	)
	switch innerID, listingURL := c.Query("inner_id"), c.Query("url"); {
	case innerID != "":
		raw, err = a.OfferByExternalID(ctx, innerID)
	case listingURL != "":
		r, ok := a.(source.URLResolver)
		if !ok {
			s.fail(c, source.ErrUnsupported)
			return
		}
		raw, err = r.OfferByURL(ctx, listingURL)
	default:
		s.fail(c, fmt.Errorf("%w: inner_id or url is required", source.ErrInputValidation))
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

func (s *Server) mergedFilters(c *gin.Context) {
	snap := s.filters.Current()
	if snap == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{Error: "no taxonomy published yet"})
		return
	}
	c.JSON(http.StatusOK, snap)
}
