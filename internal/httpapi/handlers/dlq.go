package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/broccoli-judge/judge-core/internal/common"
	"github.com/broccoli-judge/judge-core/internal/dlq"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ListDlqEntries lists dead-letter rows, optionally filtered by
// message_type and resolved query params, paginated via page/per_page.
func (h *Handler) ListDlqEntries(c *gin.Context) {
	var messageType *dlq.MessageType
	if v := c.Query("message_type"); v != "" {
		mt, err := dlq.ParseMessageType(v)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, 10010, "invalid message_type")
			return
		}
		messageType = &mt
	}

	var resolved *bool
	if v := c.Query("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, 10011, "invalid resolved")
			return
		}
		resolved = &b
	}

	page, _ := strconv.ParseUint(c.DefaultQuery("page", "1"), 10, 64)
	perPage, _ := strconv.ParseUint(c.DefaultQuery("per_page", "20"), 10, 64)

	rows, total, err := h.Dlq.List(c.Request.Context(), h.DB, messageType, resolved, page, perPage)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20010, "failed to list dlq entries")
		return
	}

	common.OK(c, gin.H{"entries": rows, "total": total, "page": page, "per_page": perPage})
}

// GetDlqEntry fetches a single dead-letter row by id.
func (h *Handler) GetDlqEntry(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10012, "invalid id")
		return
	}

	row, err := h.Dlq.GetByID(c.Request.Context(), h.DB, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "dlq entry not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20011, "failed to fetch dlq entry")
		return
	}
	common.OK(c, row)
}

type resolveDlqReq struct {
	ResolvedBy *int64 `json:"resolved_by"`
}

// ResolveDlqEntry marks a single dead-letter row resolved.
func (h *Handler) ResolveDlqEntry(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10013, "invalid id")
		return
	}
	var req resolveDlqReq
	_ = c.ShouldBindJSON(&req)

	outcome, err := h.Dlq.Resolve(c.Request.Context(), h.DB, id, req.ResolvedBy)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20012, "failed to resolve dlq entry")
		return
	}

	switch outcome {
	case dlq.Resolved:
		common.OK(c, gin.H{"outcome": "resolved"})
	case dlq.AlreadyResolved:
		common.OK(c, gin.H{"outcome": "already_resolved"})
	case dlq.NotFound:
		common.Fail(c, http.StatusNotFound, 40402, "dlq entry not found")
	}
}

type resolveManyDlqReq struct {
	IDs        []int64 `json:"ids"`
	ResolvedBy *int64  `json:"resolved_by"`
}

// ResolveManyDlqEntries marks a batch of dead-letter rows resolved.
func (h *Handler) ResolveManyDlqEntries(c *gin.Context) {
	var req resolveManyDlqReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10014, "invalid json")
		return
	}
	count, err := h.Dlq.ResolveMany(c.Request.Context(), h.DB, req.IDs, req.ResolvedBy)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20013, "failed to resolve dlq entries")
		return
	}
	common.OK(c, gin.H{"resolved_count": count})
}

// DlqStats returns the aggregate counts over the current dead-letter
// contents, served from cache when fresh.
func (h *Handler) DlqStats(c *gin.Context) {
	stats, err := h.Dlq.Stats(c.Request.Context(), h.DB)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20014, "failed to compute dlq stats")
		return
	}
	common.OK(c, stats)
}
