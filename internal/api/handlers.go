package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/cojson/internal/crdt"
	"github.com/rawblock/cojson/internal/group"
	"github.com/rawblock/cojson/pkg/covalue"
)

// handleGetCoValue renders id's current materialized view as JSON, for
// debugging — not a stable API, just a window onto what the node folded.
func (h *Handler) handleGetCoValue(c *gin.Context) {
	id, err := covalue.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid covalue id"})
		return
	}

	handle, err := h.node.Load(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	view := handle.View()
	if view == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "covalue not yet materialized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id.String(), "view": viewJSON(view)})
}

// viewJSON renders any concrete crdt.Kind as a plain JSON-able value,
// since Kind itself carries no generic serialization (§4.6's kinds are a
// closed set known here, not to corestate).
func viewJSON(k crdt.Kind) any {
	switch v := k.(type) {
	case *crdt.Map:
		return v.Snapshot()
	case *crdt.List:
		return v.Snapshot()
	case *crdt.Stream:
		return v.All()
	case *crdt.PlainText:
		return v.Text()
	case *group.Group:
		return v.Snapshot()
	default:
		return nil
	}
}

// handleGetKnown reports id's per-session known-state, the same shape a
// KNOWN wire message carries (§4.8 step 1).
func (h *Handler) handleGetKnown(c *gin.Context) {
	id, err := covalue.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid covalue id"})
		return
	}

	handle, err := h.node.Load(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	_ = handle // materialization is a side effect of Load; known-state below reads it fresh
	known, header, ok := h.node.KnownState(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "covalue not open locally"})
		return
	}
	sessions := make(map[string]int, len(known))
	for sessID, idx := range known {
		sessions[sessID.String()] = idx
	}
	c.JSON(http.StatusOK, gin.H{"id": id.String(), "type": header.Type, "sessions": sessions})
}

// createRequest is the POST /covalues body: a header plus an optional
// first batch of plaintext changes appended under the node's own account.
type createRequest struct {
	Header  covalue.Header    `json:"header"`
	Changes []json.RawMessage `json:"changes"`
}

// handleCreateCoValue derives and opens a new CoValue, optionally
// appending an initial transaction of changes under this node's account
// (§4.7 Create, §4.4.1 Append).
func (h *Handler) handleCreateCoValue(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.Header.CreatedAt.IsZero() {
		req.Header.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	handle, err := h.node.Create(ctx, req.Header)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if len(req.Changes) > 0 {
		if _, err := handle.Append(covalue.PrivacyTrusting, req.Changes, covalue.KeyID{}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create succeeded but initial append failed: " + err.Error()})
			return
		}
	}

	c.JSON(http.StatusCreated, gin.H{"id": handle.ID().String()})
}

// handlePeerUpgrade upgrades the HTTP connection to a websocket and hands
// it to the sync engine as a new peer (§4.8 step 1 "peer connects").
func (h *Handler) handlePeerUpgrade(c *gin.Context) {
	peerID := c.Query("peerId")
	if peerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing peerId query parameter"})
		return
	}

	peer, err := h.hub.Accept(c.Writer, c.Request, peerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "websocket upgrade failed: " + err.Error()})
		return
	}
	h.node.AddPeer(peerID, peer)
}
