package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaypad/relaypad/internal/presence"
	"github.com/relaypad/relaypad/internal/registry"
	"github.com/relaypad/relaypad/internal/relay"
	"github.com/relaypad/relaypad/internal/store"
)

const defaultInactiveThresholdSeconds = 600

var (
	errMissingRegistry = errors.New("document registry dependency required")
	errMissingStore    = errors.New("persistence store dependency required")
	errMissingTracker  = errors.New("presence tracker dependency required")
	errMissingHub      = errors.New("relay hub dependency required")
)

type Dependencies struct {
	Registry *registry.Registry
	Store    *store.Store
	Tracker  *presence.Tracker
	Hub      *relay.Hub
	Logger   *zap.Logger
	// UpdateLogLimit caps one page of the update replay feed. Zero falls
	// back to the store default.
	UpdateLogLimit int
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Tracker == nil {
		return nil, errMissingTracker
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		registry:       deps.Registry,
		store:          deps.Store,
		tracker:        deps.Tracker,
		hub:            deps.Hub,
		logger:         logger,
		updateLogLimit: deps.UpdateLogLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	collab := router.Group("/collab")
	collab.GET("/doc/:docId", handler.handleGetDocument)
	collab.POST("/doc/:docId", handler.handleUpdateDocument)
	collab.GET("/doc/:docId/text/:textName", handler.handleGetSharedText)
	collab.POST("/doc/:docId/text/:textName", handler.handleUpdateSharedText)
	collab.GET("/doc/:docId/export", handler.handleExportDocument)
	collab.POST("/doc/:docId/destroy", handler.handleDestroyDocument)
	collab.GET("/doc/:docId/metadata", handler.handleGetMetadata)
	collab.POST("/doc/:docId/metadata", handler.handleSaveMetadata)
	collab.GET("/doc/:docId/awareness", handler.handleGetAwareness)
	collab.GET("/doc/:docId/updates", handler.handleListUpdates)
	collab.GET("/persistence/stats", handler.handlePersistenceStats)
	collab.GET("/persistence/documents", handler.handleListDocuments)

	presenceGroup := router.Group("/presence")
	presenceGroup.GET("/rooms", handler.handleActiveRooms)
	presenceGroup.GET("/room/:room", handler.handleRoomPresence)
	presenceGroup.GET("/room/:room/stats", handler.handleRoomStats)
	presenceGroup.GET("/client/:clientId", handler.handleClientPresence)
	presenceGroup.GET("/stats", handler.handleGlobalStats)
	presenceGroup.POST("/check-inactive", handler.handleCheckInactive)
	presenceGroup.GET("/export", handler.handleExportPresence)

	router.GET("/ws", handler.handleWebsocket)

	return router, nil
}

type httpHandler struct {
	registry       *registry.Registry
	store          *store.Store
	tracker        *presence.Tracker
	hub            *relay.Hub
	logger         *zap.Logger
	updateLogLimit int
	upgrader       websocket.Upgrader
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	docID := c.Param("docId")
	data, err := h.registry.DocumentJSON(c.Request.Context(), docID)
	if err != nil {
		h.logger.Error("failed to read document", zap.Error(err), zap.String("doc_id", docID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "document_read_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "data": data})
}

type updateDocumentPayload struct {
	Key       *string `json:"key"`
	Value     any     `json:"value"`
	ArrayName string  `json:"arrayName"`
	Items     []any   `json:"items"`
}

// handleUpdateDocument accepts either a single key write or a whole-array
// replacement, mirroring the two shared shapes a map document carries.
func (h *httpHandler) handleUpdateDocument(c *gin.Context) {
	docID := c.Param("docId")

	var request updateDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	switch {
	case request.Key != nil && request.Value != nil:
		if _, err := h.hub.SetKey(c.Request.Context(), docID, *request.Key, request.Value); err != nil {
			h.writeMutationError(c, docID, "key_write_failed", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Document updated", "key": *request.Key, "value": request.Value})
	case request.ArrayName != "" && request.Items != nil:
		if _, err := h.hub.ReplaceArray(c.Request.Context(), docID, request.ArrayName, request.Items); err != nil {
			h.writeMutationError(c, docID, "array_write_failed", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Array updated", "arrayName": request.ArrayName, "items": request.Items})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "provide {key, value} or {arrayName, items}"})
	}
}

func (h *httpHandler) handleGetSharedText(c *gin.Context) {
	docID := c.Param("docId")
	textName := c.Param("textName")

	content, _, err := h.registry.TextValue(c.Request.Context(), docID, textName)
	if err != nil {
		h.logger.Error("failed to read shared text", zap.Error(err), zap.String("doc_id", docID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "text_read_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "textName": textName, "content": content})
}

type updateTextPayload struct {
	Content string `json:"content"`
	Replace bool   `json:"replace"`
}

func (h *httpHandler) handleUpdateSharedText(c *gin.Context) {
	docID := c.Param("docId")
	textName := c.Param("textName")

	var request updateTextPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if _, err := h.hub.SetText(c.Request.Context(), docID, textName, request.Content, request.Replace); err != nil {
		h.writeMutationError(c, docID, "text_write_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Text updated", "docId": docID, "textName": textName, "content": request.Content})
}

func (h *httpHandler) handleExportDocument(c *gin.Context) {
	docID := c.Param("docId")

	state, err := h.registry.FullState(c.Request.Context(), docID)
	if err != nil {
		h.logger.Error("failed to export document", zap.Error(err), zap.String("doc_id", docID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export_failed"})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "doc-"+docID+".state"))
	c.Data(http.StatusOK, "application/octet-stream", state)
}

func (h *httpHandler) handleDestroyDocument(c *gin.Context) {
	docID := c.Param("docId")

	if err := h.registry.Destroy(c.Request.Context(), docID); err != nil {
		h.logger.Error("failed to destroy document", zap.Error(err), zap.String("doc_id", docID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "destroy_failed"})
		return
	}
	h.hub.DropDocument(docID)
	c.JSON(http.StatusOK, gin.H{"message": "Document destroyed", "docId": docID})
}

type metadataPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Owner       string `json:"owner"`
}

func (h *httpHandler) handleGetMetadata(c *gin.Context) {
	docID := c.Param("docId")

	metadata, err := h.store.GetMetadata(c.Request.Context(), docID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "metadata_not_found", "docId": docID})
		return
	}
	if err != nil {
		h.logger.Error("failed to read metadata", zap.Error(err), zap.String("doc_id", docID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metadata_read_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "metadata": metadataPayload{
		Name:        metadata.Name,
		Description: metadata.Description,
		Owner:       metadata.Owner,
	}})
}

func (h *httpHandler) handleSaveMetadata(c *gin.Context) {
	docID := c.Param("docId")

	var request metadataPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.store.SaveMetadata(c.Request.Context(), docID, request.Name, request.Description, request.Owner); err != nil {
		h.logger.Error("failed to save metadata", zap.Error(err), zap.String("doc_id", docID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metadata_write_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Metadata saved", "docId": docID, "metadata": request})
}

func (h *httpHandler) handleGetAwareness(c *gin.Context) {
	docID := c.Param("docId")
	c.JSON(http.StatusOK, gin.H{"docId": docID, "awareness": h.hub.AwarenessStates(docID)})
}

type updateRecordPayload struct {
	UpdateID  int64           `json:"updateId"`
	Payload   json.RawMessage `json:"payload"`
	AppliedAt int64           `json:"appliedAt"`
}

// handleListUpdates serves one page of the append-only update log.
// Query: ?since=<updateId> resumes after a previous page's nextCursor.
func (h *httpHandler) handleListUpdates(c *gin.Context) {
	docID := c.Param("docId")

	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}

	records, err := h.store.ListUpdatesSince(c.Request.Context(), docID, since, h.updateLogLimit)
	if err != nil {
		h.logger.Error("failed to list updates", zap.Error(err), zap.String("doc_id", docID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_list_failed"})
		return
	}

	updates := make([]updateRecordPayload, 0, len(records))
	nextCursor := since
	for _, record := range records {
		updates = append(updates, updateRecordPayload{
			UpdateID:  record.UpdateID,
			Payload:   record.Payload,
			AppliedAt: record.AppliedAtSeconds,
		})
		nextCursor = record.UpdateID
	}

	c.JSON(http.StatusOK, gin.H{
		"docId":      docID,
		"updates":    updates,
		"count":      len(updates),
		"nextCursor": nextCursor,
	})
}

func (h *httpHandler) handlePersistenceStats(c *gin.Context) {
	stats, err := h.registry.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read persistence stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	ids, err := h.store.ListDocumentIDs(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list documents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": ids, "count": len(ids)})
}

type activeRoomPayload struct {
	Name        string              `json:"name"`
	ClientCount int                 `json:"clientCount"`
	Clients     []roomClientSummary `json:"clients"`
}

type roomClientSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"isActive"`
}

func (h *httpHandler) handleActiveRooms(c *gin.Context) {
	state := h.tracker.ExportState()

	rooms := make([]activeRoomPayload, 0, len(state.Rooms))
	for _, room := range state.Rooms {
		clients := make([]roomClientSummary, 0, len(room.Clients))
		for _, client := range room.Clients {
			clients = append(clients, roomClientSummary{
				ID:       client.ClientID,
				Name:     client.DisplayName,
				IsActive: client.IsActive,
			})
		}
		rooms = append(rooms, activeRoomPayload{
			Name:        room.Room,
			ClientCount: room.ClientCount,
			Clients:     clients,
		})
	}
	c.JSON(http.StatusOK, gin.H{"activeRooms": state.ActiveRooms, "rooms": rooms})
}

func (h *httpHandler) handleRoomPresence(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.RoomPresence(c.Param("room")))
}

func (h *httpHandler) handleRoomStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.RoomStats(c.Param("room")))
}

func (h *httpHandler) handleClientPresence(c *gin.Context) {
	clientID := c.Param("clientId")
	entry, err := h.tracker.Client(clientID)
	if errors.Is(err, presence.ErrClientNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "client_not_found", "clientId": clientID})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_read_failed"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *httpHandler) handleGlobalStats(c *gin.Context) {
	allClients := h.tracker.AllClients()
	totalClients := len(allClients)
	activeClients := 0
	for _, client := range allClients {
		if client.IsActive {
			activeClients++
		}
	}
	activeRooms := h.tracker.ActiveRoomCount()

	clientsPerRoom := "0"
	activityRate := "0%"
	if totalClients > 0 && activeRooms > 0 {
		clientsPerRoom = fmt.Sprintf("%.2f", float64(totalClients)/float64(activeRooms))
		activityRate = fmt.Sprintf("%.2f%%", float64(activeClients)/float64(totalClients)*100)
	}

	c.JSON(http.StatusOK, gin.H{
		"totalClients":    totalClients,
		"activeClients":   activeClients,
		"inactiveClients": totalClients - activeClients,
		"activeRooms":     activeRooms,
		"summary": gin.H{
			"clientsPerRoom": clientsPerRoom,
			"activityRate":   activityRate,
		},
	})
}

type inactiveClientPayload struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Room         string    `json:"room"`
	LastActivity time.Time `json:"lastActivity"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// handleCheckInactive reports clients idle past the threshold and, when
// cleanup is requested, removes them the same way the periodic sweep does.
func (h *httpHandler) handleCheckInactive(c *gin.Context) {
	thresholdSeconds, err := strconv.Atoi(c.Query("threshold"))
	if err != nil || thresholdSeconds <= 0 {
		thresholdSeconds = defaultInactiveThresholdSeconds
	}
	threshold := time.Duration(thresholdSeconds) * time.Second
	cleanup := c.Query("cleanup") == "true"

	var inactive []presence.ClientPresence
	removed := 0
	if cleanup {
		inactive = h.tracker.Sweep(threshold)
		removed = len(inactive)
	} else {
		inactive = h.tracker.ListInactive(threshold)
	}

	clients := make([]inactiveClientPayload, 0, len(inactive))
	for _, client := range inactive {
		clients = append(clients, inactiveClientPayload{
			ID:           client.ClientID,
			Name:         client.DisplayName,
			Room:         client.Room,
			LastActivity: client.LastActivity,
			JoinedAt:     client.JoinedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"threshold":            thresholdSeconds,
		"inactiveClientsFound": len(inactive),
		"clientsRemoved":       removed,
		"clients":              clients,
	})
}

func (h *httpHandler) handleExportPresence(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.ExportState())
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.hub.ServeConn(conn)
}

func (h *httpHandler) writeMutationError(c *gin.Context, docID, code string, err error) {
	if errors.Is(err, registry.ErrDestroyed) {
		c.JSON(http.StatusConflict, gin.H{"error": "document_destroyed", "docId": docID})
		return
	}
	h.logger.Error("document mutation failed",
		zap.String("reason", code),
		zap.Error(err),
		zap.String("doc_id", docID))
	c.JSON(http.StatusInternalServerError, gin.H{"error": code})
}
