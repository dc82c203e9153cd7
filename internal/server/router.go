package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/LumeboardHQ/lumeboard/internal/auth"
	"github.com/LumeboardHQ/lumeboard/internal/presence"
	"github.com/LumeboardHQ/lumeboard/internal/store"
	"github.com/LumeboardHQ/lumeboard/internal/versions"
)

const identityContextKey = "lumeboard_identity"

// User-facing error messages, mapped from the failure taxonomy.
const (
	messagePermissionDenied = "you don't have rights to do this"
	messageVersionMissing   = "this version's data is missing"
	messageTransient        = "check your connection"
)

var (
	errMissingAuthorizer     = errors.New("token authorizer dependency required")
	errMissingVersionService = errors.New("version service dependency required")
	errMissingPresenceReader = errors.New("presence reader dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
	errMissingRoomIdentifier = errors.New("hosted room id required")
)

// TokenAuthorizer validates a bearer token against the requested room.
type TokenAuthorizer interface {
	Authorize(token string, roomID string) (auth.Identity, error)
}

// VersionService is the version engine surface the router exposes.
type VersionService interface {
	Save(ctx context.Context, label string) (store.VersionRecord, error)
	List(ctx context.Context) ([]store.VersionRecord, error)
	Restore(ctx context.Context, versionID string) error
	Delete(ctx context.Context, versionID string) error
}

// PresenceReader reads the current room roster.
type PresenceReader interface {
	Snapshot(ctx context.Context) (map[string]presence.Record, error)
}

// Dependencies wires the HTTP surface for one hosted room.
type Dependencies struct {
	RoomID     string
	Authorizer TokenAuthorizer
	Versions   VersionService
	Presence   PresenceReader
	Logger     *zap.Logger
}

// NewHTTPHandler builds the gin router for the hosted room's user-initiated
// operations. Continuous sync never passes through here; HTTP carries only
// the explicit actions a person takes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if strings.TrimSpace(deps.RoomID) == "" {
		return nil, errMissingRoomIdentifier
	}
	if deps.Authorizer == nil {
		return nil, errMissingAuthorizer
	}
	if deps.Versions == nil {
		return nil, errMissingVersionService
	}
	if deps.Presence == nil {
		return nil, errMissingPresenceReader
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		roomID:     deps.RoomID,
		authorizer: deps.Authorizer,
		versions:   deps.Versions,
		presence:   deps.Presence,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/api/rooms/:roomID")
	protected.Use(handler.authorizeRequest)
	protected.GET("/versions", handler.handleListVersions)
	protected.POST("/versions", handler.handleSaveVersion)
	protected.POST("/versions/:versionID/restore", handler.handleRestoreVersion)
	protected.DELETE("/versions/:versionID", handler.handleDeleteVersion)
	protected.GET("/presence", handler.handlePresenceSnapshot)

	return router, nil
}

type httpHandler struct {
	roomID     string
	authorizer TokenAuthorizer
	versions   VersionService
	presence   PresenceReader
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type versionPayload struct {
	VersionID       string `json:"version_id"`
	CreatedAtMillis int64  `json:"created_at_ms"`
	CreatedBy       string `json:"created_by"`
	Label           string `json:"label"`
	ByteSize        int64  `json:"byte_size"`
	Checksum        string `json:"checksum"`
	SchemaVersion   int    `json:"schema_version"`
}

func versionPayloadFromRecord(record store.VersionRecord) versionPayload {
	return versionPayload{
		VersionID:       record.VersionID,
		CreatedAtMillis: record.CreatedAtMillis,
		CreatedBy:       record.CreatedBy,
		Label:           record.Label,
		ByteSize:        record.ByteSize,
		Checksum:        record.Checksum,
		SchemaVersion:   record.SchemaVersion,
	}
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	records, err := h.versions.List(c.Request.Context())
	if err != nil {
		h.renderVersionError(c, "list versions failed", err)
		return
	}

	payloads := make([]versionPayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, versionPayloadFromRecord(record))
	}
	c.JSON(http.StatusOK, gin.H{"versions": payloads})
}

type saveVersionRequest struct {
	Label string `json:"label"`
}

func (h *httpHandler) handleSaveVersion(c *gin.Context) {
	var request saveVersionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.versions.Save(c.Request.Context(), strings.TrimSpace(request.Label))
	if err != nil {
		h.renderVersionError(c, "save version failed", err)
		return
	}
	c.JSON(http.StatusCreated, versionPayloadFromRecord(record))
}

func (h *httpHandler) handleRestoreVersion(c *gin.Context) {
	versionID := c.Param("versionID")
	if err := h.versions.Restore(c.Request.Context(), versionID); err != nil {
		h.renderVersionError(c, "restore version failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restored": versionID})
}

func (h *httpHandler) handleDeleteVersion(c *gin.Context) {
	versionID := c.Param("versionID")
	if err := h.versions.Delete(c.Request.Context(), versionID); err != nil {
		h.renderVersionError(c, "delete version failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": versionID})
}

type cursorPayload struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	LastSeenMs int64   `json:"last_seen_ms"`
}

type presencePayload struct {
	DisplayName string         `json:"name"`
	Color       string         `json:"color"`
	Online      bool           `json:"online"`
	LastSeenMs  int64          `json:"last_seen_ms"`
	Cursor      *cursorPayload `json:"cursor,omitempty"`
}

func (h *httpHandler) handlePresenceSnapshot(c *gin.Context) {
	roster, err := h.presence.Snapshot(c.Request.Context())
	if err != nil {
		h.logger.Warn("presence snapshot failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": messageTransient})
		return
	}

	payloads := make(map[string]presencePayload, len(roster))
	for userID, record := range roster {
		payload := presencePayload{
			DisplayName: record.DisplayName,
			Color:       record.Color,
			Online:      record.Online,
			LastSeenMs:  record.LastSeenMs,
		}
		if record.Cursor != nil {
			payload.Cursor = &cursorPayload{
				X:          record.Cursor.X,
				Y:          record.Cursor.Y,
				LastSeenMs: record.Cursor.LastSeenMs,
			}
		}
		payloads[userID] = payload
	}
	c.JSON(http.StatusOK, gin.H{"presence": payloads})
}

// renderVersionError maps engine failures to user-facing responses: missing
// data reads as 404, transient infrastructure trouble as 503.
func (h *httpHandler) renderVersionError(c *gin.Context, operation string, err error) {
	if errors.Is(err, store.ErrVersionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": messageVersionMissing})
		return
	}
	if errors.Is(err, versions.ErrSnapshotCorrupted) {
		h.logger.Error(operation, zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": messageVersionMissing})
		return
	}
	h.logger.Error(operation, zap.Error(err))
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": messageTransient})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	requestedRoom := c.Param("roomID")
	identity, err := h.authorizer.Authorize(token, requestedRoom)
	if errors.Is(err, auth.ErrRoomMismatch) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": messagePermissionDenied})
		return
	}
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	// This process hosts exactly one room; a valid token for another
	// room's deployment still has no rights here.
	if requestedRoom != h.roomID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": messagePermissionDenied})
		return
	}

	c.Set(identityContextKey, identity)
	c.Next()
}
