package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/AtRiskMedia/surveykiosk-go/cache"
	"github.com/AtRiskMedia/surveykiosk-go/config"
	"github.com/AtRiskMedia/surveykiosk-go/email"
	"github.com/AtRiskMedia/surveykiosk-go/logging"
	"github.com/AtRiskMedia/surveykiosk-go/models"
	"github.com/AtRiskMedia/surveykiosk-go/queue"
	"github.com/AtRiskMedia/surveykiosk-go/scheduler"
	"github.com/AtRiskMedia/surveykiosk-go/store"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
)

// Handlers holds the daemon's HTTP surface and its dependencies. Alerts may
// be nil when operator alerting is not configured.
type Handlers struct {
	Store   *store.Store
	Queue   *queue.SubmissionQueue
	Batcher *queue.AnalyticsBatcher
	Engine  *queue.Engine
	Cache   *cache.Manager
	Sched   *scheduler.Scheduler
	Hub     *ControlHub
	Alerts  *email.Client
	Logger  *logging.ChanneledLogger
}

// submissionRequest is the body accepted by PostSubmission. The payload is
// stored verbatim; the daemon never interprets survey answers.
type submissionRequest struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// PostSubmission accepts a survey submission into the durable queue. The
// submission is safe once this returns 202: it survives restarts and will be
// delivered when connectivity allows.
func (h *Handlers) PostSubmission(c *gin.Context) {
	var req submissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Payload) == 0 || bytes.Equal(req.Payload, []byte("null")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload is required"})
		return
	}

	record, err := h.Queue.Enqueue(req.ID, req.Payload)
	if err != nil {
		if models.KindOf(err) == models.ErrStorageExhaustion {
			h.alertStorageExhaustion()
			c.JSON(http.StatusInsufficientStorage, gin.H{"error": "durable store is full"})
			return
		}
		h.Logger.Queue().Error("Failed to enqueue submission", "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist submission"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": record.ID, "queuedAt": record.CreatedAt})
}

// PostEvent records one telemetry event into the analytics batch.
func (h *Handlers) PostEvent(c *gin.Context) {
	var event models.AnalyticsEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.Batcher.Append(event); err != nil {
		switch models.KindOf(err) {
		case models.ErrValidation:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case models.ErrStorageExhaustion:
			h.alertStorageExhaustion()
			c.JSON(http.StatusInsufficientStorage, gin.H{"error": "durable store is full"})
		default:
			h.Logger.Analytics().Error("Failed to record event", "error", err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record event"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}

// PostSync triggers an immediate delivery attempt. Blocks behind any
// in-flight attempt rather than running concurrently with it.
func (h *Handlers) PostSync(c *gin.Context) {
	result, err := h.Engine.SyncSubmissions(c.Request.Context())
	if err != nil {
		if models.KindOf(err) == models.ErrConnectivity {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "offline", "offline": true})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  err.Error(),
			"kind":   string(models.KindOf(err)),
			"result": result,
		})
		return
	}

	if err := h.Engine.SyncAnalytics(c.Request.Context()); err != nil {
		h.Logger.Analytics().Warn("Manual analytics sync did not complete", "error", err.Error())
	}

	c.JSON(http.StatusOK, result)
}

// GetStatus reports the daemon's observable state in one payload.
func (h *Handlers) GetStatus(c *gin.Context) {
	queueDepth, _ := h.Queue.Len()
	quarantineDepth, _ := h.Queue.QuarantineLen()
	analyticsDepth, _ := h.Batcher.Len()
	usedBytes, _ := h.Store.UsedBytes()
	cursor := h.Engine.Cursor()

	var appState models.AppState
	h.Store.Get(models.KeyAppState, &appState)

	c.JSON(http.StatusOK, gin.H{
		"kioskId": config.KioskID,
		"appState": appState,
		"cache": gin.H{
			"state":   h.Cache.State().String(),
			"version": h.Cache.Version(),
		},
		"queue": gin.H{
			"depth":           queueDepth,
			"quarantineDepth": quarantineDepth,
			"analyticsDepth":  analyticsDepth,
		},
		"sync": gin.H{
			"online":              h.Engine.Online(),
			"paused":              h.Sched.Paused(),
			"lastSyncAt":          cursor.LastSyncAt,
			"lastAnalyticsSyncAt": cursor.LastAnalyticsSyncAt,
		},
		"store": gin.H{
			"usedBytes": usedBytes,
			"maxBytes":  config.StoreMaxBytes,
		},
		"controlClients": h.Hub.ClientCount(),
	})
}

// loginRequest is the body accepted by Login.
type loginRequest struct {
	Password string `json:"password"`
}

// Login verifies the operator password and mints a session token for the
// protected routes.
func (h *Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password is required"})
		return
	}

	if config.AdminPasswordHash == "" || config.JWTSecret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "operator access is not configured"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(config.AdminPasswordHash), []byte(req.Password)); err != nil {
		h.Logger.Auth().Warn("Operator login rejected", "clientIp", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	claims := jwt.RegisteredClaims{
		Subject:   "operator",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(config.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	h.Logger.Auth().Info("Operator logged in", "clientIp", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// ServeAsset answers resource requests through the cache manager's per-route
// policy. Registered as the catch-all behind the daemon's own endpoints.
func (h *Handlers) ServeAsset(c *gin.Context) {
	h.Cache.Serve(c.Writer, c.Request)
}

// alertStorageExhaustion notifies the operator in the background. The email
// client enforces its own rate limit, so calling on every exhausted write is
// safe.
func (h *Handlers) alertStorageExhaustion() {
	if h.Alerts == nil {
		return
	}
	usedBytes, _ := h.Store.UsedBytes()
	queueDepth, _ := h.Queue.Len()
	go func() {
		if err := h.Alerts.SendStorageAlert(config.KioskID, usedBytes, config.StoreMaxBytes, queueDepth); err != nil {
			h.Logger.Alert().Error("Failed to send storage alert", "error", err.Error())
		}
	}()
}

// RegisterControlHandlers wires the control message dispatch table to the
// daemon's components. Called once at startup.
func (h *Handlers) RegisterControlHandlers() {
	h.Hub.Register(models.MsgSkipWaiting, func(json.RawMessage) *models.ControlMessage {
		if err := h.Cache.SkipWaiting(); err != nil {
			h.Logger.Cache().Error("Skip-waiting failed", "error", err.Error())
		}
		return nil
	})

	h.Hub.Register(models.MsgClearCache, func(json.RawMessage) *models.ControlMessage {
		if err := h.Cache.PurgeAll(); err != nil {
			h.Logger.Cache().Error("Cache purge failed", "error", err.Error())
			return nil
		}
		state := models.AppState{SurveyVersion: h.Cache.Version(), LastResetAt: time.Now().UTC()}
		if err := h.Store.Set(models.KeyAppState, state); err != nil {
			h.Logger.Store().Warn("Failed to record cache reset", "error", err.Error())
		}
		return &models.ControlMessage{Type: models.MsgCacheCleared}
	})

	h.Hub.Register(models.MsgRecacheVideo, func(json.RawMessage) *models.ControlMessage {
		results := h.Cache.RecacheMedia(context.Background())
		payload, err := json.Marshal(results)
		if err != nil {
			return nil
		}
		return &models.ControlMessage{Type: models.MsgVideoRecached, Payload: payload}
	})

	h.Hub.Register(models.MsgClearQuarantine, func(json.RawMessage) *models.ControlMessage {
		if err := h.Queue.ClearQuarantine(); err != nil {
			h.Logger.Queue().Error("Quarantine clear failed", "error", err.Error())
			return nil
		}
		return &models.ControlMessage{Type: models.MsgQuarantineCleared}
	})

	h.Hub.Register(models.MsgVisibility, func(payload json.RawMessage) *models.ControlMessage {
		var p models.VisibilityPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			h.Logger.Control().Warn("Malformed visibility payload", "error", err.Error())
			return nil
		}
		h.Sched.SetVisible(p.Visible)
		return nil
	})

	h.Hub.Register(models.MsgConnectivity, func(payload json.RawMessage) *models.ControlMessage {
		var p models.ConnectivityPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			h.Logger.Control().Warn("Malformed connectivity payload", "error", err.Error())
			return nil
		}
		wasOnline := h.Engine.Online()
		h.Engine.SetOnline(p.Online)

		// Coming back online drains the queue without waiting for the next
		// scheduled tick.
		if p.Online && !wasOnline {
			go func() {
				if _, err := h.Engine.TrySyncSubmissions(context.Background()); err != nil && !errors.Is(err, queue.ErrSyncInFlight) {
					h.Logger.Sync().Debug("Reconnect sync did not complete", "error", err.Error())
				}
			}()
		}
		return nil
	})

	h.Hub.Register(models.MsgBackgroundSync, func(json.RawMessage) *models.ControlMessage {
		go func() {
			if _, err := h.Engine.TrySyncSubmissions(context.Background()); err != nil && !errors.Is(err, queue.ErrSyncInFlight) {
				h.Logger.Sync().Debug("Requested sync did not complete", "error", err.Error())
			}
		}()
		return nil
	})
}
