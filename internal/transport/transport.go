package transport

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub002/internal/common/logger"
)

// Transport owns the /webhook handler. It is a thin gin registration: the
// edge worker (C6) owns the actual *gin.Engine and server lifecycle.
type Transport struct {
	cfg     Config
	logger  *logger.Logger
	handler Handler
}

// New constructs a Transport. OnEvent must be called before RegisterRoutes
// to receive parsed events.
func New(cfg Config, log *logger.Logger) *Transport {
	if log == nil {
		log = logger.Default()
	}
	return &Transport{cfg: cfg, logger: log.With(zap.String("component", "transport"))}
}

// OnEvent registers the callback invoked for every verified, parsed webhook.
func (t *Transport) OnEvent(h Handler) {
	t.handler = h
}

// RegisterRoutes wires POST /webhook onto r and configures the engine's
// NoMethod handler to answer non-POST requests at that path with 405.
func (t *Transport) RegisterRoutes(r *gin.Engine) {
	r.POST("/webhook", t.handleWebhook)
	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	})
}

func (t *Transport) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read request body"})
		return
	}

	if err := t.verify(c.Request, body); err != nil {
		t.logger.Warn("webhook verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON body"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})

	if t.handler != nil {
		go t.handler(Event{Payload: payload})
	}
}

func (t *Transport) verify(r *http.Request, body []byte) error {
	switch t.cfg.Mode {
	case ModeProxy:
		return verifyProxy(r, t.cfg.BearerKey)
	default:
		return verifyDirect(r, body, t.cfg.Secret)
	}
}
