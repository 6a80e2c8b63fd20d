package transport

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestEngine(t *testing.T, cfg Config) (*gin.Engine, *Transport, chan Event) {
	t.Helper()
	tr := New(cfg, nil)
	events := make(chan Event, 4)
	tr.OnEvent(func(ev Event) { events <- ev })

	r := gin.New()
	tr.RegisterRoutes(r)
	return r, tr, events
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookDirectModeValidSignature(t *testing.T) {
	r, _, events := newTestEngine(t, Config{Mode: ModeDirect, Secret: "topsecret"})
	body := []byte(`{"type":"AppUserNotification","issueId":"T-1"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, sign(body, "topsecret"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	select {
	case ev := <-events:
		assert.Equal(t, "T-1", ev.Payload["issueId"])
	case <-time.After(time.Second):
		t.Fatal("expected event to be emitted")
	}
}

func TestWebhookDirectModeWrongSignatureRejected(t *testing.T) {
	r, _, _ := newTestEngine(t, Config{Mode: ModeDirect, Secret: "topsecret"})
	body := []byte(`{"issueId":"T-1"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, sign(body, "wrong-secret"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookMissingSignatureRejected(t *testing.T) {
	r, _, _ := newTestEngine(t, Config{Mode: ModeDirect, Secret: "topsecret"})
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookMalformedBodyRejected(t *testing.T) {
	r, _, _ := newTestEngine(t, Config{Mode: ModeDirect, Secret: "topsecret"})
	body := []byte(`not json`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, sign(body, "topsecret"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookProxyModeBearerMatch(t *testing.T) {
	r, _, events := newTestEngine(t, Config{Mode: ModeProxy, BearerKey: "tok-123"})
	body := []byte(`{"issueId":"T-2"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestWebhookProxyModeBearerMismatch(t *testing.T) {
	r, _, _ := newTestEngine(t, Config{Mode: ModeProxy, BearerKey: "tok-123"})
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookNonPostRejected(t *testing.T) {
	r, _, _ := newTestEngine(t, Config{Mode: ModeDirect, Secret: "s"})
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestWebhookNeverBlocksOnHandler(t *testing.T) {
	tr := New(Config{Mode: ModeDirect, Secret: "s"}, nil)
	var wg sync.WaitGroup
	wg.Add(1)
	tr.OnEvent(func(Event) {
		defer wg.Done()
		time.Sleep(200 * time.Millisecond)
	})
	r := gin.New()
	tr.RegisterRoutes(r)

	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, sign(body, "s"))

	start := time.Now()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Less(t, elapsed, 100*time.Millisecond, "handler must not block the response")
	wg.Wait()
}
