package webhook

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"switchboard/internal/logger"
)

func newTestRouter(t *testing.T, maxBody int64) (*gin.Engine, *gateFixture) {
	gin.SetMode(gin.TestMode)
	f := newGateFixture(t)
	r := gin.New()
	NewHandler(f.gate, maxBody, logger.NopLogger()).RegisterRoutes(r)
	return r, f
}

func TestHandler_Challenge(t *testing.T) {
	r, _ := newTestRouter(t, 0)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp/wa-1?hub.mode=subscribe&hub.verify_token="+testToken+"&hub.challenge=CHALLENGE_ACCEPTED", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CHALLENGE_ACCEPTED", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp/wa-1?hub.mode=subscribe&hub.verify_token=bad&hub.challenge=x", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_Receive(t *testing.T) {
	r, f := newTestRouter(t, 0)

	send := func(path string, body []byte, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		if sig != "" {
			req.Header.Set(HeaderSignature256, sig)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := send("/webhook/whatsapp/wa-1", waMessageBody, Sign(testSecret, waMessageBody))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"admitted"`)

	w = send("/webhook/whatsapp/wa-1", waMessageBody, Sign(testSecret, waMessageBody))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"duplicate"`)
	assert.Len(t, f.producer.Published(testTopic), 1)

	assert.Equal(t, http.StatusUnauthorized, send("/webhook/whatsapp/wa-1", waMessageBody, "").Code)
	assert.Equal(t, http.StatusNotFound, send("/webhook/whatsapp/ghost", waMessageBody, Sign(testSecret, waMessageBody)).Code)

	bad := []byte(`[1,2`)
	assert.Equal(t, http.StatusBadRequest, send("/webhook/whatsapp/wa-1", bad, Sign(testSecret, bad)).Code)
}

func TestHandler_BodyTooLarge(t *testing.T) {
	r, _ := newTestRouter(t, 16)

	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp/wa-1", bytes.NewReader(waMessageBody))
	req.Header.Set(HeaderSignature256, Sign(testSecret, waMessageBody))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
