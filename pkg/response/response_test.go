package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"payment-reliability-engine/pkg/apperror"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newContext(requestID string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	if requestID != "" {
		c.Set(requestIDKey, requestID)
	}
	return c, w
}

// ==================== Success Tests ====================

func TestSuccessEnvelopes(t *testing.T) {
	tests := []struct {
		name   string
		write  func(*gin.Context)
		status int
	}{
		{"ok", func(c *gin.Context) { OK(c, gin.H{"status": "captured"}) }, http.StatusOK},
		{"created", func(c *gin.Context) { Created(c, gin.H{"status": "captured"}) }, http.StatusCreated},
		{"accepted", func(c *gin.Context) { Accepted(c, gin.H{"status": "captured"}) }, http.StatusAccepted},
		{"custom", func(c *gin.Context) { JSON(c, http.StatusPaymentRequired, gin.H{"status": "captured"}) }, http.StatusPaymentRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, w := newContext("req-1")
			tt.write(c)

			assert.Equal(t, tt.status, w.Code)
			var resp SuccessResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "req-1", resp.RequestID)
			_, err := time.Parse(time.RFC3339, resp.Timestamp)
			assert.NoError(t, err)
			assert.Equal(t, map[string]any{"status": "captured"}, resp.Data)
		})
	}
}

func TestRequestIDGeneratedWhenMissing(t *testing.T) {
	c, w := newContext("")
	OK(c, nil)

	var resp SuccessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.RequestID, 36)
}

// ==================== Error Tests ====================

func TestError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{"app error", apperror.ErrIdempotencyConflict(), http.StatusUnprocessableEntity, "IDEM_001", ""},
		{"wrapped app error", fmt.Errorf("ingest: %w", apperror.ErrInvalidSignature()), http.StatusUnauthorized, "SEC_002", ""},
		{"circuit open rounds up", apperror.ErrCircuitOpen("processor", 1500*time.Millisecond), http.StatusServiceUnavailable, "", "2"},
		{"unknown error hides detail", errors.New("pq: connection reset"), http.StatusInternalServerError, "SYS_001", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, w := newContext("req-2")
			Error(c, tt.err)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.retryAfter, w.Header().Get("Retry-After"))

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			if tt.code != "" {
				assert.Equal(t, tt.code, resp.ErrorCode)
			}
			assert.Equal(t, "req-2", resp.RequestID)
			assert.NotContains(t, resp.Message, "pq:")
			if tt.retryAfter != "" {
				assert.Equal(t, int64(2), resp.RetryAfterSeconds)
			}
		})
	}
}
