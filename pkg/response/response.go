// Package response writes the JSON envelopes every endpoint returns.
package response

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"payment-reliability-engine/pkg/apperror"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// requestIDKey is where the RequestID middleware stores the id.
const requestIDKey = "request_id"

// SuccessResponse wraps a successful result.
type SuccessResponse struct {
	Data      any    `json:"data"`
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// ErrorResponse wraps a failure. RetryAfterSeconds mirrors the Retry-After
// header for clients that only read the body.
type ErrorResponse struct {
	ErrorCode         string `json:"error_code"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
	RequestID         string `json:"request_id"`
	Timestamp         string `json:"timestamp"`
}

func OK(c *gin.Context, data any) {
	JSON(c, http.StatusOK, data)
}

func Created(c *gin.Context, data any) {
	JSON(c, http.StatusCreated, data)
}

// Accepted is used when the work was recorded but finishes asynchronously.
func Accepted(c *gin.Context, data any) {
	JSON(c, http.StatusAccepted, data)
}

// JSON sends data in the success envelope with an explicit status.
func JSON(c *gin.Context, status int, data any) {
	c.JSON(status, SuccessResponse{
		Data:      data,
		RequestID: requestID(c),
		Timestamp: timestamp(),
	})
}

// Error maps err to its status and code. Anything that is not an
// *apperror.AppError is reported as an internal error without detail.
func Error(c *gin.Context, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		appErr = apperror.InternalError(err)
	}

	body := ErrorResponse{
		ErrorCode: appErr.Code,
		Message:   appErr.Message,
		RequestID: requestID(c),
		Timestamp: timestamp(),
	}
	if appErr.RetryAfter > 0 {
		body.RetryAfterSeconds = int64(math.Ceil(appErr.RetryAfter.Seconds()))
		c.Header("Retry-After", strconv.FormatInt(body.RetryAfterSeconds, 10))
	}
	c.JSON(appErr.HTTPStatus, body)
}

func requestID(c *gin.Context) string {
	if id := c.GetString(requestIDKey); id != "" {
		return id
	}
	return uuid.NewString()
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
