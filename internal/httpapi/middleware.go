package httpapi

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"govcast/internal/errs"
	logx "govcast/pkg/logx"
)

const headerCorrelation = "X-Correlation-ID"

// correlation attaches the caller's correlation id (or a new one) to the
// request context and echoes it back.
func correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := errs.WithCorrelation(c.Request.Context(), c.GetHeader(headerCorrelation))
		c.Request = c.Request.WithContext(ctx)
		c.Header(headerCorrelation, errs.CorrelationID(ctx))
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
			logx.Corr(errs.CorrelationID(c.Request.Context())),
		}
		switch {
		case status >= http.StatusInternalServerError:
			s.log.Warn("http request", fields...)
		default:
			s.log.Debug("http request", fields...)
		}
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("http handler panic", logx.String("path", c.Request.URL.Path), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				writeError(c, errs.New(c.Request.Context(), errs.KindInternal, "internal error"))
				c.Abort()
			}
		}()
		c.Next()
	}
}

type errorBody struct {
	Error *errs.Error `json:"error"`
}

func statusFor(k errs.Kind) int {
	switch k {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindTargetingFailure:
		return http.StatusBadGateway
	case errs.KindCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the structured error body. Internal causes are
// not exposed to clients.
func writeError(c *gin.Context, err error) {
	e := errs.From(c.Request.Context(), err)
	if e.CorrelationID == "" {
		e.CorrelationID = errs.CorrelationID(c.Request.Context())
	}
	body := errs.Error{Kind: e.Kind, Message: e.Message, CorrelationID: e.CorrelationID}
	c.JSON(statusFor(e.Kind), errorBody{Error: &body})
}

func badRequest(c *gin.Context, format string, args ...any) {
	writeError(c, errs.New(c.Request.Context(), errs.KindValidation, "%s", fmt.Sprintf(format, args...)))
}
