package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gantrykit/gantry/pkg/metrics"
	"github.com/gantrykit/gantry/pkg/types"
)

// observe records request metrics and logs failures. Labels stay at
// method and status to keep cardinality flat; paths carry task ids.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(c.Request.Method).Observe(elapsed.Seconds())

		switch {
		case status >= http.StatusInternalServerError:
			s.logger.Error().Str("method", c.Request.Method).Str("path", c.Request.URL.Path).
				Int("status", status).Dur("elapsed", elapsed).Msg("request failed")
		case status >= http.StatusBadRequest:
			s.logger.Debug().Str("method", c.Request.Method).Str("path", c.Request.URL.Path).
				Int("status", status).Dur("elapsed", elapsed).Msg("request rejected")
		}
	}
}

// readOnly rejects mutating requests so an instance can be exposed to
// dashboards without accepting writes. Analyze stays allowed: it is
// advisory and changes nothing.
func readOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		if strings.HasSuffix(c.Request.URL.Path, "/analyze") {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Error: APIError{
			Code:    types.CodeReadOnly,
			Message: "api is running in read-only mode",
		}})
	}
}
