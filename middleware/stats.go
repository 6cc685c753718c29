package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seo-optimizer/aivisibility/logging"
)

// ScanURLKey is the context key scan handlers set to the requested URL so
// the statistics middleware can attribute the request to a host.
const ScanURLKey = "scanURL"

// saveEvery is how many tracked scans pass between persists.
const saveEvery = 100

// StatsMiddleware tracks visitors on every request and latency/errors for
// POST requests to scanPath.
func StatsMiddleware(stats *logging.Statistics, scanPath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		stats.TrackVisitor(c.ClientIP())

		c.Next()

		if c.Request.Method != http.MethodPost || c.FullPath() != scanPath {
			return
		}
		stats.TrackScan(c.GetString(ScanURLKey), time.Since(start), c.Writer.Status() >= 400)
		if stats.Requests()%saveEvery == 0 {
			stats.SaveAsync()
		}
	}
}
