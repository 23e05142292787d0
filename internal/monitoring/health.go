package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const checkTimeout = 5 * time.Second

// HealthChecker probes the wallet's backing stores. The broker is deliberately
// not part of readiness: events are best-effort and must not take the API down.
type HealthChecker struct {
	mongoClient *mongo.Client
	redisClient *redis.Client
	startTime   time.Time
	version     string
}

func NewHealthChecker(mongoClient *mongo.Client, redisClient *redis.Client, version string) *HealthChecker {
	return &HealthChecker{
		mongoClient: mongoClient,
		redisClient: redisClient,
		startTime:   time.Now(),
		version:     version,
	}
}

// LivenessHandler reports that the process is up.
func (h *HealthChecker) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"service":   "piano-wallet-api",
			"version":   h.version,
			"uptime":    time.Since(h.startTime).String(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadinessHandler pings MongoDB and Redis and reports per-component status.
func (h *HealthChecker) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
		defer cancel()

		components := gin.H{}
		healthy := true

		if err := h.mongoClient.Ping(ctx, readpref.Primary()); err != nil {
			components["mongodb"] = gin.H{"status": "unhealthy", "error": err.Error()}
			healthy = false
		} else {
			components["mongodb"] = gin.H{"status": "healthy"}
		}

		if err := h.redisClient.Ping(ctx).Err(); err != nil {
			components["redis"] = gin.H{"status": "unhealthy", "error": err.Error()}
			healthy = false
		} else {
			components["redis"] = gin.H{"status": "healthy"}
		}

		status := http.StatusOK
		overall := "ready"
		if !healthy {
			status = http.StatusServiceUnavailable
			overall = "not ready"
		}

		c.JSON(status, gin.H{
			"status":     overall,
			"components": components,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		})
	}
}
