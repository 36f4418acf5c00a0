package middleware

import (
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS builds the CORS middleware, defaulting to frontendBaseURL and
// widened by CORS_ALLOWED_ORIGINS when set, matching the teacher's
// configureCORS.
func CORS(frontendBaseURL string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()

	if originsEnv := os.Getenv("CORS_ALLOWED_ORIGINS"); originsEnv != "" {
		origins := strings.Split(originsEnv, ",")
		for i, o := range origins {
			origins[i] = strings.TrimSpace(o)
		}
		cfg.AllowOrigins = origins
	} else {
		cfg.AllowOrigins = []string{frontendBaseURL}
	}

	cfg.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	cfg.AllowCredentials = os.Getenv("CORS_ALLOW_CREDENTIALS") == "true"

	return cors.New(cfg)
}
