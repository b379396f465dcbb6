package serve

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsAllowHeaders = "Authorization, Content-Type, X-Client-ID"
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
)

// corsMiddleware reflects the request origin back when it is on the allow
// list. An empty or "*" configuration allows every origin. Preflight
// requests are answered directly with 204.
func corsMiddleware(originsCSV string) gin.HandlerFunc {
	allowed := parseOrigins(originsCSV)
	return func(c *gin.Context) {
		if origin := strings.TrimSpace(c.GetHeader("Origin")); origin != "" && allowed.match(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

type originSet struct {
	any     bool
	origins map[string]struct{}
}

func (s originSet) match(origin string) bool {
	if s.any {
		return true
	}
	_, ok := s.origins[origin]
	return ok
}

func parseOrigins(raw string) originSet {
	set := originSet{origins: map[string]struct{}{}}
	for _, part := range strings.Split(raw, ",") {
		v := strings.TrimSpace(part)
		switch v {
		case "":
		case "*":
			set.any = true
		default:
			set.origins[v] = struct{}{}
		}
	}
	if !set.any && len(set.origins) == 0 {
		set.any = true
	}
	return set
}
