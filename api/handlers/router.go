package handlers

import (
	"github.com/gin-gonic/gin"
)

// NewRouter builds the HTTP router. saves may be nil when the journal is
// disabled.
func NewRouter(files *FileHandler, saves *SaveHandler, health *HealthHandler, socket *WebSocketHandler, allowedOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(CORSMiddleware(allowedOrigins))

	health.RegisterRoutes(r)
	socket.RegisterRoutes(r)
	files.RegisterRoutes(&r.RouterGroup)

	if saves != nil {
		api := r.Group("/api")
		saves.RegisterRoutes(api)
	}

	return r
}
