package api

import (
	"github.com/gin-gonic/gin"

	"github.com/visualai/lenslike/internal/api/handler"
	"github.com/visualai/lenslike/internal/api/middleware"
	"github.com/visualai/lenslike/internal/index"
)

// RouterDeps bundles the services the HTTP layer exposes.
type RouterDeps struct {
	Search    handler.VisualSearcher
	Reindexer handler.Reindexer
	Index     index.Index
	States    handler.StatusStore
	Jobs      handler.JobReader
}

// SetupRouter configures the Gin router with all routes.
func SetupRouter(deps RouterDeps, mode string, allowedOrigins []string) *gin.Engine {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: allowedOrigins}))

	healthHandler := handler.NewHealthHandler()
	searchHandler := handler.NewSearchHandler(deps.Search)
	indexHandler := handler.NewIndexHandler(deps.Reindexer, deps.Index, deps.States, deps.Jobs)

	r.GET("/health", healthHandler.Health)

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/search/visual", searchHandler.VisualSearch)
		apiGroup.POST("/index/rebuild", indexHandler.Rebuild)
		apiGroup.GET("/index/status", indexHandler.Status)
	}

	return r
}
