package server

import (
  "github.com/gin-gonic/gin"
  "github.com/gin-contrib/cors"
  "github.com/caldermay/pathforge-backend/internal/handlers"
)

type RouterConfig struct {
  JobsHandler       *handlers.JobsHandler
  PathsHandler      *handlers.PathsHandler
  SSEHandler        *handlers.SSEHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
  router := gin.Default()

  // Cors
  router.Use(cors.New(cors.Config{
    AllowOrigins: []string{
      "http://localhost:80",
      "http://localhost:3000",
      "http://localhost:5173",
    },
    AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
    AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
    AllowCredentials: true,
  }))

  router.GET("/healthcheck", handlers.HealthCheck)

  api := router.Group("/api")
  {
    // Jobs
    api.POST("/jobs/build", cfg.JobsHandler.CreateBuildJob)
    api.GET("/jobs", cfg.JobsHandler.ListJobs)
    api.GET("/jobs/:id", cfg.JobsHandler.GetJobByID)
    api.GET("/jobs/:id/progress", cfg.JobsHandler.GetJobProgress)
    api.GET("/jobs/:id/events", cfg.SSEHandler.JobEvents)
    api.GET("/jobs/path/:pathId", cfg.JobsHandler.ListJobsByPath)
    api.GET("/jobs/path/:pathId/active", cfg.JobsHandler.GetActiveJob)
    api.DELETE("/jobs/:id", cfg.JobsHandler.CancelJob)

    // Learning paths
    api.POST("/paths", cfg.PathsHandler.CreatePath)
    api.GET("/paths", cfg.PathsHandler.ListPaths)
    api.GET("/paths/:id", cfg.PathsHandler.GetPath)
    api.GET("/paths/:id/map", cfg.PathsHandler.GetPathMap)
    api.GET("/paths/:id/events", cfg.SSEHandler.PathEvents)

    // Classroom
    api.GET("/classroom/sub-concept/:id", cfg.PathsHandler.GetClassroomContent)
  }

  return router
}
