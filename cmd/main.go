package main

import (
  "context"
  "fmt"
  "net/http"
  "os"
  "os/signal"
  "syscall"
  "time"
  "github.com/caldermay/pathforge-backend/internal/logger"
  "github.com/caldermay/pathforge-backend/internal/utils"
  "github.com/caldermay/pathforge-backend/internal/db"
  "github.com/caldermay/pathforge-backend/internal/repos"
  "github.com/caldermay/pathforge-backend/internal/queue"
  "github.com/caldermay/pathforge-backend/internal/services"
  "github.com/caldermay/pathforge-backend/internal/clients/openai"
  "github.com/caldermay/pathforge-backend/internal/handlers"
  "github.com/caldermay/pathforge-backend/internal/server"
  "github.com/caldermay/pathforge-backend/internal/sse"
  "github.com/caldermay/pathforge-backend/internal/workers"
)

func main() {
  // Logger
  logMode := os.Getenv("LOG_MODE")
  if logMode == "" {
    logMode = "development"
  }
  log, err := logger.New(logMode)
  if err != nil {
    fmt.Printf("Failed to init logger: %v\n", err)
    os.Exit(1)
  }
  defer log.Sync()

  // Env
  log.Info("Loading environment variables from main...")
  serverPort := utils.GetEnv("SERVER_PORT", "8080", log)
  queueConcurrency := utils.GetEnvAsInt("QUEUE_CONCURRENCY", 4, log)

  // Postgres
  postgresService, err := db.NewPostgresService(log)
  if err != nil {
    log.Error("Postgres init failed", "error", err)
    os.Exit(1)
  }
  if err = postgresService.AutoMigrateAll(); err != nil {
    log.Error("Postgres auto migration failed", "error", err)
    os.Exit(1)
  }
  thePG := postgresService.DB()

  // Repos
  log.Info("Setting up Repos from main...")
  pathRepo := repos.NewLearningPathRepo(thePG, log)
  conceptRepo := repos.NewConceptRepo(thePG, log)
  subConceptRepo := repos.NewSubConceptRepo(thePG, log)
  kuRepo := repos.NewKnowledgeUnitRepo(thePG, log)
  buildJobRepo := repos.NewBuildJobRepo(thePG, log)
  jobStepRepo := repos.NewJobStepRepo(thePG, log)
  queueJobRepo := repos.NewQueueJobRepo(thePG, log)
  classroomContentRepo := repos.NewClassroomContentRepo(thePG, log)
  quizQuestionRepo := repos.NewQuizQuestionRepo(thePG, log)

  // SSE
  log.Info("Setting up SSE hub now...")
  sseHub := sse.NewSSEHub(log)

  // Redis bus is optional; without it events stay in-process.
  var sseBus services.SSEBus
  if os.Getenv("REDIS_ADDR") != "" {
    sseBus, err = services.NewRedisSSEBus(log)
    if err != nil {
      log.Warn("Could not init RedisSSEBus, falling back to in-process hub", "error", err)
      sseBus = nil
    }
  }

  // Queue
  jobQueue := queue.NewDBQueue(queueJobRepo, log, queueConcurrency)

  // Services
  log.Info("Setting up Services from main...")
  openaiClient, err := openai.NewClient(log)
  if err != nil {
    log.Error("Could not init OpenAIClient", "error", err)
    os.Exit(1)
  }
  progressSink := services.NewSSEProgressSink(log, sseHub, sseBus)
  jobService := services.NewJobService(thePG, log, buildJobRepo, jobStepRepo, pathRepo, jobQueue, progressSink)
  generator := services.NewLearningMapService(log, openaiClient, pathRepo, conceptRepo, subConceptRepo, kuRepo)
  classroomService := services.NewClassroomService(log, classroomContentRepo, quizQuestionRepo)
  classroomGenerator := services.NewClassroomGenerator(log, openaiClient)
  jobService.SetCompletionListener(services.NewClassroomEnqueueListener(log, jobQueue))

  // Workers
  log.Info("Registering workers from main...")
  workers.Register(jobQueue,
    workers.NewBuildPathWorker(log, jobService, generator, jobQueue),
    workers.NewDecomposeConceptWorker(log, jobService, generator, jobQueue),
    workers.NewGenerateKUWorker(log, jobService, generator),
    workers.NewClassroomGenerationWorker(log, classroomService, classroomGenerator, pathRepo, conceptRepo, subConceptRepo, kuRepo, progressSink),
  )

  ctx, cancel := context.WithCancel(context.Background())
  defer cancel()

  if sseBus != nil {
    if err := sseBus.StartForwarder(ctx, sseHub.Broadcast); err != nil {
      log.Warn("Could not start SSE bus forwarder", "error", err)
    }
    defer sseBus.Close()
  }

  jobQueue.Start(ctx)
  defer jobQueue.Stop()

  // Handlers + Router
  log.Info("Setting up Handlers from main...")
  jobsHandler := handlers.NewJobsHandler(jobService)
  pathsHandler := handlers.NewPathsHandler(pathRepo, conceptRepo, subConceptRepo, kuRepo, classroomService)
  sseHandler := handlers.NewSSEHandler(sseHub, jobService)

  router := server.NewRouter(server.RouterConfig{
    JobsHandler:  jobsHandler,
    PathsHandler: pathsHandler,
    SSEHandler:   sseHandler,
  })

  srv := &http.Server{
    Addr:    ":" + serverPort,
    Handler: router,
  }

  go func() {
    sig := make(chan os.Signal, 1)
    signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
    <-sig
    log.Info("Shutting down...")
    cancel()
    shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer shutdownCancel()
    if err := srv.Shutdown(shutdownCtx); err != nil {
      log.Warn("Server shutdown", "error", err)
    }
  }()

  log.Info("Starting server", "port", serverPort)
  if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
    log.Error("Server exited", "error", err)
    os.Exit(1)
  }
}
