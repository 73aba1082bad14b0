package repos

// Integration tests for the queries whose semantics depend on Postgres:
// the conditional-update finalization gate, atomic counter increments, and
// SKIP LOCKED claiming. They run only when TEST_POSTGRES_DSN is set, e.g.
//
//   TEST_POSTGRES_DSN="host=localhost user=postgres password=postgres dbname=pathforge_test sslmode=disable" go test ./internal/repos/

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/caldermay/pathforge-backend/internal/logger"
	"github.com/caldermay/pathforge-backend/internal/types"
)

func openTestDB(t *testing.T) (*gorm.DB, *logger.Logger) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if err := db.AutoMigrate(
		&types.LearningPath{},
		&types.BuildJob{},
		&types.JobStep{},
		&types.QueueJob{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return db, log
}

func seedRunningJob(t *testing.T, db *gorm.DB, log *logger.Logger) (BuildJobRepo, *types.BuildJob) {
	t.Helper()
	ctx := context.Background()
	path := &types.LearningPath{ID: uuid.New(), Name: "integration-" + uuid.NewString()[:8]}
	if err := db.Create(path).Error; err != nil {
		t.Fatalf("create path: %v", err)
	}
	repo := NewBuildJobRepo(db, log)
	now := time.Now()
	job, err := repo.Create(ctx, nil, &types.BuildJob{
		ID:        uuid.New(),
		PathID:    path.ID,
		Status:    types.BuildJobRunning,
		StartedAt: &now,
	})
	if err != nil {
		t.Fatalf("create build job: %v", err)
	}
	return repo, job
}

func TestBuildJobRepo_ConditionalUpdateAdmitsOneWinner(t *testing.T) {
	db, log := openTestDB(t)
	repo, job := seedRunningJob(t, db, log)
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := repo.UpdateFieldsWhereStatus(ctx, nil, job.ID,
				[]types.BuildJobStatus{types.BuildJobRunning},
				map[string]interface{}{
					"status":       types.BuildJobCompleted,
					"completed_at": time.Now(),
				})
			if err != nil {
				t.Errorf("conditional update: %v", err)
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}

	final, err := repo.GetByID(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if final.Status != types.BuildJobCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
}

func TestBuildJobRepo_IncrementIsAtomic(t *testing.T) {
	db, log := openTestDB(t)
	repo, job := seedRunningJob(t, db, log)
	ctx := context.Background()

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.Increment(ctx, nil, job.ID, "completed_steps", 1); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	final, err := repo.GetByID(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if final.CompletedSteps != workers {
		t.Fatalf("expected %d completed steps, got %d", workers, final.CompletedSteps)
	}
}

func TestQueueJobRepo_ClaimNextRunnable(t *testing.T) {
	db, log := openTestDB(t)
	repo := NewQueueJobRepo(db, log)
	ctx := context.Background()

	queueName := "it-" + uuid.NewString()[:8]
	insert := func(runAt time.Time, name string) *types.QueueJob {
		job, err := repo.Insert(ctx, nil, &types.QueueJob{
			ID:          uuid.New(),
			Queue:       queueName,
			Name:        name,
			Status:      types.QueueJobQueued,
			MaxAttempts: 3,
			RunAt:       runAt,
		})
		if err != nil {
			t.Fatalf("insert %s: %v", name, err)
		}
		return job
	}
	now := time.Now()
	insert(now.Add(-2*time.Minute), "oldest")
	insert(now.Add(-1*time.Minute), "newer")
	insert(now.Add(time.Hour), "future")

	first, err := repo.ClaimNextRunnable(ctx, nil, queueName, 5*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first == nil || first.Name != "oldest" {
		t.Fatalf("expected oldest first, got %+v", first)
	}
	if first.Attempts != 1 || first.Status != types.QueueJobRunning {
		t.Fatalf("claim should mark running with attempts=1, got %s/%d", first.Status, first.Attempts)
	}

	second, err := repo.ClaimNextRunnable(ctx, nil, queueName, 5*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if second == nil || second.Name != "newer" {
		t.Fatalf("expected newer second, got %+v", second)
	}

	// The future job is not due; nothing left to claim.
	third, err := repo.ClaimNextRunnable(ctx, nil, queueName, 5*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if third != nil {
		t.Fatalf("expected no claimable job, got %+v", third)
	}

	// A running row whose lock has gone stale is redelivered.
	reclaimed, err := repo.ClaimNextRunnable(ctx, nil, queueName, time.Nanosecond)
	if err != nil {
		t.Fatalf("claim stale: %v", err)
	}
	if reclaimed == nil {
		t.Fatal("expected stale running job to be reclaimed")
	}
	if reclaimed.ID != first.ID {
		t.Fatalf("expected oldest stale job %s, got %s", first.ID, reclaimed.ID)
	}
	if reclaimed.Attempts != 2 {
		t.Fatalf("reclaim should count as a new attempt, got %d", reclaimed.Attempts)
	}
}

func TestQueueJobRepo_ClaimOnceUnderConcurrency(t *testing.T) {
	db, log := openTestDB(t)
	repo := NewQueueJobRepo(db, log)
	ctx := context.Background()

	queueName := "it-" + uuid.NewString()[:8]
	const jobs = 10
	for i := 0; i < jobs; i++ {
		if _, err := repo.Insert(ctx, nil, &types.QueueJob{
			ID:          uuid.New(),
			Queue:       queueName,
			Status:      types.QueueJobQueued,
			MaxAttempts: 3,
			RunAt:       time.Now().Add(-time.Minute),
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	var mu sync.Mutex
	claimed := map[uuid.UUID]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := repo.ClaimNextRunnable(ctx, nil, queueName, 5*time.Minute)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Fatalf("expected %d distinct claims, got %d", jobs, len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}
