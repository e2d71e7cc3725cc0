package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wrap-studio/app/config"
	"wrap-studio/app/database"
	"wrap-studio/app/guard"
	"wrap-studio/app/logger"
	"wrap-studio/app/model"
	"wrap-studio/app/provider"
	"wrap-studio/app/storage"

	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{}
}

func (f *fakeGenerator) Generate(ctx context.Context, req provider.Request) (*provider.Image, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &provider.Image{Data: tinyPNG(), MimeType: "image/png", FinalPrompt: req.Prompt}, nil
}

func (f *fakeGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeGenerator) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Hold 让后续调用阻塞，直到 release 或调用方 ctx 结束
func (f *fakeGenerator) Hold() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.block = ch
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.block = nil
			f.mu.Unlock()
			close(ch)
		})
	}
}

// waitFor 轮询直到 cond 成立
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

var errProviderDown = errors.New("provider unavailable")

func tinyPNG() []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 8), G: 80, B: uint8(y * 8), A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

type testEnv struct {
	cfg      *config.Config
	db       *gorm.DB
	clock    *testClock
	gen      *fakeGenerator
	store    *storage.MemoryStore
	pipeline *Pipeline
}

func testConfig() *config.Config {
	return &config.Config{
		Worker: config.WorkerConfig{
			Enabled:       true,
			BatchSize:     2,
			MaxBatchSize:  5,
			LeaseSeconds:  240,
			MaxAttempts:   3,
			DefaultOrigin: "https://tewan.club",
		},
		Sweeper: config.SweeperConfig{
			Enabled:      true,
			BatchSize:    50,
			MaxBatchSize: 200,
			StaleSeconds: 600,
		},
		Credits:   config.CreditsConfig{GenerationCost: 10},
		Provider:  config.ProviderConfig{TimeoutSeconds: 5},
		Guard:     config.GuardConfig{MaxPromptLength: guard.DefaultMaxPromptLength},
		Reference: config.ReferenceConfig{AllowedHosts: []string{"cdn.tewan.club"}, MaxImages: 3},
		Models:    config.DefaultModels(),
	}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	return newTestEnvWithDB(t, openTestDB(t))
}

func newTestEnvWithDB(t *testing.T, db *gorm.DB) *testEnv {
	t.Helper()

	cfg := testConfig()
	clock := &testClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	gen := &fakeGenerator{}
	store := storage.NewMemoryStore("mem://wraps")

	p := NewPipeline(cfg, db, logger.NewNop(), guard.Default(), gen, nil, store)
	p.Tasks.now = clock.Now
	p.Credits.now = clock.Now
	p.Refunds.now = clock.Now
	p.Intake.now = clock.Now
	p.Processor.now = clock.Now
	p.Worker.now = clock.Now
	p.Sweeper.now = clock.Now

	return &testEnv{cfg: cfg, db: db, clock: clock, gen: gen, store: store, pipeline: p}
}

func (e *testEnv) grant(t *testing.T, userID string, amount int) {
	t.Helper()
	if _, err := e.pipeline.Credits.Grant(context.Background(), userID, amount, model.LedgerTypeTopUp, "test top-up"); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

func (e *testEnv) submit(t *testing.T, userID string) *IntakeResult {
	t.Helper()
	result, err := e.pipeline.Intake.Submit(context.Background(), IntakeRequest{
		UserID:    userID,
		ModelSlug: "model-3",
		Prompt:    "极简几何蓝色条纹",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return result
}

func (e *testEnv) balance(t *testing.T, userID string) int {
	t.Helper()
	credits, err := e.pipeline.Credits.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return credits.Balance
}

func (e *testEnv) mustGetTask(t *testing.T, id string) *model.GenerationTask {
	t.Helper()
	task, err := e.pipeline.Tasks.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task
}

func (e *testEnv) ledgerCount(t *testing.T, taskID string, ledgerType model.LedgerType) int64 {
	t.Helper()
	var count int64
	if err := e.db.Model(&model.CreditLedger{}).
		Where("task_id = ? AND type = ?", taskID, ledgerType).
		Count(&count).Error; err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	return count
}

func stepNames(task *model.GenerationTask) []model.StepName {
	names := make([]model.StepName, 0, len(task.Steps))
	for _, s := range task.Steps {
		names = append(names, s.Name())
	}
	return names
}

func hasStep(task *model.GenerationTask, name model.StepName) bool {
	for _, s := range task.Steps {
		if s.Name() == name {
			return true
		}
	}
	return false
}

// insertTask 直接写入任务，charge > 0 时同时扣费
func (e *testEnv) insertTask(t *testing.T, task *model.GenerationTask, charge int) {
	t.Helper()
	now := e.clock.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}
	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(task).Error; err != nil {
			return err
		}
		if charge > 0 {
			_, err := e.pipeline.Credits.Charge(tx, task.UserID, task.ID, charge, now)
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
}
