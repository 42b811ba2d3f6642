package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/config"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
)

func init() {
	log.SetLevel(log.LevelError)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

// newTestDB opens a private in-memory SQLite database with the billing schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&models.User{},
		&models.BillingSubscription{},
		&models.BillingOrder{},
		&models.BillingWebhookEvent{},
		&models.BillingEntitlement{},
		&models.BillingEmailDelivery{},
		&models.BillingPayment{},
		&models.BillingEffectFailure{},
		&models.BillingPlanMapping{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func fastDispatch() config.DispatchConfig {
	return config.DispatchConfig{
		MaxAttempts:   3,
		BaseBackoff:   time.Millisecond,
		MaxBackoff:    4 * time.Millisecond,
		EffectTimeout: time.Second,
	}
}

type sentMail struct {
	Template  TemplateKind
	Recipient string
	Params    map[string]string
}

// fakeMailer records sends. failures makes the next n sends fail.
type fakeMailer struct {
	mu       sync.Mutex
	sent     []sentMail
	failures int
}

func (m *fakeMailer) Send(_ context.Context, template TemplateKind, recipient string, params map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return fmt.Errorf("smtp: connection refused")
	}
	m.sent = append(m.sent, sentMail{Template: template, Recipient: recipient, Params: params})
	return nil
}

func (m *fakeMailer) templates() []TemplateKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TemplateKind, 0, len(m.sent))
	for _, s := range m.sent {
		out = append(out, s.Template)
	}
	return out
}

func (m *fakeMailer) count(t TemplateKind) int {
	n := 0
	for _, got := range m.templates() {
		if got == t {
			n++
		}
	}
	return n
}

type memoryPlanCache struct {
	mu    sync.Mutex
	plans map[string]string
}

func (c *memoryPlanCache) GetPlan(_ context.Context, userID string) (plan entitlements.Plan, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.plans[userID]
	return entitlements.Plan(p), ok, nil
}

func (c *memoryPlanCache) SetPlan(_ context.Context, userID string, plan entitlements.Plan) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plans == nil {
		c.plans = map[string]string{}
	}
	c.plans[userID] = string(plan)
	return nil
}

func (c *memoryPlanCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.plans, userID)
	return nil
}

type testEnv struct {
	db     *gorm.DB
	repo   Repository
	mailer *fakeMailer
	cache  *memoryPlanCache
	svc    *Service
}

const (
	stripeSecret = "whsec_test_secret"
	lemonSecret  = "lemon_test_secret"
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	repo := NewRepository(db)
	mailer := &fakeMailer{}
	cache := &memoryPlanCache{}
	handlers := NewEffectHandlers(HandlerDeps{
		Repo:          repo,
		Mailer:        mailer,
		Users:         NewUserDirectory(db),
		PlanCache:     cache,
		OperatorEmail: "ops@example.com",
	})
	svc := NewService(Options{
		Secrets: map[Provider]string{
			ProviderStripe:       stripeSecret,
			ProviderLemonSqueezy: lemonSecret,
		},
		Normalizer: NewNormalizer(StripeNormalizer{}, LemonSqueezyNormalizer{}),
		Store:      NewGormStore(db, time.Minute),
		Repo:       repo,
		Dispatcher: NewDispatcher(fastDispatch(), handlers),
		PlanCache:  cache,
	})
	return &testEnv{db: db, repo: repo, mailer: mailer, cache: cache, svc: svc}
}

func (e *testEnv) addUser(t *testing.T, id, email string) {
	t.Helper()
	if err := e.db.Create(&models.User{ID: id, Name: id, Email: email}).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
}

func (e *testEnv) mapPlan(t *testing.T, provider Provider, ref, plan string) {
	t.Helper()
	m := models.BillingPlanMapping{Provider: string(provider), ProviderPlanRef: ref, InternalPlan: plan, IsActive: true}
	if err := e.db.Create(&m).Error; err != nil {
		t.Fatalf("create plan mapping: %v", err)
	}
}
