package controllers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	defaultStatsDays = 7
)

// BillingAdminService is the operator side of the billing service.
type BillingAdminService interface {
	ListFailures(ctx context.Context, status string, limit int) ([]models.BillingEffectFailure, error)
	ReplayFailure(ctx context.Context, id uint) error
	ListNeedsReconciliation(ctx context.Context, limit int) (*billing.ReconciliationQueue, error)
	ReplayEvent(ctx context.Context, id uint) (billing.Outcome, error)
	EffectivePlan(ctx context.Context, userID string) (entitlements.Plan, error)
	RefreshPlan(ctx context.Context, userID string) (entitlements.Plan, error)
}

// ReplayJobs runs replays in the background.
type ReplayJobs interface {
	EnqueueFailureReplay(ctx context.Context, id uint) (*jobqueue.Job, bool, error)
	EnqueueEventReplay(ctx context.Context, id uint, requestedBy string) (*jobqueue.Job, bool, error)
	GetJob(ctx context.Context, id string) (*jobqueue.Job, error)
}

// WebhookStats reads the persisted webhook counters.
type WebhookStats interface {
	Stats(ctx context.Context, since time.Time) ([]models.BillingWebhookStat, error)
}

// AdminBillingController serves /admin/billing. jobs and stats may be nil.
type AdminBillingController struct {
	svc     BillingAdminService
	jobs    ReplayJobs
	stats   WebhookStats
	timeout time.Duration
}

func NewAdminBillingController(svc BillingAdminService, jobs ReplayJobs, stats WebhookStats, timeout time.Duration) *AdminBillingController {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &AdminBillingController{svc: svc, jobs: jobs, stats: stats, timeout: timeout}
}

func (ac *AdminBillingController) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), ac.timeout)
}

// handleError answers with the status matching err.
func (ac *AdminBillingController) handleError(c *fiber.Ctx, code string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, redis.Nil):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	case errors.Is(err, billing.ErrMalformedPayload):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": code, "message": err.Error()})
	}
	log.Errorf("[Billing] Admin %s: %v", code, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": code, "message": err.Error()})
}

// HandleListFailures handles GET /admin/billing/failures?status=&limit=.
func (ac *AdminBillingController) HandleListFailures(c *fiber.Ctx) error {
	status := strings.TrimSpace(c.Query("status", models.EffectFailurePending))
	if status == "all" {
		status = ""
	}
	ctx, cancel := ac.requestContext(c)
	defer cancel()

	failures, err := ac.svc.ListFailures(ctx, status, queryLimit(c))
	if err != nil {
		return ac.handleError(c, "list_failed", err)
	}
	return c.JSON(fiber.Map{"failures": failures, "count": len(failures)})
}

// HandleReplayFailure handles POST /admin/billing/failures/:id/replay. With
// ?async=true the replay is queued and 202 is returned.
func (ac *AdminBillingController) HandleReplayFailure(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_id"})
	}
	ctx, cancel := ac.requestContext(c)
	defer cancel()

	if c.QueryBool("async") && ac.jobs != nil {
		job, queued, err := ac.jobs.EnqueueFailureReplay(ctx, id)
		if err != nil {
			return ac.handleError(c, "enqueue_failed", err)
		}
		return acceptedJob(c, job, queued)
	}

	if err := ac.svc.ReplayFailure(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, billing.ErrMalformedPayload) {
			return ac.handleError(c, "replay_failed", err)
		}
		// The failure row was updated with the new attempt.
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": false, "error": "replay_failed", "message": err.Error()})
	}
	return c.JSON(fiber.Map{"ok": true})
}

// HandleReconciliation handles GET /admin/billing/reconciliation.
func (ac *AdminBillingController) HandleReconciliation(c *fiber.Ctx) error {
	ctx, cancel := ac.requestContext(c)
	defer cancel()

	queue, err := ac.svc.ListNeedsReconciliation(ctx, queryLimit(c))
	if err != nil {
		return ac.handleError(c, "list_failed", err)
	}
	return c.JSON(queue)
}

// HandleReplayEvent handles POST /admin/billing/events/:id/replay.
func (ac *AdminBillingController) HandleReplayEvent(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_id"})
	}
	ctx, cancel := ac.requestContext(c)
	defer cancel()

	if c.QueryBool("async") && ac.jobs != nil {
		requestedBy, _ := c.Locals("username").(string)
		job, queued, err := ac.jobs.EnqueueEventReplay(ctx, id, requestedBy)
		if err != nil {
			return ac.handleError(c, "enqueue_failed", err)
		}
		return acceptedJob(c, job, queued)
	}

	outcome, err := ac.svc.ReplayEvent(ctx, id)
	if err != nil {
		return ac.handleError(c, "replay_failed", err)
	}
	return c.JSON(fiber.Map{"ok": true, "outcome": outcome})
}

// HandleJobStatus handles GET /admin/billing/jobs/:id.
func (ac *AdminBillingController) HandleJobStatus(c *fiber.Ctx) error {
	if ac.jobs == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "jobs_disabled"})
	}
	ctx, cancel := ac.requestContext(c)
	defer cancel()

	job, err := ac.jobs.GetJob(ctx, c.Params("id"))
	if err != nil {
		// Completed jobs are removed from Redis.
		if errors.Is(err, redis.Nil) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "job is unknown or already completed"})
		}
		return ac.handleError(c, "job_lookup_failed", err)
	}
	return c.JSON(job)
}

// HandleUserPlan handles GET /admin/billing/users/:id/plan. ?refresh=true
// bypasses the plan cache.
func (ac *AdminBillingController) HandleUserPlan(c *fiber.Ctx) error {
	userID := strings.TrimSpace(c.Params("id"))
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_id"})
	}
	ctx, cancel := ac.requestContext(c)
	defer cancel()

	lookup := ac.svc.EffectivePlan
	if c.QueryBool("refresh") {
		lookup = ac.svc.RefreshPlan
	}
	plan, err := lookup(ctx, userID)
	if err != nil {
		return ac.handleError(c, "plan_lookup_failed", err)
	}
	return c.JSON(fiber.Map{"user_id": userID, "plan": plan})
}

// HandleStats handles GET /admin/billing/stats?days=.
func (ac *AdminBillingController) HandleStats(c *fiber.Ctx) error {
	if ac.stats == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "stats_disabled"})
	}
	days := c.QueryInt("days", defaultStatsDays)
	if days < 1 || days > 366 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_days"})
	}
	ctx, cancel := ac.requestContext(c)
	defer cancel()

	since := time.Now().UTC().AddDate(0, 0, -(days - 1))
	rows, err := ac.stats.Stats(ctx, since)
	if err != nil {
		return ac.handleError(c, "stats_failed", err)
	}

	totals := map[string]int64{}
	for _, r := range rows {
		totals[r.Outcome] += r.Total
	}
	return c.JSON(fiber.Map{"since": since.Format("2006-01-02"), "rows": rows, "totals": totals})
}

func acceptedJob(c *fiber.Ctx, job *jobqueue.Job, queued bool) error {
	if !queued {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already_queued"})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"ok": true, "job_id": job.ID})
}

func paramID(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return uint(id), nil
}

func queryLimit(c *fiber.Ctx) int {
	limit := c.QueryInt("limit", defaultListLimit)
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
