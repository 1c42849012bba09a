// Package bootstrap implements BootstrapRule: a binding of a timed
// schedule to an activity type and payload template that periodically
// mints new activities, with a debounce that skips its very first firing
// unless explicitly configured to fire immediately on startup.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/dsoares/pypeline/internal/creator"
	"github.com/dsoares/pypeline/internal/timedrule"
)

// Creator is the subset of internal/creator.Creator a Rule needs.
type Creator interface {
	CreateActivities(ctx context.Context, activityType string, data []string, createdBy string, authorizedOutputs map[string]struct{}, reserved map[string]struct{}, startDelaySeconds int) error
}

// Rule binds a timedrule.Rule to an (activity type, payload template)
// pair. Each Apply call that finds the underlying schedule due mints one
// activity of ActivityType, unless this is the rule's first-ever firing
// and FireOnFirstCycle is false — in which case the firing is consumed
// silently and the flag flips true, so the rule behaves normally from the
// next firing on. This mirrors the original's startup-storm debounce: an
// operator deploying a fleet of workers that all share the same bootstrap
// rule doesn't want every worker to immediately fire it the instant the
// schedule happens to already be due at process start.
type Rule struct {
	WorkerID         string
	ActivityType     string
	Schedule         *timedrule.Rule
	PayloadTemplate  string
	FireOnFirstCycle bool
}

// New builds a Rule. now seeds the underlying schedule's first firing time.
func New(workerID, activityType, expression, payloadTemplate string, fireOnFirstCycle bool, now time.Time) (*Rule, error) {
	sched, err := timedrule.Parse(expression, now)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: rule for %s/%s: %w", workerID, activityType, err)
	}
	return &Rule{
		WorkerID:         workerID,
		ActivityType:     activityType,
		Schedule:         sched,
		PayloadTemplate:  payloadTemplate,
		FireOnFirstCycle: fireOnFirstCycle,
	}, nil
}

// Apply checks whether the rule is due and, if so, mints the activity
// (unless debounced on its first firing). reserved is the orchestrator's
// currently-tracked id set, threaded straight through to the creator so a
// bootstrap firing never mints an id colliding with one already in flight.
func (r *Rule) Apply(ctx context.Context, c Creator, activityRoot string, now time.Time, reserved map[string]struct{}) error {
	if !r.Schedule.IsUp(now) {
		return nil
	}
	r.Schedule.MarkExecuted(now)

	if !r.FireOnFirstCycle {
		r.FireOnFirstCycle = true
		return nil
	}

	payload := creator.Expand(r.PayloadTemplate, creator.Macros{PypelineDir: activityRoot})
	if err := c.CreateActivities(ctx, r.ActivityType, []string{payload}, r.WorkerID, nil, reserved, 0); err != nil {
		return fmt.Errorf("bootstrap: apply rule for %s: %w", r.ActivityType, err)
	}
	return nil
}
