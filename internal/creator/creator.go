// Package creator implements ActivityCreator: the sole path by which new
// activity files come into existence. It guarantees id uniqueness and
// enforces that a processor only creates activity types it declared in its
// own OutputActivityTypes(). Unlike the original's Singleton-backed
// ActivityCreator, a Creator here is an explicit value threaded through
// constructors — there is no process-wide global instance.
package creator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dsoares/pypeline/internal/activityfile"
)

const idLength = 8

// TypeAuthError is returned when a processor tries to create an activity
// type it never declared in OutputActivityTypes().
type TypeAuthError struct {
	CreatedBy    string
	ActivityType string
}

func (e *TypeAuthError) Error() string {
	return fmt.Sprintf("creator: %s is not authorized to create activities of type %q", e.CreatedBy, e.ActivityType)
}

// Creator writes new activity files under a fixed root, guaranteeing that
// concurrently generated ids never collide within this process.
type Creator struct {
	root string

	mu       sync.Mutex
	rng      *rand.Rand
	reserved map[string]struct{}
}

// New builds a Creator rooted at root.
func New(root string) *Creator {
	return &Creator{
		root:     root,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		reserved: make(map[string]struct{}),
	}
}

// CreateActivities creates one TO_BE_PROCESSED activity file per entry in
// data, all of type activityType. If authorizedOutputs is non-nil and
// doesn't contain activityType, no files are written and a *TypeAuthError
// is returned. reserved, if non-nil, is the caller's own id-uniqueness
// scope (spec.md §4.4's "reserved_ids" parameter — typically the ids of
// every currently-tracked activity): a minted id is rejected and retried
// if it's already a key in reserved, and every id this call actually uses
// is added to reserved before returning, so a caller threading the same
// map across several calls (e.g. the orchestrator bootstrapping several
// rules in one cycle) never mints the same id twice. startDelaySeconds, if
// positive, stamps every created activity with a retry time in the future
// so no worker picks it up early.
func (c *Creator) CreateActivities(ctx context.Context, activityType string, data []string, createdBy string, authorizedOutputs map[string]struct{}, reserved map[string]struct{}, startDelaySeconds int) error {
	if authorizedOutputs != nil {
		if _, ok := authorizedOutputs[activityType]; !ok {
			return &TypeAuthError{CreatedBy: createdBy, ActivityType: activityType}
		}
	}
	now := time.Now()
	var retryTime *time.Time
	if startDelaySeconds > 0 {
		t := now.Add(time.Duration(startDelaySeconds) * time.Second)
		retryTime = &t
	}
	for _, payload := range data {
		id := c.reserveID(reserved)
		a := activityfile.Activity{
			Type:         activityType,
			CreationTime: now,
			ID:           id,
			State:        activityfile.StateToBeProcessed,
			RetryTime:    retryTime,
			Data:         []byte(payload),
		}
		if _, err := a.WriteFile(c.root); err != nil {
			return fmt.Errorf("creator: create %s activity: %w", activityType, err)
		}
	}
	return nil
}

// CreateActivity is the single-item convenience form of CreateActivities,
// for callers (individual processors) that don't carry an external
// reserved-id scope of their own.
func (c *Creator) CreateActivity(ctx context.Context, activityType, data, createdBy string, authorizedOutputs map[string]struct{}) error {
	return c.CreateActivities(ctx, activityType, []string{data}, createdBy, authorizedOutputs, nil, 0)
}

// reserveID generates a random id from activityfile.IDCharacters, retrying
// until it finds one not already reserved by this process or present in
// the caller-supplied reserved set, then adds it to both.
func (c *Creator) reserveID(reserved map[string]struct{}) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		id := randomBase32(c.rng, idLength)
		if _, taken := c.reserved[id]; taken {
			continue
		}
		if reserved != nil {
			if _, taken := reserved[id]; taken {
				continue
			}
		}
		c.reserved[id] = struct{}{}
		if reserved != nil {
			reserved[id] = struct{}{}
		}
		return id
	}
}

func randomBase32(rng *rand.Rand, n int) string {
	alphabet := activityfile.IDCharacters
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(b)
}
