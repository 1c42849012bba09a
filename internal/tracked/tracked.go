// Package tracked implements TrackedActivity: the in-memory handle a
// worker keeps on one activity across its lifetime, including the
// resynchronization algorithm that reconciles that handle against whatever
// is actually on disk (another worker may have renamed, retried, or
// deleted the file out from under it). Atomic rename is the only mutual
// exclusion primitive used anywhere in this package.
package tracked

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dsoares/pypeline/internal/activityfile"
)

// scheduleWindow is how long MarkScheduledForProcessing suppresses
// re-dispatch: long enough for a pool task to pick the activity up and
// rename it into IN_PROGRESS before the orchestrator's next cycle would
// otherwise consider it unclaimed again.
const scheduleWindow = 10 * time.Second

// ErrNotFound is returned by Resynchronise (and propagated by the
// operations that call it first) when an activity's unique key no longer
// matches any file under the root: it was removed, either by a processor's
// ExitState.remove_activity disposition or by an operator.
var ErrNotFound = errors.New("tracked: activity not found")

// Activity tracks one activity's believed location and state, resynced
// against the filesystem on demand. The zero value is not usable; build
// one with New.
type Activity struct {
	Root               string
	Current            activityfile.Activity
	Path               string
	Attachments        []string
	StateTimestamp     time.Time
	ScheduleDelayUntil time.Time
}

// New wraps a freshly-read activity as a tracked handle.
func New(root string, a activityfile.Activity, path string) *Activity {
	return &Activity{Root: root, Current: a, Path: path, StateTimestamp: time.Now()}
}

// UniqueKey is the identifier shared by every file this activity has ever
// produced, independent of state directory or retry count.
func (t *Activity) UniqueKey() string {
	return t.Current.UniqueKey()
}

// StillExists resynchronizes the handle and reports whether it still
// corresponds to a file on disk. The orchestrator's tracked-activity sweep
// uses this to decide which entries to drop.
func (t *Activity) StillExists() bool {
	err := t.Resynchronise()
	return err == nil || !errors.Is(err, ErrNotFound)
}

// Resynchronise reconciles this handle against the filesystem. If the
// recorded path still exists, it returns immediately without touching
// disk further. Otherwise it globs the activity root recursively for every
// file matching "<unique_key>*.json", picks the one with the highest
// retry count (the most advanced state any worker has driven it to), and
// reattaches any newly-discovered non-JSON "<unique_key>_*.*" files as
// attachments. It updates StateTimestamp only when the observed state or
// retry count changed since the last check, matching the original's
// TrackedActivity.__resynchronise. Returns ErrNotFound if the unique key
// no longer matches anything on disk.
func (t *Activity) Resynchronise() error {
	if t.Path != "" {
		if _, err := os.Stat(t.Path); err == nil {
			return nil
		}
	}

	pattern := filepath.Join(t.Root, "**", t.UniqueKey()+"*.json")
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return fmt.Errorf("tracked: resynchronise %s: %w", t.UniqueKey(), err)
	}
	if len(matches) == 0 {
		t.Path = ""
		return fmt.Errorf("tracked: %s: %w", t.UniqueKey(), ErrNotFound)
	}

	best := matches[0]
	bestInfo, err := activityfile.ParseFileName(filepath.Base(best))
	if err != nil {
		return fmt.Errorf("tracked: resynchronise %s: %w", t.UniqueKey(), err)
	}
	for _, m := range matches[1:] {
		info, err := activityfile.ParseFileName(filepath.Base(m))
		if err != nil {
			continue
		}
		if info.Retries > bestInfo.Retries {
			best, bestInfo = m, info
		}
	}

	resynced, err := activityfile.FromFile(best)
	if err != nil {
		return fmt.Errorf("tracked: resynchronise %s: %w", t.UniqueKey(), err)
	}

	changed := resynced.State != t.Current.State || resynced.Retries != t.Current.Retries
	t.Current = resynced
	t.Path = best
	if changed {
		t.StateTimestamp = time.Now()
	}

	attachPattern := filepath.Join(t.Root, "**", t.UniqueKey()+"_*.*")
	attachMatches, err := doublestar.FilepathGlob(attachPattern)
	if err != nil {
		return fmt.Errorf("tracked: resynchronise attachments for %s: %w", t.UniqueKey(), err)
	}
	known := make(map[string]bool, len(t.Attachments))
	for _, a := range t.Attachments {
		known[a] = true
	}
	for _, m := range attachMatches {
		if filepath.Ext(m) == ".json" || known[m] {
			continue
		}
		t.Attachments = append(t.Attachments, m)
		known[m] = true
	}
	return nil
}

// MarkScheduledForProcessing suppresses re-dispatch of this activity for a
// short window, covering the gap between the orchestrator submitting a
// task to the pool and that task actually renaming the file into
// IN_PROGRESS. It performs no filesystem operation.
func (t *Activity) MarkScheduledForProcessing() {
	t.ScheduleDelayUntil = time.Now().Add(scheduleWindow)
}

// AlreadyScheduledForProcessing reports whether this activity should be
// skipped by the dispatch scan: either its schedule-delay window hasn't
// elapsed, or it carries a future retry_time.
func (t *Activity) AlreadyScheduledForProcessing(now time.Time) bool {
	if t.ScheduleDelayUntil.After(now) {
		return true
	}
	return t.Current.RetryTime != nil && t.Current.RetryTime.After(now)
}

// ChangeState resynchronizes, then renames the activity's file and every
// attached file into the target state directory. Rename is the project's
// sole mutual-exclusion primitive: if another worker already removed the
// activity file, moved it to another state directory, or wins the rename
// race (the rename fails with os.ErrNotExist), ChangeState returns
// (false, nil) to signal "lost ownership" rather than a hard failure the
// caller should escalate.
func (t *Activity) ChangeState(ctx context.Context, next activityfile.State) (bool, error) {
	prevState := t.Current.State
	if err := t.Resynchronise(); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if t.Current.State != prevState {
		return false, nil
	}

	dir := next.Dir(t.Root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("tracked: %s: create %s: %w", t.UniqueKey(), dir, err)
	}
	newPath := filepath.Join(dir, t.Current.FileName())
	if err := os.Rename(t.Path, newPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			t.Path = ""
			return false, nil
		}
		return false, fmt.Errorf("tracked: %s: rename to %s: %w", t.UniqueKey(), next, err)
	}

	movedAttachments := make([]string, 0, len(t.Attachments))
	for _, a := range t.Attachments {
		newAttach := filepath.Join(dir, filepath.Base(a))
		if a == newAttach {
			movedAttachments = append(movedAttachments, newAttach)
			continue
		}
		if err := os.Rename(a, newAttach); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return false, fmt.Errorf("tracked: %s: move attachment %s: %w", t.UniqueKey(), filepath.Base(a), err)
		}
		movedAttachments = append(movedAttachments, newAttach)
	}
	t.Attachments = movedAttachments
	t.Current.State = next
	t.Path = newPath
	t.StateTimestamp = time.Now()
	return true, nil
}

// SetRetry resynchronizes, then bumps the retry counter and, if delay is
// positive, stamps a retry time, renaming the file in place (same
// directory, new name) so the filename itself records the attempt history.
func (t *Activity) SetRetry(delay time.Duration) error {
	if err := t.Resynchronise(); err != nil {
		return err
	}
	t.Current.Retries++
	if delay > 0 {
		retryTime := time.Now().Add(delay)
		t.Current.RetryTime = &retryTime
	}
	newPath := filepath.Join(filepath.Dir(t.Path), t.Current.FileName())
	if err := os.Rename(t.Path, newPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			t.Path = ""
			return nil
		}
		return fmt.Errorf("tracked: %s: rename for retry: %w", t.UniqueKey(), err)
	}
	t.Path = newPath
	return nil
}

// AttachFile resynchronizes, then computes an unused path of the form
// "<unique_key>_<stemSuffix>{,(n)}.<ext>" alongside the activity's current
// file and records it as an attachment. It does not create the file;
// callers write to the returned path themselves. A ".json" extension is
// rejected since resynchronisation would otherwise mistake the attachment
// for a second copy of the activity itself.
func (t *Activity) AttachFile(stemSuffix, ext string) (string, error) {
	ext = strings.TrimPrefix(ext, ".")
	if strings.EqualFold(ext, "json") {
		return "", fmt.Errorf("tracked: %s: attachment extension cannot be .json", t.UniqueKey())
	}
	if err := t.Resynchronise(); err != nil {
		return "", err
	}
	dir := filepath.Dir(t.Path)
	base := fmt.Sprintf("%s_%s", t.UniqueKey(), stemSuffix)
	path := filepath.Join(dir, base+"."+ext)
	for n := 1; fileExists(path); n++ {
		path = filepath.Join(dir, fmt.Sprintf("%s(%d).%s", base, n, ext))
	}
	t.Attachments = append(t.Attachments, path)
	return path, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove resynchronizes, then deletes the activity's current file and
// every attachment. It is not an error if the activity was already gone.
func (t *Activity) Remove() error {
	if err := t.Resynchronise(); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if t.Path != "" {
		if err := os.Remove(t.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("tracked: %s: remove: %w", t.UniqueKey(), err)
		}
	}
	for _, a := range t.Attachments {
		if err := os.Remove(a); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("tracked: %s: remove attachment %s: %w", t.UniqueKey(), filepath.Base(a), err)
		}
	}
	t.Path = ""
	t.Attachments = nil
	return nil
}
