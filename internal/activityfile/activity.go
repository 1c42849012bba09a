// Package activityfile defines the on-disk representation of an activity:
// a JSON file whose name encodes type, creation time, id, retry count and
// optional retry time, and whose containing directory encodes its state.
package activityfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// State is the processing state of an activity, derived from the name of
// the directory that currently contains its file.
type State string

const (
	StateToBeProcessed State = "TO_BE_PROCESSED"
	StateInProgress    State = "IN_PROGRESS"
	StateProcessed     State = "PROCESSED"
	StateError         State = "ERROR"
	StateIgnored       State = "IGNORED"
)

// AllStates lists every valid directory name under the activity root.
var AllStates = []State{StateToBeProcessed, StateInProgress, StateProcessed, StateError, StateIgnored}

func (s State) Valid() bool {
	for _, v := range AllStates {
		if v == s {
			return true
		}
	}
	return false
}

const (
	// CreationTimeLayout uses '-' and 'T' instead of ':' so filenames stay
	// portable on filesystems (notably Windows) that reject ':' in names.
	CreationTimeLayout = "2006-01-02T15-04"
	RetryTimeLayout    = "2006-01-02T15-04-05"
)

// ValidActivityTypePattern is the grammar every activity type must satisfy.
var ValidActivityTypePattern = regexp.MustCompile(`^[A-Za-z_-]{5,40}$`)

const ValidActivityTypePatternHelp = "activity type must be 5-40 characters drawn only from letters, '_' or '-'"

// IDCharacters is the alphabet activity ids are drawn from.
const IDCharacters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// filenamePattern matches activity.<type>.<creation_time>.<id>_<retries>[.<retry_time>].json
// against a base name only, never a full path.
var filenamePattern = regexp.MustCompile(
	`^activity\.([^.]+)\.([0-9T-]+)\.([^._]+)_(\d*)(?:\.([0-9T-]+))?\.json$`,
)

// FileNameInfo is the decoded content of an activity file's base name.
type FileNameInfo struct {
	Type         string
	CreationTime time.Time
	ID           string
	Retries      int
	RetryTime    *time.Time
}

// ParseFileName decodes an activity file's base name. It never inspects a
// directory component: callers combine this with the parent directory name
// to learn the activity's state.
func ParseFileName(name string) (FileNameInfo, error) {
	m := filenamePattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return FileNameInfo{}, fmt.Errorf("activityfile: %q does not match the activity file name pattern", name)
	}
	creationTime, err := time.Parse(CreationTimeLayout, m[2])
	if err != nil {
		return FileNameInfo{}, fmt.Errorf("activityfile: invalid creation time in %q: %w", name, err)
	}
	retries := 0
	if n, err := strconv.Atoi(m[4]); err == nil {
		retries = n
	}
	var retryTime *time.Time
	if m[5] != "" {
		t, err := time.Parse(RetryTimeLayout, m[5])
		if err != nil {
			return FileNameInfo{}, fmt.Errorf("activityfile: invalid retry time in %q: %w", name, err)
		}
		retryTime = &t
	}
	return FileNameInfo{
		Type:         m[1],
		CreationTime: creationTime,
		ID:           m[3],
		Retries:      retries,
		RetryTime:    retryTime,
	}, nil
}

// UniqueKey builds the state-independent identifier shared by every file an
// activity ever produces (its own file plus any attachments).
func UniqueKey(activityType string, creationTime time.Time, id string) string {
	return fmt.Sprintf("activity.%s.%s.%s", activityType, creationTime.Format(CreationTimeLayout), id)
}

// FileName builds the base name for an activity file with the given retry
// count and, for retried activities, retry time.
func FileName(activityType string, creationTime time.Time, id string, retries int, retryTime *time.Time) string {
	base := fmt.Sprintf("%s_%d", UniqueKey(activityType, creationTime, id), retries)
	if retryTime != nil {
		base += "." + retryTime.Format(RetryTimeLayout)
	}
	return base + ".json"
}

// Activity is a single unit of work: its type, identity, retry bookkeeping
// and opaque JSON payload.
type Activity struct {
	Type         string
	CreationTime time.Time
	ID           string
	Retries      int
	RetryTime    *time.Time
	State        State
	Data         json.RawMessage
}

// UniqueKey returns the identifier shared across every file this activity
// has ever produced, independent of retries or state.
func (a Activity) UniqueKey() string {
	return UniqueKey(a.Type, a.CreationTime, a.ID)
}

// FileName returns the base name this activity would currently have on disk.
func (a Activity) FileName() string {
	return FileName(a.Type, a.CreationTime, a.ID, a.Retries, a.RetryTime)
}

// Dir returns the directory an activity in this state lives under, relative
// to the activity root.
func (s State) Dir(root string) string {
	return filepath.Join(root, string(s))
}

// ErrAlreadyExists is returned by WriteFile when the target file name is
// already taken, mirroring the original's FileExistsError guard: two
// workers racing to create the same activity must not silently clobber
// one another.
var ErrAlreadyExists = errors.New("activityfile: file already exists")

// WriteFile serializes the activity to its state directory under root,
// creating the directory if needed, and refuses to overwrite an existing
// file with the same name.
func (a Activity) WriteFile(root string) (string, error) {
	dir := a.State.Dir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("activityfile: create directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, a.FileName())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrAlreadyExists, path)
		}
		return "", fmt.Errorf("activityfile: create %s: %w", path, err)
	}
	defer f.Close()
	data := a.Data
	if data == nil {
		data = json.RawMessage("{}")
	}
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("activityfile: write %s: %w", path, err)
	}
	return path, nil
}

// FromFile reads an activity from an absolute path. The activity's state is
// derived from the base name of the path's parent directory.
func FromFile(path string) (Activity, error) {
	info, err := ParseFileName(filepath.Base(path))
	if err != nil {
		return Activity{}, err
	}
	state := State(filepath.Base(filepath.Dir(path)))
	if !state.Valid() {
		return Activity{}, fmt.Errorf("activityfile: %s is not under a recognized state directory (found %q)", path, state)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Activity{}, fmt.Errorf("activityfile: read %s: %w", path, err)
	}
	return Activity{
		Type:         info.Type,
		CreationTime: info.CreationTime,
		ID:           info.ID,
		Retries:      info.Retries,
		RetryTime:    info.RetryTime,
		State:        state,
		Data:         json.RawMessage(data),
	}, nil
}
