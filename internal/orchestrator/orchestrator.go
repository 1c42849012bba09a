// Package orchestrator implements the main loop: bootstrap activities from
// schedule rules, dispatch TO_BE_PROCESSED activities to a bounded worker
// pool under per-type parallelism caps, resynchronize tracked activities
// against the filesystem, sleep, repeat. It is the one component that
// wires every other package in this module together.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/dsoares/pypeline/internal/activityfile"
	"github.com/dsoares/pypeline/internal/bootstrap"
	"github.com/dsoares/pypeline/internal/creator"
	"github.com/dsoares/pypeline/internal/fileval"
	"github.com/dsoares/pypeline/internal/processor"
	"github.com/dsoares/pypeline/internal/properties"
	"github.com/dsoares/pypeline/internal/pypelog"
	"github.com/dsoares/pypeline/internal/ruleengine"
	"github.com/dsoares/pypeline/internal/tracked"
)

// Exit codes, per spec.md §6.
const (
	ExitClean  = 0
	ExitReload = 2
)

const (
	bootstrapCSVName  = "activity_bootstrap.csv"
	processingCSVName = "activity_processing.csv"
	processorConfYAML = "processor.conf.yaml"
	defaultPropsName  = "default.properties"
)

var bootstrapColumns = []ruleengine.Column{
	{Label: "activityType"}, {Label: "workerID"}, {Label: "bootstrapRule"},
	{Label: "onFirstCycle"}, {Label: "activityData"},
}

var processingColumns = []ruleengine.Column{
	{Label: "activityType"}, {Label: "workerID"}, {Label: "parallelProcesses"},
}

const bootstrapMetaHeader = "activity_bootstrap.csv: activityType,workerID,bootstrapRule,onFirstCycle,activityData\npopulate one row per bootstrap rule this worker should run."
const processingMetaHeader = "activity_processing.csv: activityType,workerID,parallelProcesses\nevery activity type a worker handles needs exactly one row here."

// orchestratorPrefix implements properties.PrefixProvider so every
// orchestrator-owned property resolves under the "Orchestrator." prefix,
// matching spec.md §6's property table.
type orchestratorPrefix struct{}

func (orchestratorPrefix) PropertyPrefix() string { return "Orchestrator" }

// registryEntry is one tracked activity plus the synchronization the
// orchestrator needs to share it safely with a pool task goroutine.
// Ownership is demarcated entirely by busy: the single-threaded driver
// loop may freely read and mutate entry.activity whenever busy is false,
// and a pool task owns it exclusively from the moment it is dispatched
// (busy set true, still on the driver goroutine) until the task's last
// action (busy set false). This is the Go-side restatement of spec.md
// §5's "the tracked-activity map is exclusive to the Orchestrator
// thread" for a runtime where task execution is a real goroutine sharing
// memory with the driver, rather than a separate OS process.
type registryEntry struct {
	activity     *tracked.Activity
	activityType string
	id           string
	busy         atomic.Bool
}

// Binding registers one Processor; its output-type authorization is the
// Processor's own OutputActivityTypes(). Orchestrator callers register one
// Binding per handled activity type.
type Binding struct {
	Processor processor.Processor
}

// Orchestrator drives the bootstrap/dispatch/resync loop for one worker.
type Orchestrator struct {
	root     string
	workerID string

	store        *properties.Store
	handlers     map[string]processor.Processor
	processorCfg map[string]map[string]any
	bootstraps   []*bootstrap.Rule
	parallelism  *fileval.Value[map[string]int]

	creator *creator.Creator

	pool *pool

	workerLog       zerolog.Logger
	workerLogCloser io.Closer

	wake       chan struct{}
	tbpWatcher *fsnotify.Watcher

	mu       sync.Mutex
	registry map[string]*registryEntry

	lastHeartbeat time.Time
	poolSize      int
}

// New builds an Orchestrator rooted at root for workerID, handling the
// activity types named in bindings. Construction performs every step
// spec.md §4.7 lists under "Initialization order": directory layout,
// properties, processor.conf.yaml, per-processor validation, the
// bootstrap rule list, and the activity-processing table — failing any
// of the latter two for a handled type is fatal, matching spec.md §7's
// "activity-processing absence for a handled type is fatal at init".
func New(root, workerID string, bindings []Binding) (_ *Orchestrator, err error) {
	if len(strings.TrimSpace(workerID)) < 3 {
		return nil, fmt.Errorf("orchestrator: worker id %q must be at least 3 characters", workerID)
	}
	for _, dir := range activityfile.AllStates {
		if err := os.MkdirAll(dir.Dir(root), 0o755); err != nil {
			return nil, fmt.Errorf("orchestrator: create %s: %w", dir, err)
		}
	}

	workerLog, logCloser, err := pypelog.NewWorkerLogger(root, workerID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	// cleanup unwinds anything already opened if construction fails partway
	// through: no test or caller of a failed New should be left with a
	// dangling log file handle or fsnotify watcher goroutine.
	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()
	cleanup = append(cleanup, func() { logCloser.Close() })

	propFiles, err := filepath.Glob(filepath.Join(root, "*.properties"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: glob properties: %w", err)
	}
	if len(propFiles) == 0 {
		propFiles = []string{filepath.Join(root, defaultPropsName)}
	}
	store, err := properties.Open(propFiles)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open properties: %w", err)
	}
	cleanup = append(cleanup, func() { store.Close() })
	if err := store.WatchDirs(); err != nil {
		workerLog.Warn().Err(err).Msg("failed to start properties fsnotify watch; falling back to poll-only reload")
	}

	handlers := make(map[string]processor.Processor, len(bindings))
	for _, b := range bindings {
		if err := processor.Validate(b.Processor); err != nil {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
		handlers[b.Processor.InputActivityType()] = b.Processor
		specs := append(append([]properties.PropertySpec(nil), toPropertySpecs(b.Processor.Properties())...), toPropertySpecs(b.Processor.Configuration())...)
		if len(specs) > 0 {
			if err := store.InsertProcessorSectionsIfNotExist(namedProcessor{b.Processor}, specs); err != nil {
				return nil, fmt.Errorf("orchestrator: insert property stubs for %s: %w", b.Processor.InputActivityType(), err)
			}
		}
	}

	processorCfg, err := loadProcessorConfig(filepath.Join(root, processorConfYAML))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	now := time.Now()
	bootstraps, err := loadBootstrapRules(filepath.Join(root, bootstrapCSVName), workerID, now)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	processingPath := filepath.Join(root, processingCSVName)
	parallelism := fileval.New(processingPath, parallelismParser(workerID))
	capByType, err := parallelism.Get()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load %s: %w", processingCSVName, err)
	}
	for activityType := range handlers {
		if _, ok := capByType[activityType]; !ok {
			return nil, fmt.Errorf("orchestrator: %w", &ruleengine.NoRuleMatchError{
				Path:     processingPath,
				Criteria: map[string]any{"activityType": activityType, "workerID": workerID},
			})
		}
	}
	if err := parallelism.Watch(func() {
		if _, err := parallelism.Get(); err != nil {
			workerLog.Warn().Err(err).Msg("reload activity_processing.csv after fsnotify event failed")
		}
	}); err != nil {
		workerLog.Warn().Err(err).Msg("failed to start activity_processing.csv fsnotify watch; falling back to poll-only reload")
	}

	poolSize := store.GetInt(orchestratorPrefix{}, "process-pool-size", 2)
	if poolSize < 1 {
		poolSize = 1
	}

	o := &Orchestrator{
		root:            root,
		workerID:        workerID,
		store:           store,
		handlers:        handlers,
		processorCfg:    processorCfg,
		bootstraps:      bootstraps,
		parallelism:     parallelism,
		creator:         creator.New(root),
		pool:            newPool(poolSize),
		workerLog:       workerLog,
		workerLogCloser: logCloser,
		registry:        make(map[string]*registryEntry),
		poolSize:        poolSize,
		wake:            make(chan struct{}, 1),
	}

	if watcher, err := watchToBeProcessed(root, o.wake); err != nil {
		workerLog.Warn().Err(err).Msg("failed to start TO_BE_PROCESSED fsnotify watch; dispatch still runs on the regular poll cadence")
	} else {
		o.tbpWatcher = watcher
	}

	return o, nil
}

// watchToBeProcessed watches the TO_BE_PROCESSED directory and nudges wake
// (non-blocking) on every write/create event, so Run's inter-cycle sleep can
// be cut short the moment a new activity file lands, per spec.md §4.0's
// "nudges process_tbp_activities to run a cycle early". The scan it
// shortens the wait for is still the single-threaded driver loop's own
// scanToBeProcessed; this only shortens when that scan next runs.
func watchToBeProcessed(root string, wake chan<- struct{}) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch TO_BE_PROCESSED: %w", err)
	}
	dir := activityfile.StateToBeProcessed.Dir(root)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return w, nil
}

type namedProcessor struct{ processor.Processor }

func (n namedProcessor) PropertyOwnerName() string { return n.InputActivityType() }

func toPropertySpecs(in []processor.PropertySpec) []properties.PropertySpec {
	out := make([]properties.PropertySpec, len(in))
	for i, s := range in {
		out[i] = properties.PropertySpec{Parts: s.Parts, Type: s.Type, Help: s.Help, Default: s.Default}
	}
	return out
}

func loadProcessorConfig(path string) (map[string]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]any{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", processorConfYAML, err)
	}
	var cfg map[string]map[string]any
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", processorConfYAML, err)
	}
	if cfg == nil {
		cfg = map[string]map[string]any{}
	}
	return cfg, nil
}

func loadBootstrapRules(path, workerID string, now time.Time) ([]*bootstrap.Rule, error) {
	engine, err := ruleengine.New(path, bootstrapColumns, bootstrapMetaHeader)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", bootstrapCSVName, err)
	}
	rows, err := engine.GetMappings(
		map[string]any{"workerID": workerID},
		[]string{"activityType", "bootstrapRule", "onFirstCycle", "activityData"},
	)
	if err != nil {
		var noMatch *ruleengine.NoRuleMatchError
		if errors.As(err, &noMatch) {
			return nil, nil
		}
		return nil, err
	}
	rules := make([]*bootstrap.Rule, 0, len(rows))
	for _, row := range rows {
		activityType, _ := row["activityType"].(string)
		expr, _ := row["bootstrapRule"].(string)
		data, _ := row["activityData"].(string)
		fireFirst := asBool(row["onFirstCycle"])
		rule, err := bootstrap.New(workerID, activityType, expr, data, fireFirst, now)
		if err != nil {
			return nil, fmt.Errorf("row for %s: %w", activityType, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	default:
		return false
	}
}

func parallelismParser(workerID string) fileval.ParseFunc[map[string]int] {
	return func(path string, _ []byte) (map[string]int, error) {
		engine, err := ruleengine.New(path, processingColumns, processingMetaHeader)
		if err != nil {
			return nil, err
		}
		rows, err := engine.GetMappings(map[string]any{"workerID": workerID}, []string{"activityType", "parallelProcesses"})
		if err != nil {
			var noMatch *ruleengine.NoRuleMatchError
			if errors.As(err, &noMatch) {
				return map[string]int{}, nil
			}
			return nil, err
		}
		out := make(map[string]int, len(rows))
		for _, r := range rows {
			activityType, _ := r["activityType"].(string)
			switch v := r["parallelProcesses"].(type) {
			case int:
				out[activityType] = v
			case float64:
				out[activityType] = int(v)
			}
		}
		return out, nil
	}
}

func (o *Orchestrator) parallelismCap(activityType string) (int, bool) {
	m, err := o.parallelism.Get()
	if err != nil {
		o.workerLog.Warn().Err(err).Msg("reload activity_processing.csv failed; keeping last known caps")
	}
	n, ok := m[activityType]
	return n, ok
}

// Run executes the main loop until a stop/reload flag is observed or ctx
// is cancelled, returning the process exit code spec.md §6 defines.
func (o *Orchestrator) Run(ctx context.Context) (int, error) {
	defer o.Close()

	for {
		now := time.Now()
		o.heartbeat(now)

		if o.store.GetBool(orchestratorPrefix{}, "reload-now", false) {
			if err := o.store.CommentProperty(orchestratorPrefix{}, "reload-now"); err != nil {
				o.workerLog.Warn().Err(err).Msg("failed to clear reload-now flag")
			}
			return ExitReload, nil
		}
		if o.store.GetBool(orchestratorPrefix{}, "main-loop.stop-now", false) {
			return ExitClean, nil
		}

		o.Tick(ctx, now)

		sleepMs := o.store.GetInt(orchestratorPrefix{}, "main-loop.sleep-ms", 2000)
		select {
		case <-ctx.Done():
			return ExitClean, ctx.Err()
		case <-o.wake:
		case <-time.After(time.Duration(sleepMs) * time.Millisecond):
		}
	}
}

// Close waits for outstanding pool tasks to finish and stops every
// background watcher and log file this Orchestrator opened. Run defers
// this on exit; tests that drive Tick directly instead of Run must call
// it themselves once done, so no fsnotify watcher or logger outlives the
// test.
func (o *Orchestrator) Close() {
	o.pool.Close()
	o.workerLogCloser.Close()
	o.store.Close()
	o.parallelism.Close()
	if o.tbpWatcher != nil {
		o.tbpWatcher.Close()
	}
}

// Tick runs one bootstrap → dispatch → resynchronize pass. Run calls this
// once per cycle between its flag checks and its inter-cycle sleep; tests
// call it directly to drive the loop deterministically.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) {
	o.doBootstrapActivities(ctx, now)
	o.processTBPActivities(ctx, now)
	o.resynchroniseTrackedActivities()
}

func (o *Orchestrator) heartbeat(now time.Time) {
	cooldown := time.Duration(o.store.GetInt(orchestratorPrefix{}, "main-loop.log-cooldown-seconds", 15)) * time.Second
	if !o.lastHeartbeat.IsZero() && now.Sub(o.lastHeartbeat) < cooldown {
		return
	}
	o.lastHeartbeat = now
	o.mu.Lock()
	trackedCount := len(o.registry)
	o.mu.Unlock()
	o.workerLog.Info().
		Str("trace_id", uuid.NewString()).
		Int("tracked_activities", trackedCount).
		Msg("heartbeat")
}

func (o *Orchestrator) doBootstrapActivities(ctx context.Context, now time.Time) {
	reserved := o.reservedIDs()
	for _, rule := range o.bootstraps {
		if err := rule.Apply(ctx, o.creator, o.root, now, reserved); err != nil {
			o.workerLog.Warn().Err(err).Str("activity_type", rule.ActivityType).Msg("bootstrap rule failed")
		}
	}
}

func (o *Orchestrator) reservedIDs() map[string]struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	reserved := make(map[string]struct{}, len(o.registry))
	for _, e := range o.registry {
		reserved[e.id] = struct{}{}
	}
	return reserved
}

func (o *Orchestrator) processTBPActivities(ctx context.Context, now time.Time) {
	o.scanToBeProcessed()

	type group struct {
		activityType string
		candidates   []*registryEntry
	}
	inProgress := map[string]int{}
	groups := map[string]*group{}

	o.mu.Lock()
	for _, e := range o.registry {
		if e.busy.Load() {
			inProgress[e.activityType]++
			continue
		}
		if e.activity.Current.State != activityfile.StateToBeProcessed {
			continue
		}
		if e.activity.AlreadyScheduledForProcessing(now) {
			continue
		}
		g, ok := groups[e.activityType]
		if !ok {
			g = &group{activityType: e.activityType}
			groups[e.activityType] = g
		}
		g.candidates = append(g.candidates, e)
	}
	o.mu.Unlock()

	for activityType, g := range groups {
		parallelCap, ok := o.parallelismCap(activityType)
		if !ok {
			o.workerLog.Warn().Str("activity_type", activityType).Msg("no activity-processing rule; skipping dispatch this cycle")
			continue
		}
		available := parallelCap - inProgress[activityType]
		if available <= 0 {
			continue
		}
		sort.Slice(g.candidates, func(i, j int) bool {
			ai, aj := g.candidates[i].activity.Current, g.candidates[j].activity.Current
			if !ai.CreationTime.Equal(aj.CreationTime) {
				return ai.CreationTime.Before(aj.CreationTime)
			}
			return ai.ID < aj.ID
		})
		n := len(g.candidates)
		if available < n {
			n = available
		}
		for _, e := range g.candidates[:n] {
			e.activity.MarkScheduledForProcessing()
			e.busy.Store(true)
			entry := e
			o.pool.Submit(func() { o.processActivity(ctx, entry) })
		}
	}
}

func (o *Orchestrator) scanToBeProcessed() {
	dir := activityfile.StateToBeProcessed.Dir(o.root)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			o.workerLog.Warn().Err(err).Msg("scan TO_BE_PROCESSED failed")
		}
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := activityfile.ParseFileName(de.Name())
		if err != nil {
			continue
		}
		key := activityfile.UniqueKey(info.Type, info.CreationTime, info.ID)
		if _, already := o.registry[key]; already {
			continue
		}
		if _, handled := o.handlers[info.Type]; !handled {
			o.workerLog.Warn().Str("activity_type", info.Type).Str("file", de.Name()).Msg("untracked activity of unhandled type")
			continue
		}
		path := filepath.Join(dir, de.Name())
		a, err := activityfile.FromFile(path)
		if err != nil {
			o.workerLog.Warn().Err(err).Str("file", de.Name()).Msg("failed to read activity file")
			continue
		}
		o.registry[key] = &registryEntry{activity: tracked.New(o.root, a, path), activityType: a.Type, id: a.ID}
	}
}

func (o *Orchestrator) resynchroniseTrackedActivities() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.registry) > 1024 {
		o.workerLog.Warn().Int("tracked_activities", len(o.registry)).Msg("tracked-activity count exceeds 1024")
	}
	for key, e := range o.registry {
		if e.busy.Load() {
			continue
		}
		if !e.activity.StillExists() {
			delete(o.registry, key)
		}
	}
}
