package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dsoares/pypeline/internal/activityfile"
	"github.com/dsoares/pypeline/internal/creator"
	"github.com/dsoares/pypeline/internal/processor"
	"github.com/dsoares/pypeline/internal/properties"
	"github.com/dsoares/pypeline/internal/pypelog"
)

// boundCreator is the per-processor ActivityCreator handed to Execute: it
// bakes in the calling processor's identity and its own declared output
// types, so a processor cannot create an activity type it never
// authorized itself to produce, and cannot spoof another processor's
// identity to bypass that check (spec.md §9 design note; processor.go's
// ActivityCreator doc comment explains the shape).
type boundCreator struct {
	creator    *creator.Creator
	createdBy  string
	authorized map[string]struct{}
	reserved   map[string]struct{}
}

func (b boundCreator) CreateActivities(ctx context.Context, activityType string, data []string, startDelaySeconds int) error {
	return b.creator.CreateActivities(ctx, activityType, data, b.createdBy, b.authorized, b.reserved, startDelaySeconds)
}

// propertyPrefix implements properties.PrefixProvider for an ad hoc
// "<input_type>.<worker_id>" scope, matching spec.md §4.7 step 6's "set
// the processor's property prefix".
type propertyPrefix string

func (p propertyPrefix) PropertyPrefix() string { return string(p) }

// processActivity is the pool task spec.md §4.7 describes in full: claim
// ownership by renaming into IN_PROGRESS, attach a per-activity log,
// invoke the processor under a panic/exception guard, and perform the
// disposition rename the returned ExitState calls for. entry.busy is
// cleared as the very last step, handing the registry entry back to the
// driver loop.
func (o *Orchestrator) processActivity(ctx context.Context, entry *registryEntry) {
	defer entry.busy.Store(false)

	tr := entry.activity
	traceID := uuid.NewString()
	log := o.workerLog.With().Str("trace_id", traceID).Str("activity", tr.UniqueKey()).Logger()

	ok, err := tr.ChangeState(ctx, activityfile.StateInProgress)
	if err != nil {
		log.Warn().Err(err).Msg("failed to claim activity")
		return
	}
	if !ok {
		log.Info().Msg("lost ownership before claiming activity")
		return
	}

	start := time.Now()
	activity := tr.Current
	proc, handled := o.handlers[activity.Type]
	if !handled {
		log.Warn().Str("activity_type", activity.Type).Msg("activity claimed but no processor is registered for its type")
		return
	}

	activityLog, closeLog := o.attachActivityLogger(tr, start, log)
	if closeLog != nil {
		defer closeLog()
		activityLog = activityLog.With().Str("trace_id", traceID).Logger()
	}

	config := o.buildProcessorConfig(proc, activity.Type)
	bound := boundCreator{creator: o.creator, createdBy: activity.Type, authorized: proc.OutputActivityTypes(), reserved: o.reservedIDs()}

	exit, procErr := invokeProcessor(ctx, proc, activity, &activityLog, config, bound)
	o.dispose(ctx, tr, exit, log)

	if procErr != nil {
		o.onActivityProcessingError(ctx, activity, procErr, log)
	}
}

// invokeProcessor runs the processor's Execute inside a recover guard:
// Go has no exception to catch, so a panic crossing this boundary is
// converted to ExitState.error the same way spec.md §4.7 step 7 converts
// a caught processor exception, rather than crashing the worker pool.
func invokeProcessor(ctx context.Context, proc processor.Processor, activity activityfile.Activity, log *zerolog.Logger, config map[string]any, bound processor.ActivityCreator) (exit processor.ExitState, procErr error) {
	defer func() {
		if r := recover(); r != nil {
			procErr = fmt.Errorf("processor panic: %v", r)
			exit = processor.Error(procErr.Error())
		}
	}()
	exit, procErr = proc.Execute(ctx, activity, log, config, bound)
	if procErr != nil {
		exit = processor.Error(procErr.Error())
	}
	return exit, procErr
}

func (o *Orchestrator) attachActivityLogger(tr interface {
	AttachFile(stemSuffix, ext string) (string, error)
	UniqueKey() string
}, start time.Time, fallback zerolog.Logger) (zerolog.Logger, func()) {
	path, err := tr.AttachFile(start.Format("2006-01-02T15-04-05"), "log")
	if err != nil {
		fallback.Warn().Err(err).Msg("failed to attach activity log; falling back to worker log")
		return fallback, nil
	}
	logger, closer, err := pypelog.NewActivityLogger(path, tr.UniqueKey())
	if err != nil {
		fallback.Warn().Err(err).Msg("failed to open activity log; falling back to worker log")
		return fallback, nil
	}
	return logger, func() { _ = closer.Close() }
}

// buildProcessorConfig merges processor.conf.yaml's declared section for
// activityType with the processor's own Configuration() specs resolved
// from the property store under the "<type>.<worker_id>" prefix spec.md
// §4.7 step 6 calls for, falling back to each spec's declared default.
func (o *Orchestrator) buildProcessorConfig(proc processor.Processor, activityType string) map[string]any {
	config := make(map[string]any)
	for k, v := range o.processorCfg[activityType] {
		config[k] = v
	}
	prefix := propertyPrefix(fmt.Sprintf("%s.%s", activityType, o.workerID))
	for _, spec := range proc.Configuration() {
		key := strings.Join(spec.Parts, ".")
		config[key] = o.resolveTyped(prefix, spec)
	}
	return config
}

func (o *Orchestrator) resolveTyped(prefix properties.PrefixProvider, spec processor.PropertySpec) any {
	switch spec.Type {
	case "bool":
		def, _ := spec.Default.(bool)
		return o.store.GetBool(prefix, spec.Parts, def)
	case "int":
		def, _ := spec.Default.(int)
		return o.store.GetInt(prefix, spec.Parts, def)
	case "float":
		def, _ := spec.Default.(float64)
		return o.store.GetFloat(prefix, spec.Parts, def)
	default:
		def := fmt.Sprint(spec.Default)
		val, err := o.store.GetString(prefix, spec.Parts, false, def)
		if err != nil {
			return def
		}
		return val
	}
}

// dispose applies the ExitState's disposition: removal for a successful
// no-op, otherwise an optional retry bump followed by the rename into the
// ExitState's declared next state, matching spec.md §4.7 step 9.
func (o *Orchestrator) dispose(ctx context.Context, tr interface {
	Remove() error
	SetRetry(delay time.Duration) error
	ChangeState(ctx context.Context, next activityfile.State) (bool, error)
	UniqueKey() string
}, exit processor.ExitState, log zerolog.Logger) {
	if exit.RemoveActivity() {
		if err := tr.Remove(); err != nil {
			log.Warn().Err(err).Msg("failed to remove no-op activity")
		}
		return
	}

	if exit.Status == processor.StatusErrorRetry {
		if err := tr.SetRetry(time.Duration(exit.RetryDelaySeconds) * time.Second); err != nil {
			log.Warn().Err(err).Msg("failed to set retry")
		}
	}

	ok, err := tr.ChangeState(ctx, exit.NextActivityStatus)
	if err != nil {
		log.Warn().Err(err).Str("next_state", string(exit.NextActivityStatus)).Msg("failed to apply disposition")
		return
	}
	if !ok {
		log.Info().Msg("lost ownership while applying disposition")
	}
}

// onActivityProcessingError looks up the two properties spec.md §4.7
// names keyed by the errored activity's type, and — if both are present
// and the declared handler type is one this worker handles — mints a
// handler activity with $ERROR_MSG and $FAILED_PROC substituted. Absent
// configuration is only a warning, never an escalation.
func (o *Orchestrator) onActivityProcessingError(ctx context.Context, activity activityfile.Activity, procErr error, log zerolog.Logger) {
	handlerType, _ := o.store.GetString(orchestratorPrefix{}, []string{"on-activity-error", activity.Type, "handler-activity-type"}, false, "")
	handlerData, _ := o.store.GetString(orchestratorPrefix{}, []string{"on-activity-error", activity.Type, "handler-activity-data"}, false, "")
	if handlerType == "" || handlerData == "" {
		log.Warn().Err(procErr).Str("activity_type", activity.Type).Msg("activity processing error with no configured handler")
		return
	}
	if _, handled := o.handlers[handlerType]; !handled {
		log.Warn().Str("handler_activity_type", handlerType).Msg("configured error handler type is not handled by this worker")
		return
	}
	payload := creator.Expand(handlerData, creator.Macros{ErrorMsg: procErr.Error(), FailedProc: activity.Type})
	if err := o.creator.CreateActivities(ctx, handlerType, []string{payload}, "Orchestrator", nil, o.reservedIDs(), 0); err != nil {
		log.Warn().Err(err).Str("handler_activity_type", handlerType).Msg("failed to create error handler activity")
	}
}
