package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dsoares/pypeline/internal/activityfile"
	"github.com/dsoares/pypeline/internal/processor"
)

// TestMain verifies that once every orchestrator under test has been
// closed (each test registers o.Close() via t.Cleanup), nothing left a
// goroutine running: no pool worker, no fsnotify watcher goroutine, no
// dispatched-but-never-joined pool task.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProcessor struct {
	inputType string
	outputs   map[string]struct{}
	execute   func(activityfile.Activity, processor.ActivityCreator) (processor.ExitState, error)
}

func (p *fakeProcessor) InputActivityType() string             { return p.inputType }
func (p *fakeProcessor) OutputActivityTypes() map[string]struct{} { return p.outputs }
func (p *fakeProcessor) Properties() []processor.PropertySpec     { return nil }
func (p *fakeProcessor) Configuration() []processor.PropertySpec  { return nil }
func (p *fakeProcessor) Execute(ctx context.Context, a activityfile.Activity, log *zerolog.Logger, config map[string]any, creator processor.ActivityCreator) (processor.ExitState, error) {
	return p.execute(a, creator)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func mustDrain(t *testing.T, o *Orchestrator) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		o.mu.Lock()
		busy := false
		for _, e := range o.registry {
			if e.busy.Load() {
				busy = true
				break
			}
		}
		o.mu.Unlock()
		if !busy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for dispatched tasks to finish")
}

func TestNewFailsWhenActivityProcessingRuleMissing(t *testing.T) {
	root := t.TempDir()
	proc := &fakeProcessor{inputType: "webhook-delivery", execute: func(activityfile.Activity, processor.ActivityCreator) (processor.ExitState, error) {
		return processor.Success(""), nil
	}}
	_, err := New(root, "worker-one", []Binding{{Processor: proc}})
	require.Error(t, err)
}

func newTestOrchestrator(t *testing.T, proc processor.Processor) *Orchestrator {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, processingCSVName),
		"activityType,workerID,parallelProcesses\n"+proc.InputActivityType()+",worker-one,2\n")
	o, err := New(root, "worker-one", []Binding{{Processor: proc}})
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

func TestDispatchesAndMarksSuccess(t *testing.T) {
	proc := &fakeProcessor{
		inputType: "webhook-delivery",
		execute: func(a activityfile.Activity, c processor.ActivityCreator) (processor.ExitState, error) {
			return processor.Success("delivered"), nil
		},
	}
	o := newTestOrchestrator(t, proc)

	a := activityfile.Activity{
		Type: "webhook-delivery", CreationTime: time.Now(), ID: "AAAAA",
		State: activityfile.StateToBeProcessed, Data: []byte(`{}`),
	}
	_, err := a.WriteFile(o.root)
	require.NoError(t, err)

	o.Tick(context.Background(), time.Now())
	mustDrain(t, o)

	entries, err := os.ReadDir(filepath.Join(o.root, "PROCESSED"))
	require.NoError(t, err)
	require.Len(t, entries, 2, "the activity file plus its per-activity log attachment")
}

func TestRetryReschedulesToBeProcessed(t *testing.T) {
	proc := &fakeProcessor{
		inputType: "webhook-delivery",
		execute: func(a activityfile.Activity, c processor.ActivityCreator) (processor.ExitState, error) {
			return processor.Retry("transient", 0), nil
		},
	}
	o := newTestOrchestrator(t, proc)

	a := activityfile.Activity{
		Type: "webhook-delivery", CreationTime: time.Now(), ID: "BBBBB",
		State: activityfile.StateToBeProcessed, Data: []byte(`{}`),
	}
	_, err := a.WriteFile(o.root)
	require.NoError(t, err)

	o.Tick(context.Background(), time.Now())
	mustDrain(t, o)

	entries, err := os.ReadDir(filepath.Join(o.root, "TO_BE_PROCESSED"))
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		// the per-activity .log attachment moves back alongside the activity file
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			info, err := activityfile.ParseFileName(e.Name())
			require.NoError(t, err)
			if info.Retries == 1 {
				found = true
			}
		}
	}
	require.True(t, found, "expected a retried (retries=1) activity file in TO_BE_PROCESSED")
}

func TestNoOpSuccessRemovesActivity(t *testing.T) {
	proc := &fakeProcessor{
		inputType: "webhook-delivery",
		execute: func(a activityfile.Activity, c processor.ActivityCreator) (processor.ExitState, error) {
			return processor.SuccessNoOp("nothing to do"), nil
		},
	}
	o := newTestOrchestrator(t, proc)

	a := activityfile.Activity{
		Type: "webhook-delivery", CreationTime: time.Now(), ID: "CCCCC",
		State: activityfile.StateToBeProcessed, Data: []byte(`{}`),
	}
	_, err := a.WriteFile(o.root)
	require.NoError(t, err)

	o.Tick(context.Background(), time.Now())
	mustDrain(t, o)

	for _, state := range activityfile.AllStates {
		entries, err := os.ReadDir(state.Dir(o.root))
		require.NoError(t, err)
		require.Empty(t, entries, "state %s should be empty after a no-op success", state)
	}
}

func TestProcessorPanicBecomesErrorDisposition(t *testing.T) {
	proc := &fakeProcessor{
		inputType: "webhook-delivery",
		execute: func(a activityfile.Activity, c processor.ActivityCreator) (processor.ExitState, error) {
			panic("boom")
		},
	}
	o := newTestOrchestrator(t, proc)

	a := activityfile.Activity{
		Type: "webhook-delivery", CreationTime: time.Now(), ID: "DDDDD",
		State: activityfile.StateToBeProcessed, Data: []byte(`{}`),
	}
	_, err := a.WriteFile(o.root)
	require.NoError(t, err)

	o.Tick(context.Background(), time.Now())
	mustDrain(t, o)

	entries, err := os.ReadDir(filepath.Join(o.root, "ERROR"))
	require.NoError(t, err)
	require.Len(t, entries, 2, "the activity file plus its per-activity log attachment")
}

func TestParallelismCapLimitsDispatch(t *testing.T) {
	started := make(chan struct{}, 10)
	release := make(chan struct{})
	proc := &fakeProcessor{
		inputType: "webhook-delivery",
		execute: func(a activityfile.Activity, c processor.ActivityCreator) (processor.ExitState, error) {
			started <- struct{}{}
			<-release
			return processor.Success(""), nil
		},
	}
	root := t.TempDir()
	writeFile(t, filepath.Join(root, processingCSVName),
		"activityType,workerID,parallelProcesses\nwebhook-delivery,worker-one,1\n")
	o, err := New(root, "worker-one", []Binding{{Processor: proc}})
	require.NoError(t, err)
	t.Cleanup(o.Close)

	for i, id := range []string{"EEEEE", "FFFFF"} {
		a := activityfile.Activity{
			Type: "webhook-delivery", CreationTime: time.Now().Add(time.Duration(i) * time.Second), ID: id,
			State: activityfile.StateToBeProcessed, Data: []byte(`{}`),
		}
		_, err := a.WriteFile(o.root)
		require.NoError(t, err)
	}

	o.Tick(context.Background(), time.Now())

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("expected exactly one task to start")
	}
	select {
	case <-started:
		t.Fatal("parallelism cap of 1 should not allow a second task to start concurrently")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	mustDrain(t, o)
}
