// Package trainer orchestrates epochs and minibatches over lstm.Core,
// reporting progress, trimming process memory back down between steps,
// and watching for swap-file leaks — the supervisory loop spec §6
// assumes sits above the zero-RAM training core.
package trainer

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/dayson/ztrain/adam"
	"github.com/dayson/ztrain/dataset"
	"github.com/dayson/ztrain/errs"
	"github.com/dayson/ztrain/eventsink"
	"github.com/dayson/ztrain/lstm"
	"github.com/dayson/ztrain/mathengine"
	"github.com/dayson/ztrain/modelcatalog"
	"github.com/dayson/ztrain/swapstore"
	"github.com/dayson/ztrain/syncguard"
	"github.com/dayson/ztrain/tensorstore"
)

// syncEveryNBatches is how often, in training batches, the trainer
// requests a command-queue drain and host memory probe (spec §4.9 step
// 2 "every N batches (default 10)").
const syncEveryNBatches = 10

// memTrimThresholdBytes is the RSS level a periodic probe must exceed
// before a forced GC + FreeOSMemory is even considered (spec §4.9's
// "trim threshold (default ~2000 MiB)").
const memTrimThresholdBytes = 2000 << 20

// minGrowthForTrim is how much RSS must have grown since the last trim's
// baseline before a forced trim actually runs (spec §4.9 "grew by >= 1
// GiB since last trim").
const minGrowthForTrim = 1 << 30

// leakCheckInterval is how often the background leak detector polls the
// swap directory for files that should have been deleted by CLEANUP.
const leakCheckInterval = 5 * time.Second

// Trainer drives epochs of training and periodic validation over one
// lstm.Core, persisting the weight catalog between epochs so a crash
// loses at most one epoch's progress.
type Trainer struct {
	core      *lstm.Core
	catalog   *lstm.WeightCatalog
	store     *tensorstore.Store
	swap      *swapstore.Store
	engine    mathengine.Engine
	opt       *adam.Optimizer
	data      *dataset.Service
	sink      eventsink.Sink
	cfg       lstm.Config
	sessionID string

	guard       *syncguard.Guard
	hasGuard    bool
	baselineRSS uint64
}

// Option configures a Trainer at construction.
type Option func(*Trainer)

// WithSink overrides the default eventsink (nop).
func WithSink(sink eventsink.Sink) Option {
	return func(t *Trainer) { t.sink = sink }
}

// New wires a Trainer over an already-initialized weight catalog and
// dataset.
func New(core *lstm.Core, catalog *lstm.WeightCatalog, store *tensorstore.Store, swap *swapstore.Store, engine mathengine.Engine, opt *adam.Optimizer, data *dataset.Service, cfg lstm.Config, sessionID string, opts ...Option) *Trainer {
	guard, hasGuard := mathengine.SyncGuardOf(engine)
	t := &Trainer{
		core: core, catalog: catalog, store: store, swap: swap,
		engine: engine, opt: opt, data: data, cfg: cfg,
		sessionID: sessionID, sink: eventsink.NopSink{},
		guard: guard, hasGuard: hasGuard, baselineRSS: residentSetBytes(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// RunEpochs trains for epochCount epochs over the dataset's training
// split, running validation and a catalog checkpoint after each one.
// stopCh, when non-nil and closed, ends training after the in-flight
// batch completes.
func (t *Trainer) RunEpochs(epochCount int, checkpointPath string, stopCh <-chan struct{}) error {
	leakDone := make(chan struct{})
	go t.watchForLeaks(leakDone)
	defer close(leakDone)

	for epoch := 1; epoch <= epochCount; epoch++ {
		select {
		case <-stopCh:
			return nil
		default:
		}

		loaded, err := lstm.LoadWeights(t.store, t.engine, t.catalog)
		if err != nil {
			return err
		}

		trainLoss, err := t.runSplit(epoch, loaded, t.data.TrainOffsets(), true)
		if err != nil {
			loaded.Release()
			return err
		}

		if err := loaded.Persist(t.store, t.catalog); err != nil {
			loaded.Release()
			return err
		}

		validLoss, err := t.runSplit(epoch, loaded, t.data.ValidationOffsets(), false)
		loaded.Release()
		if err != nil {
			return err
		}

		t.report(epoch, trainLoss, validLoss)

		env := modelcatalog.FromCatalog(t.sessionID, t.cfg, t.catalog)
		if err := modelcatalog.Save(checkpointPath, env); err != nil {
			return err
		}
	}
	return nil
}

// runSplit iterates offsets (each one a batch block of `batch` pairs),
// running TrainSequence over every pair when train is true and a plain
// forward-pass loss evaluation otherwise. During training, every
// syncEveryNBatches blocks triggers maybeTrim (spec §4.9 step 2).
func (t *Trainer) runSplit(epoch int, loaded *lstm.Loaded, offsets []int64, train bool) (float64, error) {
	if len(offsets) == 0 {
		return 0, nil
	}
	var total float64
	var pairCount int
	for batchIdx, offset := range offsets {
		shard, err := t.data.LoadBatch(offset)
		if err != nil {
			return 0, err
		}
		for _, pair := range shard.Pairs {
			if train {
				loss, err := t.core.TrainSequence(t.catalog, loaded, t.opt, pair.X, pair.Y)
				if err != nil {
					return 0, errs.New("trainer.run_split", errs.Unknown, err)
				}
				total += loss
			} else {
				fwd, err := t.core.Forward(loaded, "h_state", "c_state", pair.X, pair.Y)
				if err != nil {
					return 0, err
				}
				total += fwd.Loss
				for _, p := range fwd.SwapPaths() {
					if p != "" {
						t.swap.Delete(p)
					}
				}
			}
			pairCount++
		}
		if train && (batchIdx+1)%syncEveryNBatches == 0 {
			t.maybeTrim()
		}
	}
	if pairCount == 0 {
		return 0, nil
	}
	return total / float64(pairCount), nil
}

// maybeTrim implements spec §4.9 step 2's periodic maintenance: drain the
// command queue (if the engine has one), probe host RSS, and only force a
// GC/compaction when RSS both exceeds the trim threshold and has grown by
// at least minGrowthForTrim since the last recorded baseline.
func (t *Trainer) maybeTrim() {
	if t.hasGuard {
		if err := t.guard.SynchronizeBeforeRead("trainer.periodic_sync"); err != nil {
			t.sink.Event(eventsink.LevelWarn, "trainer: periodic sync failed", "err", err.Error())
		}
	}
	rss := residentSetBytes()
	if rss > memTrimThresholdBytes && rss >= t.baselineRSS+minGrowthForTrim {
		runtime.GC()
		debug.FreeOSMemory()
		t.sink.Event(eventsink.LevelDebug, "trainer: memory trim", "rss_bytes", rss, "baseline_bytes", t.baselineRSS)
		t.baselineRSS = rss
	}
}

// report renders one epoch's summary as a tablewriter table on stdout.
func (t *Trainer) report(epoch int, trainLoss, validLoss float64) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"EPOCH", "TRAIN LOSS", "VALID LOSS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.Append([]string{
		fmt.Sprintf("%d", epoch),
		fmt.Sprintf("%.4f", trainLoss),
		fmt.Sprintf("%.4f", validLoss),
	})
	table.Render()
}

// watchForLeaks polls the swap directory on an interval and logs a
// warning whenever a poll finds any swap files. Polls are not aligned with
// step boundaries, so a poll that lands inside a training step also counts
// that step's live activations, not only files CLEANUP failed to delete.
func (t *Trainer) watchForLeaks(done <-chan struct{}) {
	ticker := time.NewTicker(leakCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			count, err := t.swap.Count()
			if err != nil {
				continue
			}
			if count > 0 {
				t.sink.Event(eventsink.LevelWarn, "trainer: swap files present at leak check", "count", count)
			}
		}
	}
}
