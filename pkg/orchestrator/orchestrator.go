// Package orchestrator implements the ring-master's control loop: the
// per-ring-kind gated state machine that throttles disruptive rebalances,
// converges device weights toward operator-declared targets in bounded
// steps, and publishes new artifacts only when every gate passes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/pandemicsyn/ring-master/pkg/config"
	"github.com/pandemicsyn/ring-master/pkg/dispersion"
	"github.com/pandemicsyn/ring-master/pkg/log"
	"github.com/pandemicsyn/ring-master/pkg/metrics"
	"github.com/pandemicsyn/ring-master/pkg/ringfile"
	"github.com/rs/zerolog"
)

// Distinct write-failure sentinels (spec §9 open question: the Python
// original logs the same "Error writing builder" message for both the
// write-builder and write-ring exception paths; this implementation
// reports which artifact actually failed).
var (
	ErrWriteBuilderFailed = errors.New("writing builder failed")
	ErrWriteRingFailed    = errors.New("writing ring failed")
)

// outcome labels a completed pass for logging and metrics.
type outcome string

const (
	outcomeNoop            outcome = "noop"
	outcomeGateMinPartHrs  outcome = "gate_min_part_hours"
	outcomeGateModifyTime  outcome = "gate_min_modify_time"
	outcomeGateDispersion  outcome = "gate_dispersion"
	outcomeRebalanceNoop   outcome = "rebalance_noop"
	outcomePublished       outcome = "published"
	outcomePublishFailed   outcome = "publish_failed"
	outcomeLoadFailed      outcome = "load_failed"
)

// Orchestrator drives every configured ring kind toward its declared
// targets, one ring kind at a time (spec §5: no parallelism across kinds).
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	notifier Notifier
	logger   zerolog.Logger
	stopCh   chan struct{}

	// Seams overridable by tests.
	loadBuilder   func(path string) (ringfile.Builder, error)
	runDispersion func(ctx context.Context, cmd string, kind ringfile.RingKind) (dispersion.Report, error)
	lockParent    func(path string, timeout time.Duration) (func(), error)
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration)
}

// New builds an Orchestrator from cfg. notifier may be nil, in which case
// notifications are discarded.
func New(cfg config.OrchestratorConfig, notifier Notifier) *Orchestrator {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Orchestrator{
		cfg:           cfg,
		notifier:      notifier,
		logger:        log.WithComponent("orchestrator"),
		stopCh:        make(chan struct{}),
		loadBuilder:   ringfile.LoadBuilder,
		runDispersion: dispersion.Run,
		lockParent:    ringfile.LockParent,
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Stop signals Run's outer loop to exit after its current iteration.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
}

// Run enters the orchestration loop and blocks until ctx is cancelled or
// Stop is called. Every error is caught and logged, and the loop continues
// after a 60-second cooldown (spec §5: "outer orchestrator errors sleep 60
// seconds before the next cycle to avoid spin"); a lock timeout only ends
// the current iteration, without the 60-second cooldown.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info().Msg("entering ring orchestration loop")
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		default:
		}

		o.runOuterIteration(ctx)
		o.sleep(ctx, time.Second)
	}
}

// runOuterIteration runs one pass over every configured ring kind,
// sequentially, honoring the pause file before each side-effecting step.
func (o *Orchestrator) runOuterIteration(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Msg("orchestration error")
			o.sleep(ctx, 60*time.Second)
		}
	}()

	o.waitForPause(ctx)

	for _, kind := range ringfile.AllKinds {
		disruptive, oc, err := o.processRingKind(ctx, kind)
		if err != nil {
			if errors.Is(err, ringfile.ErrLockTimeout) {
				metrics.LockTimeoutsTotal.WithLabelValues(string(kind)).Inc()
				o.logger.Error().Err(err).Str("ring_kind", string(kind)).Msg("lock timeout acquiring parent directory lock")
				return
			}
			o.logger.Error().Err(err).Str("ring_kind", string(kind)).Msg("orchestration error")
			metrics.OrchestrationCyclesTotal.WithLabelValues(string(kind), string(outcomeLoadFailed)).Inc()
			o.sleep(ctx, 60*time.Second)
			return
		}

		metrics.OrchestrationCyclesTotal.WithLabelValues(string(kind), string(oc)).Inc()
		if disruptive {
			o.sleep(ctx, time.Duration(o.cfg.ChangeInterval)*time.Second)
		} else {
			o.sleep(ctx, time.Duration(o.cfg.Interval)*time.Second)
		}
	}
}

// processRingKind acquires the ring kind's parent-directory lock and runs
// one orchestration pass under it.
func (o *Orchestrator) processRingKind(ctx context.Context, kind ringfile.RingKind) (disruptive bool, oc outcome, err error) {
	builderPath := config.BuilderPath(o.cfg.Swiftdir, string(kind))

	waitStart := o.now()
	unlock, err := o.lockParent(builderPath, time.Duration(o.cfg.LockTimeout)*time.Second)
	metrics.LockWaitDuration.WithLabelValues(string(kind)).Observe(o.now().Sub(waitStart).Seconds())
	if err != nil {
		return false, outcomeLoadFailed, err
	}
	defer unlock()

	return o.orchestrationPass(ctx, kind)
}

// orchestrationPass runs the ten-state per-cycle machine of spec §4.2.2 for
// one ring kind.
func (o *Orchestrator) orchestrationPass(ctx context.Context, kind ringfile.RingKind) (disruptive bool, oc outcome, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OrchestrationCycleDuration, string(kind))

	o.waitForPause(ctx)

	logger := o.logger.With().Str("ring_kind", string(kind)).Logger()
	logger.Debug().Msg("checking ring")

	builderPath := config.BuilderPath(o.cfg.Swiftdir, string(kind))
	ringPath := config.RingPath(o.cfg.Swiftdir, string(kind))

	// 1. LOAD
	builder, err := o.loadBuilder(builderPath)
	if err != nil {
		return false, outcomeLoadFailed, fmt.Errorf("load builder %s: %w", builderPath, err)
	}

	// 2. NEED-CHANGE?
	if !o.ringRequiresChange(builder, logger) {
		logger.Info().Msg("no ring change required")
		return false, outcomeNoop, nil
	}
	logger.Info().Msg("ring requires weight change")

	// 3. MIN-PART-HOURS
	if o.cfg.MinPartHoursCheck {
		o.waitForPause(ctx)
		if !o.minPartHoursOK(builder, logger) {
			logger.Info().Msg("min_part_hours gate: not ready")
			return false, outcomeGateMinPartHrs, nil
		}
		logger.Info().Msg("min_part_hours gate: ok")
	}

	// 4. MIN-MODIFY-TIME
	o.waitForPause(ctx)
	if !o.minModifyTimeOK(builderPath, logger) {
		logger.Info().Msg("min_modify_time gate: not ready")
		return false, outcomeGateModifyTime, nil
	}
	logger.Info().Msg("min_modify_time gate: ok")

	// 5. DISPERSION
	o.waitForPause(ctx)
	if !o.dispersionOK(ctx, kind, logger) {
		logger.Info().Msg("dispersion gate: not ready")
		metrics.DispersionGateFailuresTotal.WithLabelValues(string(kind)).Inc()
		return false, outcomeGateDispersion, nil
	}
	logger.Info().Msg("dispersion gate: ok")

	// 6. BALANCE-BRANCH / 7. ADJUST / 8. REBALANCE
	o.waitForPause(ctx)
	balanceOK := builder.GetBalance() <= o.cfg.BalanceThreshold
	metrics.RingBalance.WithLabelValues(string(kind)).Set(builder.GetBalance())
	if balanceOK {
		logger.Info().Msg("current ring balance: ok, adjusting")
		o.adjustDevices(builder, kind)
	} else {
		logger.Info().Msg("current ring balance: not ok, rebalancing without adjustment")
	}

	devsChangedBefore := builder.DevsChanged()
	lastBalance := builder.GetBalance()
	partsMoved, newBalance, rebalErr := builder.Rebalance()
	if rebalErr != nil {
		logger.Error().Err(rebalErr).Msg("rebalance failed")
		return true, outcomeRebalanceNoop, nil
	}
	rebalanced := partsMoved > 0 && (devsChangedBefore || math.Abs(lastBalance-newBalance) >= 1)
	if !rebalanced {
		logger.Info().Msg("rebalance: no-op")
		return true, outcomeRebalanceNoop, nil
	}
	logger.Info().Int("parts_moved", partsMoved).Float64("new_balance", newBalance).Msg("rebalance: ok")
	metrics.RebalancesTotal.WithLabelValues(string(kind)).Inc()
	metrics.PartsMovedTotal.WithLabelValues(string(kind)).Add(float64(partsMoved))
	metrics.RingBalance.WithLabelValues(string(kind)).Set(newBalance)

	// 9. PUBLISH
	o.waitForPause(ctx)
	if err := o.publish(builder, kind, builderPath, ringPath, logger); err != nil {
		metrics.PublishFailuresTotal.WithLabelValues(string(kind), "builder_or_ring").Inc()
		logger.Error().Err(err).Msg("publish failed")
		return true, outcomePublishFailed, nil
	}

	return true, outcomePublished, nil
}

// ringRequiresChange implements spec §4.2.2 state 2.
func (o *Orchestrator) ringRequiresChange(builder ringfile.Builder, logger zerolog.Logger) bool {
	if builder.DevsChanged() {
		return true
	}
	if builder.GetBalance() > o.cfg.BalanceThreshold {
		return true
	}
	for _, d := range builder.Devs() {
		if d.NeedsAdjust() {
			logger.Debug().
				Int("device_id", d.ID).
				Float64("weight", d.Weight).
				Float64("target_weight", *d.TargetWeight).
				Msg("device weight differs from target")
			return true
		}
	}
	return false
}

// minPartHoursOK implements spec §4.2.2 state 3.
func (o *Orchestrator) minPartHoursOK(builder ringfile.Builder, logger zerolog.Logger) bool {
	elapsedHours := int(o.now().Unix()-builder.LastPartMovesEpoch()) / 3600
	logger.Debug().Int("elapsed_hours", elapsedHours).Msg("partitions last moved")
	return elapsedHours > builder.MinPartHours()
}

// minModifyTimeOK implements spec §4.2.2 state 4.
func (o *Orchestrator) minModifyTimeOK(builderPath string, logger zerolog.Logger) bool {
	info, err := os.Stat(builderPath)
	if err != nil {
		logger.Error().Err(err).Msg("stat builder file failed")
		return false
	}
	sinceModified := o.now().Sub(info.ModTime())
	logger.Debug().Dur("since_modified", sinceModified).Msg("builder file last modified")
	return sinceModified.Seconds() > float64(o.cfg.MinSecondsSinceChange)
}

// dispersionOK implements spec §4.2.2 state 5. Account rings pass
// unconditionally.
func (o *Orchestrator) dispersionOK(ctx context.Context, kind ringfile.RingKind, logger zerolog.Logger) bool {
	if kind == ringfile.Account {
		return true
	}
	report, err := o.runDispersion(ctx, o.cfg.DispersionCmd, kind)
	if err != nil {
		logger.Error().Err(err).Msg("dispersion report failed")
		return false
	}
	minPct := o.cfg.ContainerMinPct
	if kind == ringfile.Object {
		minPct = o.cfg.ObjectMinPct
	}
	metrics.DispersionPctFound.WithLabelValues(string(kind)).Set(report.PctFound)
	return dispersion.GateOK(report, minPct)
}

// adjustDevices implements spec §4.2.2 state 7.
func (o *Orchestrator) adjustDevices(builder ringfile.Builder, kind ringfile.RingKind) {
	for _, d := range builder.Devs() {
		if d == nil || !d.Managed() {
			continue
		}
		if d.Weight == *d.TargetWeight {
			continue
		}
		before := d.Weight
		d.Step(o.cfg.DefaultWeightShift)
		builder.SetDevWeight(d.ID, d.Weight)
		metrics.DeviceWeightShift.WithLabelValues(string(kind), fmt.Sprintf("%d", d.ID)).Set(math.Abs(d.Weight - before))
	}
}

// publish implements spec §4.2.2 state 9: write the builder file, then the
// ring file, backing up each existing file before the commit rename.
func (o *Orchestrator) publish(builder ringfile.Builder, kind ringfile.RingKind, builderPath, ringPath string, logger zerolog.Logger) error {
	if _, err := os.Stat(builderPath); err == nil {
		backupPath, backupDigest, err := ringfile.Backup(builderPath, o.cfg.BackupDir)
		if err != nil {
			return fmt.Errorf("%w: backup: %v", ErrWriteBuilderFailed, err)
		}
		logger.Info().Str("backup", backupPath).Str("digest", backupDigest).Msg("backed up builder file")
	}
	if err := ringfile.PublishAtomic(builderPath, 0o644, func(tmpPath string) error {
		return builder.Save(tmpPath)
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteBuilderFailed, err)
	}
	builderDigest, err := ringfile.Digest(builderPath)
	if err != nil {
		return fmt.Errorf("%w: digest builder: %v", ErrWriteBuilderFailed, err)
	}
	logger.Info().Str("digest", builderDigest).Msg("wrote new builder")
	metrics.PublishesTotal.WithLabelValues(string(kind), "builder").Inc()

	if _, err := os.Stat(ringPath); err == nil {
		backupPath, backupDigest, err := ringfile.Backup(ringPath, o.cfg.BackupDir)
		if err != nil {
			return fmt.Errorf("%w: backup: %v", ErrWriteRingFailed, err)
		}
		logger.Info().Str("backup", backupPath).Str("digest", backupDigest).Msg("backed up ring file")
	}

	ring := builder.GetRing()
	if err := ringfile.PublishAtomic(ringPath, 0o644, func(tmpPath string) error {
		if err := ring.Save(tmpPath); err != nil {
			return err
		}
		if !ringfile.ValidateRing(tmpPath) {
			return fmt.Errorf("ring validation failed")
		}
		return nil
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteRingFailed, err)
	}
	ringDigest, err := ringfile.Digest(ringPath)
	if err != nil {
		return fmt.Errorf("%w: digest ring: %v", ErrWriteRingFailed, err)
	}
	logger.Info().Str("digest", ringDigest).Msg("wrote new ring")
	metrics.PublishesTotal.WithLabelValues(string(kind), "ring").Inc()

	o.notifier.Notify(fmt.Sprintf("%s ring change", kind), fmt.Sprintf("wrote new ring with md5: %s", ringDigest))
	return nil
}

// waitForPause blocks, polling at 1 Hz, while the configured pause file
// exists (spec §4.2.3). It never releases any lock already held by the
// caller.
func (o *Orchestrator) waitForPause(ctx context.Context) {
	if o.cfg.PauseFile == "" {
		return
	}
	if _, err := os.Stat(o.cfg.PauseFile); err != nil {
		return
	}
	o.logger.Info().Msg("pause file found, pausing orchestration")
	metrics.PausedGauge.Set(1)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := os.Stat(o.cfg.PauseFile); err != nil {
			break
		}
		o.sleep(ctx, time.Second)
	}
	metrics.PausedGauge.Set(0)
	o.logger.Info().Msg("pause removed, resuming orchestration")
}
