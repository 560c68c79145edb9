package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/shiftplan/internal/remote"
	"github.com/ChuLiYu/shiftplan/internal/store"
	"github.com/ChuLiYu/shiftplan/pkg/types"
)

const dateLayout = "2006-01-02"

// ErrInvalidRange is the precondition failure of GenerateSchedules for an
// unparsable or inverted date range.
var ErrInvalidRange = errors.New("coordinator: invalid date range")

// Loading messages shown while intents run.
const (
	msgLoadingCatalog   = "Loading employees and activities"
	msgLoadingSchedules = "Loading schedules"
	msgPreparingModel   = "Preparing AI model"
	msgGenerating       = "Generating schedule"
	msgNoEmployees      = "No employees available. Load data before generating a schedule."
	msgInvalidRange     = "The selected date range is not valid."
)

func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrNoEmployees):
		return msgNoEmployees
	case errors.Is(err, ErrInvalidRange):
		return msgInvalidRange
	}
	return remote.UserMessage(err)
}

func (c *Coordinator) handle(env *envelope) {
	c.metrics.RecordIntent(env.intent.Kind())
	c.logger.Debug("coordinator.intent", "kind", env.intent.Kind(), "queued", len(c.queue))

	switch in := env.intent.(type) {
	case LoadInitialData:
		c.loadInitialData(env)
	case LoadSchedules:
		c.loadSchedules(env)
	case GenerateSchedules:
		c.generateSchedules(env, in)
	case UpdateShift:
		c.updateShift(env, in)
	case ToggleUnavailability:
		c.toggleUnavailability(env, in)
	case UpdateDemandConfig:
		c.updateDemandConfig(env, in)
	case LearnDemand:
		c.learnDemand(env)
	default:
		c.complete(env, Outcome{Err: fmt.Errorf("coordinator: unknown intent %T", in)})
	}
}

// ============================================================================
// 載入
// ============================================================================

func (c *Coordinator) loadInitialData(env *envelope) {
	c.setPhase(PhaseLoading, msgLoadingCatalog)
	c.emit()

	c.async(env, func(ctx context.Context) func() error {
		var (
			employees  []types.Employee
			activities []types.Activity
			demand     types.DemandConfig
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			employees, err = c.remote.FetchEmployees(gctx)
			return err
		})
		g.Go(func() error {
			var err error
			activities, err = c.remote.FetchActivities(gctx)
			return err
		})
		g.Go(func() error {
			var err error
			// FetchDemand answers the defaults alongside any error
			demand, err = c.remote.FetchDemand(gctx)
			if err != nil {
				c.logger.Warn("coordinator.demand.fetch_failed", "error", err)
			}
			return nil
		})
		err := g.Wait()

		return func() error {
			if err != nil {
				c.logger.Error("coordinator.load_initial.failed", "error", err)
				c.fail(err)
				return err
			}
			c.state.employees = employees
			c.state.activities = activities
			c.state.demand = demand
			c.logger.Info("coordinator.load_initial.done", "employees", len(employees), "activities", len(activities))

			c.startTrainingGate()
			c.enqueue(LoadSchedules{})
			return nil
		}
	})
}

// startTrainingGate runs the gate detached; progress shows up in snapshots
// but never changes the phase. The task reports through noteTraining so a
// worker never waits on the loop.
func (c *Coordinator) startTrainingGate() {
	err := c.runner.Go("training_gate", -1, func(ctx context.Context) error {
		res, err := c.remote.EnsureTrained(c.taskContext(ctx), c.noteTraining)
		c.noteTraining(res.Last)
		if err != nil {
			return err
		}
		c.logger.Info("coordinator.training_gate.done", "outcome", res.Outcome, "polls", res.Polls)
		return nil
	})
	if err != nil {
		c.logger.Warn("coordinator.training_gate.not_started", "error", err)
	}
}

// noteTraining records the newest status from the background gate and wakes
// the loop. Only the latest status is kept.
func (c *Coordinator) noteTraining(st types.TrainingStatus) {
	c.trainingMu.Lock()
	c.pendingTraining = &st
	c.trainingMu.Unlock()
	select {
	case c.trainingSig <- struct{}{}:
	default:
	}
}

func (c *Coordinator) foldTraining() {
	c.trainingMu.Lock()
	st := c.pendingTraining
	c.pendingTraining = nil
	c.trainingMu.Unlock()
	if st == nil {
		return
	}
	c.state.training = *st
	c.emit()
}

func (c *Coordinator) loadSchedules(env *envelope) {
	c.setPhase(PhaseLoading, msgLoadingSchedules)
	c.emit()

	today := c.cfg.Now()
	from := today.AddDate(0, 0, -c.cfg.HistoryDays).Format(dateLayout)
	to := today.Format(dateLayout)

	c.async(env, func(ctx context.Context) func() error {
		history, herr := c.remote.FetchPeriods(ctx, from, to)
		if herr != nil {
			c.logger.Warn("coordinator.history.fetch_failed", "from", from, "to", to, "error", herr)
		}

		subCtx, cancel := context.WithCancel(ctx)
		ch, first, err := c.subscribe(subCtx)
		if err != nil {
			cancel()
			return func() error {
				c.logger.Error("coordinator.subscribe.failed", "error", err)
				c.fail(err)
				return err
			}
		}

		return func() error {
			if herr == nil {
				c.state.history = history
			}
			gen := c.replaceSubscription(cancel)
			c.ioWg.Add(1)
			go c.forward(gen, ch)

			c.applyPush(first.Docs)
			c.setPhase(PhaseLoaded, "")
			c.emit()
			return nil
		}
	})
}

// subscribe opens a store subscription and waits for its first update.
func (c *Coordinator) subscribe(ctx context.Context) (<-chan store.Update, store.Update, error) {
	ch, err := c.store.Subscribe(ctx)
	if err != nil {
		return nil, store.Update{}, fmt.Errorf("subscribe: %w", err)
	}
	select {
	case u, ok := <-ch:
		if !ok {
			return nil, store.Update{}, fmt.Errorf("subscribe: %w", store.ErrClosed)
		}
		if u.Err != nil {
			return nil, store.Update{}, fmt.Errorf("subscribe: %w", u.Err)
		}
		return ch, u, nil
	case <-ctx.Done():
		return nil, store.Update{}, ctx.Err()
	}
}

// replaceSubscription cancels the previous subscription. Pushes tagged with
// an older generation are ignored.
func (c *Coordinator) replaceSubscription(cancel context.CancelFunc) uint64 {
	if c.subCancel != nil {
		c.subCancel()
	}
	c.subCancel = cancel
	c.subGen++
	return c.subGen
}

func (c *Coordinator) forward(gen uint64, ch <-chan store.Update) {
	defer c.ioWg.Done()
	for u := range ch {
		c.exec(func() { c.onPush(gen, u) })
	}
}

func (c *Coordinator) onPush(gen uint64, u store.Update) {
	if gen != c.subGen {
		return
	}
	if u.Err != nil {
		c.logger.Error("coordinator.subscription.failed", "error", u.Err)
		c.fail(u.Err)
		return
	}
	c.applyPush(u.Docs)
	// while an intent is loading, or after an error, the push only updates
	// the data; the phase belongs to the intent
	if c.state.phase == PhaseLoaded {
		c.emit()
	}
}

func (c *Coordinator) applyPush(docs []types.ScheduleDocument) {
	merged, ignored := reconcile(c.state.schedules, docs, c.cfg.RejectStalePushes)
	c.metrics.RecordStorePush(ignored > 0)
	if ignored > 0 {
		c.logger.Info("coordinator.push.stale_ignored", "slots", ignored)
	}
	c.state.schedules = merged
}

// ============================================================================
// 生成
// ============================================================================

func (c *Coordinator) generateSchedules(env *envelope, in GenerateSchedules) {
	if len(c.state.employees) == 0 {
		c.reject(env, &LocalPreconditionError{Intent: in.Kind(), Err: ErrNoEmployees})
		return
	}
	required, err := requiredShifts(in.Start, in.End, c.state.demand, shiftTemplate{From: c.cfg.ShiftStart, To: c.cfg.ShiftEnd, Role: c.cfg.ShiftRole})
	if err != nil {
		c.reject(env, &LocalPreconditionError{Intent: in.Kind(), Err: err})
		return
	}

	req := types.GenerateRequest{
		StartDate:        in.Start,
		EndDate:          in.End,
		Employees:        cloneEmployees(c.state.employees),
		Activities:       cloneSlice(c.state.activities),
		RequiredShifts:   required,
		Unavailabilities: c.state.overlay.List(),
		Constraints:      types.Constraints{MinRestHours: c.cfg.MinRestHours},
	}
	start, _ := time.Parse(dateLayout, in.Start)
	historyFrom := start.AddDate(0, 0, -c.cfg.HistoryDays).Format(dateLayout)
	historyTo := start.AddDate(0, 0, -1).Format(dateLayout)

	c.setPhase(PhaseLoading, msgPreparingModel)
	c.emit()

	c.async(env, func(ctx context.Context) func() error {
		gate, err := c.remote.EnsureTrained(ctx, func(st types.TrainingStatus) {
			c.exec(func() {
				c.state.training = st
				if c.state.phase == PhaseLoading {
					c.state.message = trainingMessage(st)
				}
				c.emit()
			})
		})
		if err != nil {
			return c.failed(err)
		}
		if gate.Outcome == remote.GateDegraded {
			c.logger.Warn("coordinator.generate.gate_degraded", "polls", gate.Polls, "status", gate.Last.Status)
		}
		c.exec(func() {
			c.state.training = gate.Last
			c.setPhase(PhaseLoading, msgGenerating)
			c.emit()
		})

		res, err := c.remote.Generate(ctx, req)
		if err != nil {
			return c.failed(err)
		}
		defer c.remote.Release(res.JobID)

		doc, err := c.store.Upsert(ctx, types.ScheduleDocument{Slot: types.DefaultSlot, Schedule: res.Shifts})
		if err != nil {
			return c.failed(fmt.Errorf("persist schedule: %w", err))
		}

		history, herr := c.remote.FetchPeriods(ctx, historyFrom, historyTo)
		if herr != nil {
			c.logger.Warn("coordinator.history.fetch_failed", "from", historyFrom, "to", historyTo, "error", herr)
		}

		c.logger.Info("coordinator.generate.done",
			"job_id", res.JobID, "polls", res.Polls, "shifts", len(doc.Schedule), "version", doc.Version)
		return func() error {
			c.state.schedules = upsertDoc(c.state.schedules, doc)
			if herr == nil {
				c.state.history = history
			}
			c.setPhase(PhaseLoaded, "")
			c.emit()
			return nil
		}
	})
}

// failed is the apply step of an intent whose I/O failed.
func (c *Coordinator) failed(err error) func() error {
	return func() error {
		c.logger.Error("coordinator.intent.failed", "error", err)
		c.fail(err)
		return err
	}
}

// reject turns a precondition failure into an Error snapshot without I/O.
func (c *Coordinator) reject(env *envelope, err error) {
	c.logger.Warn("coordinator.intent.rejected", "error", err)
	c.fail(err)
	c.complete(env, Outcome{Err: err})
}

func trainingMessage(st types.TrainingStatus) string {
	if st.Message != "" {
		return fmt.Sprintf("Training %s (%.0f%%): %s", st.Phase, st.Progress*100, st.Message)
	}
	return fmt.Sprintf("Training %s (%.0f%%)", st.Phase, st.Progress*100)
}

// DefaultShiftRole is the role requested for generated demand entries.
const DefaultShiftRole = "worker"

// shiftTemplate is the time window and role of every demand entry.
type shiftTemplate struct {
	From, To string
	Role     string
}

// requiredShifts expands the weekday and weekend targets over [start, end]
// into one entry per shift to fill, with ids s_<date>_<n> counted from 1.
// Days with a zero target get no entries.
func requiredShifts(start, end string, demand types.DemandConfig, tmpl shiftTemplate) ([]types.RequiredShift, error) {
	s, err := time.Parse(dateLayout, start)
	if err != nil {
		return nil, fmt.Errorf("%w: start %q", ErrInvalidRange, start)
	}
	e, err := time.Parse(dateLayout, end)
	if err != nil {
		return nil, fmt.Errorf("%w: end %q", ErrInvalidRange, end)
	}
	if e.Before(s) {
		return nil, fmt.Errorf("%w: %s is before %s", ErrInvalidRange, end, start)
	}

	out := []types.RequiredShift{}
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		count := demand.WeekdayTarget
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			count = demand.WeekendTarget
		}
		date := d.Format(dateLayout)
		for n := 1; n <= count; n++ {
			out = append(out, types.RequiredShift{
				ID:        fmt.Sprintf("s_%s_%d", date, n),
				Date:      date,
				StartTime: tmpl.From,
				EndTime:   tmpl.To,
				Role:      tmpl.Role,
			})
		}
	}
	return out, nil
}

// ============================================================================
// 本地修改
// ============================================================================

func (c *Coordinator) updateShift(env *envelope, in UpdateShift) {
	if c.state.phase != PhaseLoaded {
		err := &LocalPreconditionError{Intent: in.Kind(), Err: ErrNotLoaded}
		c.logger.Warn("coordinator.intent.rejected", "error", err, "phase", c.state.phase)
		c.complete(env, Outcome{Err: err})
		return
	}

	docs, idx, before, after, ok := moveShift(c.state.schedules, c.state.employees, in.ShiftID, in.NewDate, in.NewEmployeeID)
	c.metrics.RecordShiftMove(ok)
	if !ok {
		c.logger.Warn("coordinator.move.not_found", "shift_id", in.ShiftID)
		c.state.lastMove = MoveNotFound
		c.emit()
		c.complete(env, Outcome{Move: MoveNotFound})
		return
	}

	c.state.schedules = docs
	c.state.lastMove = MoveApplied
	c.emit()
	c.logger.Info("coordinator.move.applied",
		"shift_id", in.ShiftID, "from", before.EmployeeID, "to", after.EmployeeID, "date", after.Date)

	c.persistMove(docs[idx].Clone(), before, after)
	c.complete(env, Outcome{Move: MoveApplied})
}

// persistMove hands the follow-up writes to the background runner. None of
// them can change the session.
func (c *Coordinator) persistMove(doc types.ScheduleDocument, before, after types.Shift) {
	rec := types.FeedbackRecord{
		ID:         uuid.NewString(),
		Action:     "select",
		SelectedID: after.EmployeeID,
		RejectedID: before.EmployeeID,
		ShiftData:  after,
		CreatedAt:  c.cfg.Now().UTC(),
	}

	tasks := []struct {
		kind string
		run  func(ctx context.Context) error
	}{
		{"persist_schedule", func(ctx context.Context) error {
			_, err := c.store.Upsert(ctx, doc)
			return err
		}},
		{"feedback", func(ctx context.Context) error {
			return c.store.AppendFeedback(ctx, rec)
		}},
		{"retrain", func(ctx context.Context) error {
			_, err := c.remote.TriggerRetrain(ctx)
			return err
		}},
	}
	for _, t := range tasks {
		run := t.run
		err := c.runner.Go(t.kind, c.cfg.TaskTimeout, func(ctx context.Context) error {
			return run(c.taskContext(ctx))
		})
		if err != nil {
			c.metrics.RecordBackgroundTask(t.kind, err)
			c.logger.Warn("coordinator.background.not_started", "kind", t.kind, "error", err)
		}
	}
}

func (c *Coordinator) toggleUnavailability(env *envelope, in ToggleUnavailability) {
	next, added := c.state.overlay.Toggle(in.EmployeeID, in.Date)
	c.state.overlay = next
	c.logger.Debug("coordinator.unavailability.toggled", "employee_id", in.EmployeeID, "date", in.Date, "added", added)

	c.setPhase(PhaseLoaded, "")
	c.emit()
	c.complete(env, Outcome{})
}

func (c *Coordinator) updateDemandConfig(env *envelope, in UpdateDemandConfig) {
	c.state.demand = in.Config
	c.setPhase(PhaseLoaded, "")
	c.emit()
	c.complete(env, Outcome{})
}

// learnDemand applies the learned targets in place. A failure keeps the
// current config and is reported only in the outcome.
func (c *Coordinator) learnDemand(env *envelope) {
	c.async(env, func(ctx context.Context) func() error {
		cfg, err := c.remote.LearnDemand(ctx)
		return func() error {
			if err != nil {
				c.logger.Warn("coordinator.learn_demand.failed", "error", err)
			} else {
				c.state.demand = cfg
				c.logger.Info("coordinator.learn_demand.done",
					"weekday", cfg.WeekdayTarget, "weekend", cfg.WeekendTarget)
			}
			c.setPhase(PhaseLoaded, "")
			c.emit()
			return err
		}
	})
}
