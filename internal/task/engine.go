package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/edusuite/coursescan/internal/classify"
	"github.com/edusuite/coursescan/internal/progress"
	"github.com/edusuite/coursescan/internal/ratelimit"
)

// EngineConfig holds configuration for the execution engine
type EngineConfig struct {
	// DefaultTimeout bounds task bodies that don't set their own timeout.
	DefaultTimeout time.Duration

	// Retention defines how long terminal executions stay queryable
	// before the janitor evicts them.
	Retention time.Duration

	// SweepInterval defines how often the janitor runs.
	// If zero, defaults to 5 minutes.
	SweepInterval time.Duration
}

// DefaultEngineConfig returns an EngineConfig with reasonable defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultTimeout: 10 * time.Minute,
		Retention:      30 * time.Minute,
		SweepInterval:  5 * time.Minute,
	}
}

// execution is the engine's record of one submitted task. Status fields
// are guarded by the engine mutex; the cancellation flag is atomic so
// task bodies can poll it without locking.
type execution struct {
	cfg        Config
	status     Status
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	result     *Result
	errInfo    *ErrorInfo

	cancelRequested atomic.Bool
	done            chan struct{}
}

// Snapshot is a point-in-time copy of an execution's state.
type Snapshot struct {
	ID         uuid.UUID  `json:"id"`
	Type       string     `json:"type"`
	Principal  string     `json:"principal"`
	CourseID   string     `json:"course_id"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Result     *Result    `json:"result,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// EngineStats counts executions per status.
type EngineStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Engine runs registered tasks asynchronously: each Submit spawns one
// goroutine that drives the execution through its lifecycle
// (pending -> running -> completed/failed/cancelled) with validation,
// optional hooks, a body timeout, and cooperative cancellation.
type Engine struct {
	registry    *Registry
	limiter     *ratelimit.Limiter
	broadcaster *progress.Broadcaster
	logger      *slog.Logger
	cfg         EngineConfig
	validate    *validator.Validate

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.RWMutex
	executions map[uuid.UUID]*execution
	stopped    bool
}

// NewEngine creates an execution engine over the given registry.
func NewEngine(registry *Registry, limiter *ratelimit.Limiter, broadcaster *progress.Broadcaster, cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		registry:    registry,
		limiter:     limiter,
		broadcaster: broadcaster,
		logger:      logger.With("component", "task_engine"),
		cfg:         cfg,
		validate:    validator.New(),
		ctx:         ctx,
		cancelFunc:  cancel,
		executions:  make(map[uuid.UUID]*execution),
	}
}

// Start launches the retention janitor.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.janitor()
}

// Stop cancels all running executions and waits for them to finish.
// Submit returns ErrEngineStopped afterwards.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.cancelFunc()
	e.wg.Wait()
}

// Submit records the execution and starts it in the background. The
// returned handle is immediately usable; an unknown task type or invalid
// config fails the execution rather than the submission, so callers
// observe every outcome through the same lifecycle.
func (e *Engine) Submit(cfg Config) (*Handle, error) {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}

	exec := &execution{
		cfg:       cfg,
		status:    StatusPending,
		createdAt: now,
		done:      make(chan struct{}),
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrEngineStopped
	}
	if _, exists := e.executions[cfg.ID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("task %s already submitted", cfg.ID)
	}
	e.executions[cfg.ID] = exec
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Info("task submitted",
		"task_id", cfg.ID,
		"task_type", cfg.Type,
		"principal", cfg.Principal,
		"course_id", cfg.CourseID)

	go e.run(exec)

	return &Handle{ID: cfg.ID, engine: e}, nil
}

// Get returns a snapshot of the execution with the given id.
func (e *Engine) Get(id uuid.UUID) (Snapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	exec, ok := e.executions[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshotLocked(exec), true
}

// List returns snapshots of all known executions, newest first.
func (e *Engine) List() []Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Snapshot, 0, len(e.executions))
	for _, exec := range e.executions {
		out = append(out, e.snapshotLocked(exec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel requests cooperative cancellation of a running execution. It
// returns false for unknown ids and executions already in a terminal
// state; repeated calls on the same running execution are harmless.
func (e *Engine) Cancel(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, ok := e.executions[id]
	if !ok || exec.status.Terminal() {
		return false
	}
	exec.cancelRequested.Store(true)
	e.logger.Info("task cancellation requested", "task_id", id)
	return true
}

// Stats counts executions per status.
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var st EngineStats
	for _, exec := range e.executions {
		switch exec.status {
		case StatusPending:
			st.Pending++
		case StatusRunning:
			st.Running++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// run drives one execution through its lifecycle. Terminal transitions
// are guarded so that exactly one of complete/fail/cancel takes effect
// no matter which path ends the run.
func (e *Engine) run(exec *execution) {
	defer e.wg.Done()
	defer e.finalize(exec)
	defer func() {
		if r := recover(); r != nil {
			e.fail(exec, &ExecutionError{
				Message: fmt.Sprintf("task lifecycle panicked: %v", r),
				Details: map[string]any{"stack": string(debug.Stack())},
			})
		}
	}()

	cfg := exec.cfg
	ctx := e.ctx

	e.setRunning(exec)
	tracker := newTracker(cfg.ID, cfg.Principal, e.broadcaster, e.limiter, &exec.cancelRequested, e.logger)
	tracker.Update(progress.StageInitializing, 0, 100, "starting "+cfg.Type)

	factory, ok := e.registry.Get(cfg.Type)
	if !ok {
		e.fail(exec, fmt.Errorf("%w: %q", ErrUnknownTaskType, cfg.Type))
		return
	}
	impl := factory()

	tracker.Update(progress.StageValidating, 10, 100, "validating configuration")
	if err := e.validate.Struct(cfg); err != nil {
		e.fail(exec, &ConfigError{Problems: validationProblems(err)})
		return
	}
	if vr := impl.Validate(cfg); !vr.Valid {
		e.fail(exec, &ConfigError{Problems: vr.Errors})
		return
	}

	if pre, ok := impl.(PreHook); ok {
		proceed, err := pre.PreExecute(ctx, cfg)
		if err != nil {
			e.fail(exec, fmt.Errorf("pre-execution hook: %w", err))
			return
		}
		if !proceed {
			e.logger.Info("pre-execution hook declined the run", "task_id", cfg.ID)
			e.complete(exec, &Result{
				TaskID:      cfg.ID,
				Type:        cfg.Type,
				StartedAt:   exec.startedAt,
				CompletedAt: time.Now().UTC(),
				Skipped:     true,
				Message:     "skipped by pre-execution hook",
			})
			return
		}
	}

	// First cancellation checkpoint: a request that arrived during
	// validation stops the run before any remote side effect.
	if exec.cancelRequested.Load() {
		e.markCancelled(exec, impl)
		return
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	result, err := e.runBody(ctx, impl, cfg, tracker, timeout)
	switch {
	case err == nil:
	case errors.Is(err, errBodyTimeout):
		// A deadline is not a cancellation, even if a cancel request
		// raced in: the run ended because of the budget.
		e.fail(exec, &TimeoutError{Timeout: timeout})
		return
	case errors.Is(err, context.Canceled):
		e.markCancelled(exec, impl)
		return
	default:
		if eh, ok := impl.(ErrorHook); ok {
			e.safeHook(cfg.ID, "error", func() { eh.OnError(ctx, cfg, err) })
		}
		e.fail(exec, err)
		return
	}

	// Second checkpoint: the body finished, but a cancel request during
	// it still wins over a completed result.
	if exec.cancelRequested.Load() {
		e.markCancelled(exec, impl)
		return
	}

	if post, ok := impl.(PostHook); ok {
		if adjusted := post.PostExecute(ctx, cfg, result); adjusted != nil {
			result = adjusted
		}
	}
	if result == nil {
		result = &Result{TaskID: cfg.ID, Type: cfg.Type, StartedAt: exec.startedAt}
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}

	tracker.Update(progress.StageCompleted, 100, 100, "task completed")
	e.complete(exec, result)
}

// errBodyTimeout marks a body that exceeded its deadline, so run can
// tell timeouts apart from cancellations and ordinary failures.
var errBodyTimeout = errors.New("task body deadline exceeded")

// runBody executes the task body under its own deadline. The body runs
// in a goroutine so a deadline fires even if the body ignores its
// context; a panicking body is converted into an ExecutionError.
func (e *Engine) runBody(parent context.Context, impl Task, cfg Config, tracker *Tracker, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: &ExecutionError{
					Message: fmt.Sprintf("task body panicked: %v", r),
					Details: map[string]any{"stack": string(debug.Stack())},
				}}
			}
		}()
		res, err := impl.Execute(ctx, cfg, tracker)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() != nil && parent.Err() == nil {
			return nil, errBodyTimeout
		}
		return out.res, out.err
	case <-ctx.Done():
		if parent.Err() == nil {
			return nil, errBodyTimeout
		}
		return nil, parent.Err()
	}
}

func (e *Engine) setRunning(exec *execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec.status = StatusRunning
	exec.startedAt = time.Now().UTC()
}

func (e *Engine) complete(exec *execution, result *Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if exec.status.Terminal() {
		return
	}
	exec.status = StatusCompleted
	exec.finishedAt = time.Now().UTC()
	exec.result = result

	e.logger.Info("task completed",
		"task_id", exec.cfg.ID,
		"task_type", exec.cfg.Type,
		"duration", exec.finishedAt.Sub(exec.startedAt),
		"findings", len(result.Findings),
		"skipped", result.Skipped)
}

func (e *Engine) fail(exec *execution, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if exec.status.Terminal() {
		return
	}
	exec.status = StatusFailed
	exec.finishedAt = time.Now().UTC()
	exec.errInfo = errorInfoFrom(err)

	e.logger.Error("task failed",
		"task_id", exec.cfg.ID,
		"task_type", exec.cfg.Type,
		"kind", exec.errInfo.Kind,
		"error", err)
}

func (e *Engine) markCancelled(exec *execution, impl Task) {
	if ch, ok := impl.(CancelHook); ok {
		e.safeHook(exec.cfg.ID, "cancel", func() { ch.OnCancel(e.ctx, exec.cfg) })
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if exec.status.Terminal() {
		return
	}
	exec.status = StatusCancelled
	exec.finishedAt = time.Now().UTC()

	e.logger.Info("task cancelled", "task_id", exec.cfg.ID, "task_type", exec.cfg.Type)
}

// finalize guarantees a terminal status and signals waiters. It runs
// exactly once per execution, after every other path has had its say.
func (e *Engine) finalize(exec *execution) {
	e.mu.Lock()
	if !exec.status.Terminal() {
		exec.status = StatusFailed
		exec.finishedAt = time.Now().UTC()
		exec.errInfo = &ErrorInfo{
			Message: "execution ended without a terminal status",
			Kind:    "execution_error",
		}
	}
	e.mu.Unlock()

	close(exec.done)
}

// safeHook runs a hook, logging and discarding panics and errors so a
// misbehaving hook cannot take the lifecycle down with it.
func (e *Engine) safeHook(id uuid.UUID, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task hook panicked", "task_id", id, "hook", name, "panic", r)
		}
	}()
	fn()
}

func (e *Engine) snapshotLocked(exec *execution) Snapshot {
	return Snapshot{
		ID:         exec.cfg.ID,
		Type:       exec.cfg.Type,
		Principal:  exec.cfg.Principal,
		CourseID:   exec.cfg.CourseID,
		Status:     exec.status,
		CreatedAt:  exec.createdAt,
		StartedAt:  exec.startedAt,
		FinishedAt: exec.finishedAt,
		Result:     exec.result,
		Error:      exec.errInfo,
	}
}

// janitor periodically evicts terminal executions older than the
// retention window, together with their progress history.
func (e *Engine) janitor() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.sweep(time.Now().UTC())
		}
	}
}

func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	var evicted []uuid.UUID
	for id, exec := range e.executions {
		if exec.status.Terminal() && now.Sub(exec.finishedAt) > e.cfg.Retention {
			delete(e.executions, id)
			evicted = append(evicted, id)
		}
	}
	e.mu.Unlock()

	for _, id := range evicted {
		if e.broadcaster != nil {
			e.broadcaster.ClearTask(id)
		}
	}
	if len(evicted) > 0 {
		e.logger.Debug("evicted finished tasks", "count", len(evicted))
	}
}

// errorInfoFrom maps an execution-ending error onto the terminal
// ErrorInfo exposed to callers.
func errorInfoFrom(err error) *ErrorInfo {
	var (
		cfgErr  *ConfigError
		timeErr *TimeoutError
		execErr *ExecutionError
		clsErr  *classify.Error
	)

	switch {
	case errors.As(err, &cfgErr):
		return &ErrorInfo{
			Message:     cfgErr.Error(),
			Kind:        "config_error",
			Recoverable: false,
			Details:     map[string]any{"problems": cfgErr.Problems},
		}
	case errors.As(err, &timeErr):
		return &ErrorInfo{
			Message:     timeErr.Error(),
			Kind:        "timeout",
			Recoverable: true,
		}
	case errors.As(err, &clsErr):
		msg := clsErr.UserMessage
		if msg == "" {
			msg = clsErr.Error()
		}
		return &ErrorInfo{
			Message:     msg,
			Kind:        string(clsErr.Kind),
			Recoverable: clsErr.Recoverable,
			Details:     map[string]any{"technical": clsErr.Technical},
		}
	case errors.As(err, &execErr):
		return &ErrorInfo{
			Message:     execErr.Message,
			Kind:        "execution_error",
			Recoverable: false,
			Details:     execErr.Details,
		}
	case errors.Is(err, ErrUnknownTaskType):
		return &ErrorInfo{
			Message:     err.Error(),
			Kind:        "unknown_task_type",
			Recoverable: false,
		}
	default:
		return &ErrorInfo{
			Message:     err.Error(),
			Kind:        "execution_error",
			Recoverable: false,
		}
	}
}

func validationProblems(err error) []string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, fmt.Sprintf("%s: failed %q validation", fe.Field(), fe.Tag()))
		}
		return out
	}
	return []string{err.Error()}
}

// Handle refers to one submitted execution.
type Handle struct {
	ID     uuid.UUID
	engine *Engine
}

// Done returns a channel closed when the execution reaches a terminal
// state.
func (h *Handle) Done() <-chan struct{} {
	h.engine.mu.RLock()
	exec, ok := h.engine.executions[h.ID]
	h.engine.mu.RUnlock()
	if !ok {
		// Already evicted; a closed channel keeps waiters from hanging.
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return exec.done
}

// Snapshot returns the execution's current state.
func (h *Handle) Snapshot() (Snapshot, bool) {
	return h.engine.Get(h.ID)
}

// Cancel requests cancellation of this execution.
func (h *Handle) Cancel() bool {
	return h.engine.Cancel(h.ID)
}
