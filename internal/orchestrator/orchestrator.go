// Package orchestrator runs the recording session state machine: it checks prerequisites,
// starts and stops recorders with partial-failure semantics, persists the session record,
// and keeps optional recorders alive with a periodic health loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/clock"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/clocksync"
	policydomain "github.com/uclgsr/hellobellohellobello-sub002/internal/policy/domain"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/policy/engine"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/pubsub"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/recorder"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/session/domain"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/session/repository"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry"
	telemetrydomain "github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/domain"
	telemetryotel "github.com/uclgsr/hellobellohellobello-sub002/internal/telemetry/otel"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/validation"
)

const eventSource = "orchestrator"

// Config holds the orchestrator's tunables. Zero values take the documented defaults.
type Config struct {
	// ArtifactRoot is the directory under which <session id>/<recorder name> locations are created.
	ArtifactRoot string
	DeviceID     string
	// MinStorageBytes defaults to 100 MiB.
	MinStorageBytes     uint64
	RequiredPermissions []string
	// HealthCheckInterval defaults to 5s.
	HealthCheckInterval time.Duration
	// MaxRecoveryAttempts defaults to 3. Negative disables recovery.
	MaxRecoveryAttempts int
	// RecoveryDelay defaults to 2s.
	RecoveryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinStorageBytes == 0 {
		c.MinStorageBytes = 100 << 20
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 5 * time.Second
	}
	if c.MaxRecoveryAttempts == 0 {
		c.MaxRecoveryAttempts = 3
	}
	if c.MaxRecoveryAttempts < 0 {
		c.MaxRecoveryAttempts = 0
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = 2 * time.Second
	}
	return c
}

// SessionValidator checks a finished session's artifacts. The report is advisory.
type SessionValidator interface {
	Validate(ctx context.Context, sessionID, location string, recorders []validation.Expectation) *domain.ValidationReport
}

// ClockSource exposes the clock-sync state recorded on a finished session.
type ClockSource interface {
	Stats() clocksync.Stats
	IsSyncAccurate() bool
}

// Deps are the collaborators an Orchestrator needs. Store is required; the rest are optional.
type Deps struct {
	Store     repository.Repository
	Policy    engine.Evaluator
	Env       Environment
	Clock     clock.Clock
	Validator SessionValidator
	ClockSync ClockSource
	Emitter   telemetry.EventEmitter
	Metrics   *telemetryotel.Metrics
	Logger    *slog.Logger
}

// StartResult summarizes a successful session start.
type StartResult struct {
	SessionID         string
	SuccessfulSensors []string
	FailedSensors     map[string]string
	IsPartialSuccess  bool
}

// RecorderSnapshot is a read-only view of one recorder entry.
type RecorderSnapshot struct {
	Name             string
	Kind             recorder.Kind
	State            RecorderState
	Required         bool
	LastError        string
	RecoveryAttempts int
}

type entry struct {
	name       string
	capability recorder.Capability
	kind       recorder.Kind
	required   bool

	state            RecorderState
	lastErr          error
	recoveryAttempts int
	location         string
	startFailed      bool
}

// RegisterOption configures a recorder at registration.
type RegisterOption func(*entry)

// Required marks the recorder as required: its start failure aborts the session,
// and a runtime failure stops it.
func Required() RegisterOption {
	return func(e *entry) { e.required = true }
}

// WithKind sets the artifact kind used by validation. Defaults to recorder.KindOther.
func WithKind(k recorder.Kind) RegisterOption {
	return func(e *entry) { e.kind = k }
}

// Orchestrator owns the session state machine and the recorder table. One per process.
type Orchestrator struct {
	cfg       Config
	store     repository.Repository
	policy    engine.Evaluator
	env       Environment
	clock     clock.Clock
	validator SessionValidator
	clockSync ClockSource
	emitter   telemetry.EventEmitter
	metrics   *telemetryotel.Metrics
	logger    *slog.Logger

	mu                sync.Mutex
	state             State
	entries           []*entry
	byName            map[string]*entry
	session           *domain.Session
	activeID          string
	scanning          bool
	recoveryCompleted bool
	lastRecovery      *domain.RecoveryResult
	lastStart         *StartResult
	healthCancel      context.CancelFunc
	healthDone        chan struct{}

	stateStream     *pubsub.Broker[State]
	recorderStream  *pubsub.Broker[[]RecorderSnapshot]
	startResultFeed *pubsub.Broker[StartResult]
}

// New returns an idle Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if deps.Policy == nil {
		deps.Policy = engine.StaticEvaluator{}
	}
	if deps.Env == nil {
		deps.Env = HostEnvironment{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.ArtifactRoot == "" {
		return nil, errors.New("orchestrator: artifact root is required")
	}
	return &Orchestrator{
		cfg:             cfg.withDefaults(),
		store:           deps.Store,
		policy:          deps.Policy,
		env:             deps.Env,
		clock:           deps.Clock,
		validator:       deps.Validator,
		clockSync:       deps.ClockSync,
		emitter:         deps.Emitter,
		metrics:         deps.Metrics,
		logger:          deps.Logger.With("component", eventSource),
		state:           StateIdle,
		byName:          make(map[string]*entry),
		stateStream:     pubsub.New[State](),
		recorderStream:  pubsub.New[[]RecorderSnapshot](),
		startResultFeed: pubsub.New[StartResult](),
	}, nil
}

// Register adds a recorder. Names are unique; registration is only allowed while IDLE.
func (o *Orchestrator) Register(name string, capability recorder.Capability, opts ...RegisterOption) error {
	if name == "" || capability == nil {
		return errors.New("orchestrator: recorder name and capability are required")
	}
	e := &entry{name: name, capability: capability, kind: recorder.KindOther, state: RecorderIdle}
	for _, opt := range opts {
		opt(e)
	}
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return ErrInvalidState
	}
	if _, dup := o.byName[name]; dup {
		o.mu.Unlock()
		return &DuplicateNameError{Name: name}
	}
	o.entries = append(o.entries, e)
	o.byName[name] = e
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.recorderStream.Publish(snap)
	return nil
}

// MarkRecoveryComplete records the crash scan result; sessions may not start before it is called.
func (o *Orchestrator) MarkRecoveryComplete(result *domain.RecoveryResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recoveryCompleted = true
	o.lastRecovery = result
}

// RunRecovery runs scan while no session is active and records its result as by
// MarkRecoveryComplete. StartSession fails with ErrRecoveryInProgress until scan returns.
func (o *Orchestrator) RunRecovery(ctx context.Context, scan func(context.Context) (*domain.RecoveryResult, error)) (*domain.RecoveryResult, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return nil, ErrInvalidState
	}
	if o.scanning {
		o.mu.Unlock()
		return nil, ErrRecoveryInProgress
	}
	o.scanning = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.scanning = false
		o.mu.Unlock()
	}()

	result, err := scan(ctx)
	if err != nil {
		return nil, err
	}
	o.MarkRecoveryComplete(result)
	return result, nil
}

// LastRecovery returns the result passed to MarkRecoveryComplete, or nil.
func (o *Orchestrator) LastRecovery() *domain.RecoveryResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastRecovery
}

// StartSession runs the start sequence. sessionID may be empty to generate a time-ordered id.
// On any error the orchestrator is back in IDLE.
func (o *Orchestrator) StartSession(ctx context.Context, sessionID string) (*StartResult, error) {
	if sessionID == "" {
		id, err := domain.NewSessionID()
		if err != nil {
			return nil, fmt.Errorf("orchestrator: session id: %w", err)
		}
		sessionID = id
	}

	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return nil, ErrInvalidState
	}
	if o.scanning {
		o.mu.Unlock()
		return nil, ErrRecoveryInProgress
	}
	o.state = StatePreparing
	o.activeID = sessionID
	entries := append([]*entry(nil), o.entries...)
	recoveryDone := o.recoveryCompleted
	o.mu.Unlock()
	o.stateStream.Publish(StatePreparing)

	result, err := o.start(ctx, sessionID, entries, recoveryDone)
	if err != nil {
		o.mu.Lock()
		o.activeID = ""
		o.mu.Unlock()
		o.setState(StateIdle)
		o.metrics.SessionStartFailed(ctx, failureReason(err))
		ev := telemetrydomain.NewEvent(telemetrydomain.EventSessionStartFailed, eventSource).With("error", err.Error())
		o.emit(ev, sessionID, "")
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) start(ctx context.Context, sessionID string, entries []*entry, recoveryDone bool) (*StartResult, error) {
	if err := o.checkPrerequisites(ctx, len(entries), recoveryDone); err != nil {
		return nil, err
	}

	location := filepath.Join(o.cfg.ArtifactRoot, sessionID)
	if err := os.MkdirAll(location, 0o750); err != nil {
		return nil, fmt.Errorf("orchestrator: session location: %w", err)
	}

	start := clock.Capture(o.clock)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	rec := &domain.Session{
		Version:              domain.RecordVersion,
		ID:                   sessionID,
		DeviceID:             o.cfg.DeviceID,
		Status:               domain.StatusStarted,
		StartTimeWall:        start.Wall,
		StartTimeMonotonicNs: start.MonotonicNs,
		RegisteredRecorders:  names,
		RecorderResults:      make(map[string]domain.RecorderResult),
		Location:             location,
	}
	o.persist(ctx, rec, "write")

	o.mu.Lock()
	o.session = rec
	for _, e := range entries {
		e.recoveryAttempts = 0
		e.lastErr = nil
		e.startFailed = false
		e.location = filepath.Join(location, e.name)
	}
	o.mu.Unlock()

	result := &StartResult{SessionID: sessionID, FailedSensors: make(map[string]string)}
	var started []*entry
	for _, e := range entries {
		err := o.startRecorder(ctx, e)
		if err == nil {
			started = append(started, e)
			result.SuccessfulSensors = append(result.SuccessfulSensors, e.name)
			continue
		}
		result.FailedSensors[e.name] = err.Error()
		o.recordFailure(rec, e.name, err)
		if e.required {
			o.logger.Error("required recorder failed to start", "session_id", sessionID, "recorder", e.name, "error", err)
			o.stopRecorders(ctx, started)
			o.discard(ctx, rec)
			return nil, &RequiredRecorderFailedError{Name: e.name, Err: err}
		}
		o.logger.Warn("optional recorder failed to start", "session_id", sessionID, "recorder", e.name, "error", err)
	}
	if len(started) == 0 {
		o.discard(ctx, rec)
		return nil, ErrNoRecordersStarted
	}
	result.IsPartialSuccess = len(result.FailedSensors) > 0

	healthCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.mu.Lock()
	o.state = StateRecording
	o.lastStart = result
	o.healthCancel = cancel
	o.healthDone = done
	o.mu.Unlock()
	o.stateStream.Publish(StateRecording)
	o.startResultFeed.Publish(*result)
	go o.healthLoop(healthCtx, done)

	o.logger.Info("session started", "session_id", sessionID,
		"recorders", result.SuccessfulSensors, "failed", len(result.FailedSensors))
	o.metrics.SessionStarted(ctx, result.IsPartialSuccess)
	o.emit(telemetrydomain.NewEvent(telemetrydomain.EventSessionStarted, eventSource).
		With("partial", fmt.Sprint(result.IsPartialSuccess)), sessionID, "")
	return result, nil
}

func (o *Orchestrator) checkPrerequisites(ctx context.Context, recorderCount int, recoveryDone bool) error {
	in := policydomain.PrerequisiteInput{
		MinStorageBytes:     o.cfg.MinStorageBytes,
		RecorderCount:       recorderCount,
		Permissions:         o.env.Permissions(),
		RequiredPermissions: o.cfg.RequiredPermissions,
		RecoveryCompleted:   recoveryDone,
	}
	free, err := o.env.AvailableStorageBytes(o.cfg.ArtifactRoot)
	if err != nil {
		o.logger.Warn("free storage unavailable", "error", err)
	}
	in.AvailableStorageBytes = free
	res, err := o.policy.EvaluatePrerequisites(ctx, in)
	if err != nil {
		return fmt.Errorf("orchestrator: prerequisite policy: %w", err)
	}
	if !res.OK() {
		return &PrerequisitesNotMetError{Missing: res.Missing}
	}
	return nil
}

// startRecorder creates the recorder's location and starts it, moving the entry to RECORDING or ERROR.
func (o *Orchestrator) startRecorder(ctx context.Context, e *entry) error {
	o.setRecorderState(e, RecorderStarting, nil)
	err := os.MkdirAll(e.location, 0o750)
	if err == nil {
		err = e.capability.Start(ctx, e.location)
	}
	if err != nil {
		err = &RecorderStartError{Name: e.name, Err: err}
		o.mu.Lock()
		e.startFailed = true
		o.mu.Unlock()
		o.setRecorderState(e, RecorderError, err)
		o.metrics.RecorderError(ctx, e.name)
		return err
	}
	o.setRecorderState(e, RecorderRecording, nil)
	return nil
}

// stopRecorders stops each entry best-effort, in order, returning per-name errors.
func (o *Orchestrator) stopRecorders(ctx context.Context, entries []*entry) map[string]error {
	errs := make(map[string]error)
	for _, e := range entries {
		o.setRecorderState(e, RecorderStopping, nil)
		if err := e.capability.Stop(ctx); err != nil {
			err = &RecorderStopError{Name: e.name, Err: err}
			errs[e.name] = err
			o.logger.Warn("recorder stop failed", "recorder", e.name, "error", err)
			o.setRecorderState(e, RecorderError, err)
			continue
		}
		o.setRecorderState(e, RecorderStopped, nil)
	}
	return errs
}

// discard deletes the STARTED record of a session that never reached RECORDING.
func (o *Orchestrator) discard(ctx context.Context, rec *domain.Session) {
	if err := o.store.Delete(ctx, rec.ID); err != nil {
		o.logger.Error("discard session record", "error", &MetadataPersistenceError{SessionID: rec.ID, Op: "delete", Err: err})
	}
	if err := os.RemoveAll(rec.Location); err != nil {
		o.logger.Warn("discard session location", "session_id", rec.ID, "error", err)
	}
	o.mu.Lock()
	o.session = nil
	o.activeID = ""
	o.mu.Unlock()
}

// StopSession ends the active session. Outside RECORDING it is a no-op returning (nil, nil).
// The orchestrator is IDLE when it returns, even if every recorder fails to stop.
func (o *Orchestrator) StopSession(ctx context.Context) (*domain.Session, error) {
	o.mu.Lock()
	if o.state != StateRecording {
		o.mu.Unlock()
		return nil, nil
	}
	o.state = StateStopping
	cancel, done := o.healthCancel, o.healthDone
	o.healthCancel, o.healthDone = nil, nil
	rec := o.session
	o.mu.Unlock()
	o.stateStream.Publish(StateStopping)
	defer func() {
		o.mu.Lock()
		o.session = nil
		o.activeID = ""
		o.mu.Unlock()
		o.setState(StateIdle)
	}()

	if cancel != nil {
		cancel()
		<-done
	}

	o.mu.Lock()
	var active []*entry
	for _, e := range o.entries {
		if e.state.Active() {
			active = append(active, e)
		}
	}
	o.mu.Unlock()
	stopErrs := o.stopRecorders(ctx, active)

	end := clock.Capture(o.clock)
	duration := end.MonotonicNs - rec.StartTimeMonotonicNs
	rec.EndTimeWall = &end.Wall
	rec.EndTimeMonotonicNs = &end.MonotonicNs
	rec.DurationNs = &duration

	o.mu.Lock()
	clean := true
	for _, e := range o.entries {
		res := domain.RecorderResult{Success: true}
		switch {
		case stopErrs[e.name] != nil:
			res = domain.RecorderResult{Error: stopErrs[e.name].Error()}
		case e.state == RecorderError && e.lastErr != nil:
			res = domain.RecorderResult{Error: e.lastErr.Error()}
		case e.state == RecorderError:
			res = domain.RecorderResult{Error: "recorder in error state"}
		}
		if prior, ok := rec.RecorderResults[e.name]; ok && !prior.Success && res.Success {
			res = domain.RecorderResult{Success: true, Error: "recovered after: " + prior.Error}
		}
		if !res.Success || e.startFailed {
			clean = false
		}
		rec.RecorderResults[e.name] = res
	}
	expectations := make([]validation.Expectation, 0, len(o.entries))
	for _, e := range o.entries {
		expectations = append(expectations, validation.Expectation{Name: e.name, Kind: e.kind})
	}
	o.mu.Unlock()

	rec.Status = domain.StatusCompleted
	if !clean {
		rec.Status = domain.StatusCompletedWithErrors
	}
	o.annotateClockSync(rec)
	o.persist(ctx, rec, "write")

	if o.validator != nil {
		rec.Validation = o.validator.Validate(ctx, rec.ID, rec.Location, expectations)
		if rec.Validation != nil && !rec.Validation.IsValid {
			o.logger.Warn("session validation issues", "session_id", rec.ID, "issues", rec.Validation.Issues)
		}
		o.persist(ctx, rec, "write")
	}

	o.logger.Info("session stopped", "session_id", rec.ID, "status", rec.Status, "duration", time.Duration(duration))
	o.metrics.SessionStopped(ctx, string(rec.Status))
	o.emit(telemetrydomain.NewEvent(telemetrydomain.EventSessionStopped, eventSource).
		With("status", string(rec.Status)), rec.ID, "")
	return rec, nil
}

func (o *Orchestrator) annotateClockSync(rec *domain.Session) {
	if o.clockSync == nil {
		return
	}
	st := o.clockSync.Stats()
	if st.SuccessfulSyncs == 0 {
		return
	}
	offset, accuracy, accurate := st.OffsetNs, st.AccuracyMs, o.clockSync.IsSyncAccurate()
	rec.ClockOffsetNs = &offset
	rec.ClockSyncAccuracyMs = &accuracy
	rec.ClockSyncAccurate = &accurate
}

// recordFailure notes a recorder's start failure on the in-memory record.
func (o *Orchestrator) recordFailure(rec *domain.Session, name string, err error) {
	o.mu.Lock()
	rec.RecorderResults[name] = domain.RecorderResult{Error: err.Error()}
	o.mu.Unlock()
}

func (o *Orchestrator) persist(ctx context.Context, rec *domain.Session, op string) {
	o.mu.Lock()
	snapshot := *rec
	snapshot.RecorderResults = make(map[string]domain.RecorderResult, len(rec.RecorderResults))
	for k, v := range rec.RecorderResults {
		snapshot.RecorderResults[k] = v
	}
	o.mu.Unlock()
	if err := o.store.Write(ctx, &snapshot); err != nil {
		o.logger.Error("persist session record", "error", &MetadataPersistenceError{SessionID: rec.ID, Op: op, Err: err})
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.stateStream.Publish(s)
}

func (o *Orchestrator) setRecorderState(e *entry, s RecorderState, err error) {
	o.mu.Lock()
	e.state = s
	if err != nil {
		e.lastErr = err
	} else if s == RecorderRecording {
		e.lastErr = nil
	}
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.recorderStream.Publish(snap)
}

func (o *Orchestrator) snapshotLocked() []RecorderSnapshot {
	out := make([]RecorderSnapshot, len(o.entries))
	for i, e := range o.entries {
		out[i] = RecorderSnapshot{
			Name:             e.name,
			Kind:             e.kind,
			State:            e.state,
			Required:         e.required,
			RecoveryAttempts: e.recoveryAttempts,
		}
		if e.lastErr != nil {
			out[i].LastError = e.lastErr.Error()
		}
	}
	return out
}

func (o *Orchestrator) emit(ev *telemetrydomain.Event, sessionID, recorderName string) {
	ev.DeviceID = o.cfg.DeviceID
	ev.SessionID = sessionID
	ev.Recorder = recorderName
	telemetry.EmitAsync(o.emitter, ev)
}

// State returns the current session state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Recorders returns a snapshot of every registered recorder in registration order.
func (o *Orchestrator) Recorders() []RecorderSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// LastStartResult returns the most recent successful start result, or nil.
func (o *Orchestrator) LastStartResult() *StartResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastStart == nil {
		return nil
	}
	r := *o.lastStart
	return &r
}

// ActiveSessionID returns the id of the session in progress, or "". The id is set
// on entering PREPARING, before the session's record or location exist.
func (o *Orchestrator) ActiveSessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeID
}

// IsRecording reports whether a session is in RECORDING.
func (o *Orchestrator) IsRecording() bool {
	return o.State() == StateRecording
}

// SubscribeState streams session state changes until cancel is called.
func (o *Orchestrator) SubscribeState() (<-chan State, func()) {
	return o.stateStream.Subscribe()
}

// SubscribeRecorders streams recorder table snapshots until cancel is called.
func (o *Orchestrator) SubscribeRecorders() (<-chan []RecorderSnapshot, func()) {
	return o.recorderStream.Subscribe()
}

// SubscribeStartResults streams successful start results until cancel is called.
func (o *Orchestrator) SubscribeStartResults() (<-chan StartResult, func()) {
	return o.startResultFeed.Subscribe()
}

func failureReason(err error) string {
	var pre *PrerequisitesNotMetError
	var req *RequiredRecorderFailedError
	switch {
	case errors.As(err, &pre):
		return "prerequisites"
	case errors.As(err, &req):
		return "required_recorder"
	case errors.Is(err, ErrNoRecordersStarted):
		return "no_recorders_started"
	}
	return "other"
}
