// Package sync reconciles locally originated record mutations and binary assets
// against a remote store across intermittent connectivity.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/localstore"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/metrics"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/sync/assets"
	"github.com/kimhsiao/fieldsync/internal/sync/conflict"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/sync/remote"
	"github.com/kimhsiao/fieldsync/internal/sync/scheduler"
)

// Options configures an Engine. LocalStore and Remote are required.
type Options struct {
	LocalStore localstore.Store
	Remote     remote.Store

	// Assets is optional; without it uploads are rejected.
	Assets       assets.Backend
	FolderLayout assets.FolderLayout
	RootFolder   string

	// Session, when set, receives the token passed to Reauthenticate.
	Session *assets.Session

	// DeviceID overrides the identifier persisted in the local store.
	DeviceID string

	RetryPolicy       scheduler.Policy
	ConditionalWrites bool

	// SafetyInterval enables a periodic drain of both queues.
	SafetyInterval time.Duration

	// Offline starts the engine disconnected.
	Offline bool

	Logger *logging.Logger
	Now    func() time.Time
	Rand   func() float64
}

// InitReport is returned by Init.
type InitReport struct {
	PendingOperations int `json:"pending_operations"`
	PendingUploads    int `json:"pending_uploads"`
}

// MutationState describes what happened to a record mutation.
type MutationState string

const (
	// MutationApplied means the write landed immediately.
	MutationApplied MutationState = "applied"
	// MutationQueued means the write was persisted for later delivery.
	MutationQueued MutationState = "queued"
	// MutationDiscarded means a conflict kept the remote version.
	MutationDiscarded MutationState = "discarded"
	// MutationFailed means the write was neither applied nor queued.
	MutationFailed MutationState = "failed"
)

// MutationRequest is one record-level change.
type MutationRequest struct {
	Category  models.Category
	Kind      models.OperationKind
	Path      string
	Payload   *models.Payload
	BaseStamp int64
}

// MutationResult reports the fate of a MutationRequest. Err carries the
// failure behind a Queued or Failed state.
type MutationResult struct {
	State       MutationState `json:"state"`
	OperationID string        `json:"operation_id,omitempty"`
	Err         error         `json:"-"`
}

// Engine owns both pipelines, their schedulers and the status object.
type Engine struct {
	opts     Options
	log      *logging.Logger
	now      func() time.Time
	deviceID string
	policy   scheduler.Policy

	status   *Status
	ops      *queue.OperationQueue
	uploads  *queue.UploadQueue
	exec     *Executor
	folders  *assets.Resolver
	opSched  *scheduler.Scheduler
	upSched  *scheduler.Scheduler
	resolver *conflict.Resolver

	connected  atomic.Bool
	opDraining atomic.Bool
	upDraining atomic.Bool
	opRedrain  atomic.Bool
	upRedrain  atomic.Bool

	policyMu  gosync.RWMutex
	conflicts conflict.Policy
	policySeq uint64

	eventMu   gosync.Mutex
	eventSeq  int
	listeners map[int]func(models.ConflictEvent)

	bgMu   gosync.Mutex
	closed bool
	wg     gosync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an Engine. It reads or creates the device identifier but loads no queue; call Init.
func New(opts Options) (*Engine, error) {
	if opts.LocalStore == nil {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "local store is required")
	}
	if opts.Remote == nil {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "remote store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	policy := opts.RetryPolicy
	if len(policy.Ladder) == 0 {
		policy = scheduler.DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid retry policy", err)
	}

	deviceID, err := loadDeviceID(opts.LocalStore, opts.DeviceID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:      opts,
		log:       opts.Logger.With(map[string]interface{}{"component": "engine", "device_id": deviceID}),
		now:       opts.Now,
		deviceID:  deviceID,
		policy:    policy,
		status:    NewStatus(opts.Logger),
		ops:       queue.NewOperationQueue(opts.LocalStore, opts.Logger),
		uploads:   queue.NewUploadQueue(opts.LocalStore, opts.Logger),
		listeners: make(map[int]func(models.ConflictEvent)),
		ctx:       ctx,
		cancel:    cancel,
	}
	e.ops.SetClock(opts.Now)
	e.uploads.SetClock(opts.Now)

	e.resolver = conflict.NewResolver(opts.Logger)
	e.resolver.SetClock(opts.Now)
	e.exec = NewExecutor(ExecutorConfig{
		Store:       opts.Remote,
		DeviceID:    deviceID,
		Resolver:    e.resolver,
		Policy:      e.conflictPolicy,
		Conditional: opts.ConditionalWrites,
		Now:         opts.Now,
		Logger:      opts.Logger,
	})
	if opts.Assets != nil {
		e.folders = assets.NewResolver(opts.Assets, opts.FolderLayout, opts.RootFolder, opts.Logger)
	}

	e.opSched = scheduler.New(metrics.QueueOperations, policy, func() {
		e.background(func(ctx context.Context) { e.DrainOperations(ctx) })
	}, opts.Logger)
	e.upSched = scheduler.New(metrics.QueueUploads, policy, func() {
		e.background(func(ctx context.Context) { e.DrainUploads(ctx) })
	}, opts.Logger)
	if opts.Rand != nil {
		e.opSched.SetRand(opts.Rand)
		e.upSched.SetRand(opts.Rand)
	}

	e.connected.Store(!opts.Offline)
	e.status.Update(func(s *models.SyncStatus) { s.Connected = !opts.Offline })
	metrics.SetConnected(!opts.Offline)
	return e, nil
}

// DeviceID returns the identifier stamped on every write.
func (e *Engine) DeviceID() string {
	return e.deviceID
}

// Init loads both persisted queues, re-arms retry timers for items not yet due
// and drains immediately when connected and work is pending.
func (e *Engine) Init(ctx context.Context) (InitReport, error) {
	nOps, err := e.ops.Load()
	if err != nil {
		return InitReport{}, err
	}
	nUploads, err := e.uploads.Load()
	if err != nil {
		return InitReport{}, err
	}
	e.refreshCounts(nil)
	e.rearm()

	if e.opts.SafetyInterval > 0 {
		e.opSched.Start(e.ctx, e.opts.SafetyInterval)
		e.upSched.Start(e.ctx, e.opts.SafetyInterval)
	}

	report := InitReport{PendingOperations: nOps, PendingUploads: nUploads}
	e.log.Info("Engine initialized", map[string]interface{}{
		"pending_operations": nOps,
		"pending_uploads":    nUploads,
		"connected":          e.connected.Load(),
	})

	if e.connected.Load() && (nOps > 0 || nUploads > 0) {
		e.drainBoth(ctx)
	}
	return report, nil
}

func (e *Engine) rearm() {
	now := e.now()
	for _, op := range e.ops.ListPending() {
		if !op.Due(now) {
			e.opSched.Arm(op.ID, time.UnixMilli(op.NextAttemptAt).Sub(now))
		}
	}
	for _, item := range e.uploads.ListPending() {
		if !item.Due(now) {
			e.upSched.Arm(item.ID, time.UnixMilli(item.NextAttemptAt).Sub(now))
		}
	}
}

// Mutate attempts a record mutation immediately and queues it when that is not
// possible. The attempt is skipped while offline or while an earlier operation
// for the same path is still queued, terminal ones included.
func (e *Engine) Mutate(ctx context.Context, req MutationRequest) (MutationResult, error) {
	path, err := remote.CleanPath(req.Path)
	if err != nil {
		return MutationResult{State: MutationFailed, Err: err}, err
	}

	op := models.SyncOperation{
		Category:  req.Category,
		Kind:      req.Kind,
		Path:      path,
		Payload:   req.Payload,
		BaseStamp: req.BaseStamp,
		DeviceID:  e.deviceID,
	}
	if err := op.Validate(); err != nil {
		err = apperrors.Wrap(apperrors.ErrInvalid, "invalid mutation", err)
		return MutationResult{State: MutationFailed, Err: err}, err
	}

	if !e.connected.Load() || e.ops.HasQueuedFor(path) {
		return e.enqueue(op, nil)
	}

	res := e.exec.Execute(ctx, op)
	e.noteConflict(res)

	switch res.Outcome {
	case OutcomeApplied:
		e.recordSuccess(metrics.QueueOperations, string(op.Kind))
		return MutationResult{State: MutationApplied}, nil
	case OutcomeDiscarded:
		e.markDrained()
		return MutationResult{State: MutationDiscarded}, nil
	case OutcomeFatal:
		metrics.RecordFailure(metrics.QueueOperations, string(res.Class))
		return MutationResult{State: MutationFailed, Err: res.Err}, res.Err
	default:
		metrics.RecordFailure(metrics.QueueOperations, string(res.Class))
		return e.enqueue(op, &res)
	}
}

// enqueue persists op. A non-nil failed result records the immediate attempt.
func (e *Engine) enqueue(op models.SyncOperation, failed *Result) (MutationResult, error) {
	id, err := e.ops.Enqueue(op)
	if err != nil {
		e.log.Error("Failed to queue operation", err, map[string]interface{}{"path": op.Path})
		return MutationResult{State: MutationFailed, Err: err}, err
	}
	metrics.RecordEnqueued(string(op.Category))
	op.ID = id

	result := MutationResult{State: MutationQueued, OperationID: id}
	if failed != nil {
		result.Err = failed.Err
		switch failed.Outcome {
		case OutcomeSessionInvalid:
			if err := e.ops.RecordError(id, failed.Err); err != nil {
				e.log.Error("Failed to record session failure", err, map[string]interface{}{"id": id})
			}
			e.log.Warn("Remote rejected credential, reauthentication required", map[string]interface{}{"id": id})
		default:
			e.failOperation(op, failed.Err)
		}
	}
	e.refreshCounts(nil)
	return result, nil
}

// QueueUpload persists an asset for delivery and drains the upload queue when connected.
func (e *Engine) QueueUpload(ctx context.Context, data []byte, filename, mimeType string, category models.Category, meta *models.AssetMetadata) (string, error) {
	if e.opts.Assets == nil {
		return "", apperrors.New(apperrors.ErrSyncNotConfigured, "no asset backend configured")
	}
	id, err := e.uploads.Enqueue(data, filename, mimeType, category, meta)
	if err != nil {
		e.log.Error("Failed to queue upload", err, map[string]interface{}{"filename": filename})
		return "", err
	}
	e.refreshCounts(nil)

	if e.connected.Load() {
		e.background(func(ctx context.Context) { e.DrainUploads(ctx) })
	}
	return id, nil
}

// OnConnectivityRestored marks the engine connected and drains both queues concurrently.
func (e *Engine) OnConnectivityRestored(ctx context.Context) (DrainReport, DrainReport) {
	e.setConnected(true)
	return e.drainBoth(ctx)
}

// OnConnectivityLost marks the engine disconnected. Armed timers stay armed;
// drains they trigger stop without counting attempts.
func (e *Engine) OnConnectivityLost() {
	e.setConnected(false)
}

// SetConnected records a connectivity observation. A transition to connected
// drains both queues in the background.
func (e *Engine) SetConnected(ctx context.Context, up bool) {
	was := e.connected.Load()
	e.setConnected(up)
	if up && !was {
		e.background(func(bg context.Context) { e.drainBoth(bg) })
	}
}

// Connected reports the current connectivity flag.
func (e *Engine) Connected() bool {
	return e.connected.Load()
}

func (e *Engine) setConnected(up bool) {
	if e.connected.Swap(up) == up {
		return
	}
	metrics.SetConnected(up)
	e.status.Update(func(s *models.SyncStatus) { s.Connected = up })
	e.log.Info("Connectivity changed", map[string]interface{}{"connected": up})
}

func (e *Engine) drainBoth(ctx context.Context) (DrainReport, DrainReport) {
	var ops, ups DrainReport
	var wg gosync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ops = e.DrainOperations(ctx)
	}()
	go func() {
		defer wg.Done()
		ups = e.DrainUploads(ctx)
	}()
	wg.Wait()
	return ops, ups
}

// Disconnect tears down the session: the asset credential and folder cache are
// cleared, retry timers are disarmed and status counters reset. Queues are kept.
func (e *Engine) Disconnect() {
	e.teardownSession()
	e.opSched.CancelAll()
	e.upSched.CancelAll()
	e.connected.Store(false)
	metrics.SetConnected(false)
	e.status.Reset()
	e.log.Info("Engine disconnected")
}

func (e *Engine) teardownSession() {
	if e.opts.Assets != nil {
		e.opts.Assets.Disconnect()
	}
	if e.folders != nil {
		e.folders.Reset()
	}
}

// Reauthenticate installs tok, marks the engine connected and re-drives both queues.
func (e *Engine) Reauthenticate(ctx context.Context, tok *oauth2.Token) (DrainReport, DrainReport) {
	if e.opts.Session != nil {
		e.opts.Session.SetToken(tok)
	}
	e.log.Info("Session reauthenticated")
	return e.OnConnectivityRestored(ctx)
}

// RetryAll zeroes every attempt counter, clears terminal flags and drains when connected.
// It returns the number of operations and uploads that were reset.
func (e *Engine) RetryAll(ctx context.Context) (int, int, error) {
	e.opSched.CancelAll()
	e.upSched.CancelAll()

	nOps, err := e.ops.RetryAll()
	if err != nil {
		return 0, 0, err
	}
	nUploads, err := e.uploads.RetryAll()
	if err != nil {
		return nOps, 0, err
	}
	e.refreshCounts(nil)

	if e.connected.Load() {
		e.drainBoth(ctx)
	}
	return nOps, nUploads, nil
}

// ClearOperations drops every queued operation.
func (e *Engine) ClearOperations() error {
	e.opSched.CancelAll()
	if err := e.ops.Clear(); err != nil {
		return err
	}
	e.refreshCounts(nil)
	return nil
}

// ClearUploads drops every queued upload.
func (e *Engine) ClearUploads() error {
	e.upSched.CancelAll()
	if err := e.uploads.Clear(); err != nil {
		return err
	}
	e.refreshCounts(nil)
	return nil
}

// PendingCount returns the number of queued operations, terminal ones included.
func (e *Engine) PendingCount() int {
	return e.ops.Len()
}

// PendingUploadCount returns the number of queued uploads, terminal ones included.
func (e *Engine) PendingUploadCount() int {
	return e.uploads.Len()
}

// Operations returns every queued operation in FIFO order.
func (e *Engine) Operations() []models.SyncOperation {
	return e.ops.List()
}

// Uploads returns every queued upload in FIFO order.
func (e *Engine) Uploads() []models.UploadItem {
	return e.uploads.List()
}

// Status returns a snapshot of the status object.
func (e *Engine) Status() models.SyncStatus {
	return e.status.Snapshot()
}

// OnStatusChange registers fn for every status transition.
func (e *Engine) OnStatusChange(fn func(models.SyncStatus)) func() {
	return e.status.OnStatusChange(fn)
}

// SubscribeStatus returns a buffered feed of status transitions.
func (e *Engine) SubscribeStatus(buffer int) (<-chan models.SyncStatus, func()) {
	return e.status.Subscribe(buffer)
}

// OnConflict registers the resolution policy. The returned function restores the
// default policy unless another policy was registered since.
func (e *Engine) OnConflict(policy conflict.Policy) func() {
	e.policyMu.Lock()
	defer e.policyMu.Unlock()

	e.policySeq++
	seq := e.policySeq
	e.conflicts = policy

	return func() {
		e.policyMu.Lock()
		defer e.policyMu.Unlock()
		if e.policySeq == seq {
			e.conflicts = nil
		}
	}
}

func (e *Engine) conflictPolicy() conflict.Policy {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	if e.conflicts == nil {
		return conflict.DefaultPolicy
	}
	return e.conflicts
}

// OnConflictEvent registers fn for every resolved conflict.
func (e *Engine) OnConflictEvent(fn func(models.ConflictEvent)) func() {
	e.eventMu.Lock()
	defer e.eventMu.Unlock()

	id := e.eventSeq
	e.eventSeq++
	e.listeners[id] = fn

	return func() {
		e.eventMu.Lock()
		defer e.eventMu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *Engine) noteConflict(res Result) {
	if res.Conflict == nil {
		return
	}
	ev := *res.Conflict
	metrics.RecordConflict(ev.Decision)
	e.status.Update(func(s *models.SyncStatus) { s.ConflictsResolved++ })

	e.eventMu.Lock()
	fns := make([]func(models.ConflictEvent), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.eventMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if p := recover(); p != nil {
					e.log.Warn("Conflict listener panicked", map[string]interface{}{"panic": fmt.Sprint(p)})
				}
			}()
			fn(ev)
		}()
	}
}

// refreshCounts publishes the queue sizes, applying fn to the same transition.
func (e *Engine) refreshCounts(fn func(*models.SyncStatus)) {
	nOps, nUploads := e.ops.Len(), e.uploads.Len()
	metrics.SetPending(metrics.QueueOperations, nOps)
	metrics.SetPending(metrics.QueueUploads, nUploads)
	e.status.Update(func(s *models.SyncStatus) {
		s.PendingOperations = nOps
		s.PendingUploads = nUploads
		if fn != nil {
			fn(s)
		}
	})
}

func (e *Engine) recordSuccess(queueName, label string) {
	if queueName == metrics.QueueOperations {
		metrics.RecordApplied(label)
	}
	e.markDrained()
}

func (e *Engine) markDrained() {
	at := e.now()
	e.refreshCounts(func(s *models.SyncStatus) { s.LastSuccessfulDrain = &at })
}

// background runs fn on the engine context unless the engine is closed.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}

// Close stops the schedulers and waits for background drains.
func (e *Engine) Close() {
	e.bgMu.Lock()
	if e.closed {
		e.bgMu.Unlock()
		return
	}
	e.closed = true
	e.bgMu.Unlock()

	e.cancel()
	e.opSched.Stop()
	e.upSched.Stop()
	e.wg.Wait()
	e.log.Info("Engine closed")
}
