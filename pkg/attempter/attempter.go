// Package attempter implements the update attempt coordinator: the
// public operation surface, the externally visible state machine, status
// broadcast, and crash-safe classification of interrupted attempts.
// One attempt runs at a time; stage execution is delegated to the
// pipeline workflow.
package attempter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbleos/otad/pkg/bootctl"
	"github.com/nimbleos/otad/pkg/errors"
	"github.com/nimbleos/otad/pkg/fetch"
	"github.com/nimbleos/otad/pkg/history"
	"github.com/nimbleos/otad/pkg/payload/applier"
	"github.com/nimbleos/otad/pkg/pipeline"
	"github.com/nimbleos/otad/pkg/plan"
	"github.com/nimbleos/otad/pkg/postinstall"
	"github.com/nimbleos/otad/pkg/prefs"
	"github.com/superfly/fsm"
)

// Public-surface errors. Concurrent or out-of-order calls fail fast.
var (
	ErrUpdateInProgress = fmt.Errorf("an update is already in progress")
	ErrInvalidState     = fmt.Errorf("operation not permitted in the current state")
)

// pref key for the persisted ApplyPayload request, consumed by
// cross-restart ResumeUpdate.
const keyLastApplyRequest = "last_apply_request"

// Config wires the coordinator's dependencies. Everything is injected;
// the coordinator owns no process-wide state.
type Config struct {
	Prefs    *prefs.Store
	BootCtrl bootctl.Controller

	// History records attempts; nil disables recording.
	History *history.Repository

	WorkDir   string
	FSMDBPath string

	FetchOpts fetch.Options

	PostinstallTimeout        time.Duration
	CurrentSecurityPatchLevel string

	// Status throttle tuning; zero values use the defaults.
	ThrottleInterval time.Duration
	ThrottleDelta    float64

	// Version is the running system version, recorded as
	// previous_version when an attempt starts.
	Version string

	// BootID overrides the kernel boot id (tests).
	BootID string

	// Mounter overrides the postinstall mounter (tests).
	Mounter postinstall.Mounter
}

// Attempter is the update attempt coordinator.
type Attempter struct {
	cfg Config
	bc  *broadcaster

	mu        sync.Mutex
	status    UpdateStatus
	progress  float64
	running   bool
	suspended bool
	gate      *applier.Gate
	done      chan struct{}
	lastCode  errors.Code
	lastPlan  *plan.InstallPlan

	newVersion string
	newSize    int64
	powerwash  bool

	cancelReq atomic.Bool
	perfMode  atomic.Bool
}

// applyRequest is the persisted form of an ApplyPayload call.
type applyRequest struct {
	URL     string   `json:"url"`
	Offset  int64    `json:"offset"`
	Size    int64    `json:"size"`
	Headers []string `json:"headers"`
}

// New builds the coordinator and classifies any attempt interrupted by
// a crash or reboot.
func New(cfg Config) (*Attempter, error) {
	a := &Attempter{
		cfg:    cfg,
		bc:     newBroadcaster(cfg.ThrottleInterval, cfg.ThrottleDelta),
		status: StatusIdle,
		gate:   applier.NewGate(),
	}
	if err := a.updateStateAfterReboot(); err != nil {
		return nil, err
	}
	return a, nil
}

// updateStateAfterReboot inspects the completion marker and the boot
// slots to decide what the last attempt amounted to.
func (a *Attempter) updateStateAfterReboot() error {
	a.trackBootID()

	raw, ok, err := a.cfg.Prefs.Get(prefs.KeyUpdateCompletedMarker)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	marker, err := pipeline.ParseMarker(raw)
	if err != nil {
		slog.Warn("update_marker_malformed", "error", err)
		return a.cfg.Prefs.Delete(prefs.KeyUpdateCompletedMarker)
	}

	current := a.cfg.BootCtrl.CurrentSlot()
	switch {
	case current == marker.TargetSlot:
		// Booted into the updated slot; awaiting the post-boot cleanup
		// call to make it permanent.
		slog.Info("ota_result", "result", "successful", "slot", current.String())

	case a.cfg.BootCtrl.ActiveSlot() == marker.TargetSlot:
		slog.Info("ota_result", "result", "updated_need_reboot", "target_slot", marker.TargetSlot.String())
		a.status = StatusUpdatedNeedReboot

	default:
		slog.Info("ota_result", "result", "rolled_back", "slot", current.String())
		if err := a.cfg.Prefs.Delete(prefs.KeyUpdateCompletedMarker); err != nil {
			return err
		}
	}
	return nil
}

// trackBootID counts reboots while an update is pending.
func (a *Attempter) trackBootID() {
	bootID := a.cfg.BootID
	if bootID == "" {
		if raw, err := os.ReadFile("/proc/sys/kernel/random/boot_id"); err == nil {
			bootID = strings.TrimSpace(string(raw))
		}
	}
	if bootID == "" {
		return
	}

	prev, _, _ := a.cfg.Prefs.Get(prefs.KeyBootID)
	if prev == bootID {
		return
	}
	if prev != "" && a.cfg.Prefs.Exists(prefs.KeyUpdateCompletedMarker) {
		n, _ := a.cfg.Prefs.GetInt64(prefs.KeyNumReboots, 0)
		a.cfg.Prefs.SetInt64(prefs.KeyNumReboots, n+1)
	}
	a.cfg.Prefs.Set(prefs.KeyBootID, bootID)
}

// ApplyPayload starts an update attempt. It validates the request,
// schedules processing, and returns immediately.
func (a *Attempter) ApplyPayload(url string, offset, size int64, headers []string) error {
	a.mu.Lock()
	if a.status != StatusIdle || a.running {
		a.mu.Unlock()
		return ErrUpdateInProgress
	}
	a.running = true
	a.suspended = false
	a.cancelReq.Store(false)
	a.gate = applier.NewGate()
	a.done = make(chan struct{})
	a.mu.Unlock()

	p, err := a.buildPlan(url, offset, size, headers, false)
	if err != nil {
		a.finishAttempt(nil, 0, errors.CodeOf(err))
		return err
	}

	req := applyRequest{URL: url, Offset: offset, Size: size, Headers: headers}
	if raw, err := json.Marshal(req); err == nil {
		a.cfg.Prefs.Set(keyLastApplyRequest, string(raw))
	}

	go a.runAttempt(p, req)
	return nil
}

// buildPlan translates an ApplyPayload request into an install plan.
func (a *Attempter) buildPlan(url string, offset, size int64, headers []string, resume bool) (*plan.InstallPlan, error) {
	p, err := plan.FromPayloadHeaders(url, offset, size, headers)
	if err != nil {
		return nil, err
	}

	source := a.cfg.BootCtrl.CurrentSlot()
	p.SourceSlot = source
	p.TargetSlot = bootctl.Slot((int(source) + 1) % a.cfg.BootCtrl.SlotCount())
	p.IsResume = resume

	pl := &p.Payloads[0]
	if pl.Fingerprint == "" {
		if len(pl.Hash) > 0 {
			pl.Fingerprint = base64.StdEncoding.EncodeToString(pl.Hash)
		} else {
			pl.Fingerprint = url
		}
	}
	if a.perfMode.Load() {
		p.BatchedWrites = true
		p.EnableThreading = true
	}

	a.mu.Lock()
	a.powerwash = p.PowerwashRequired
	a.newSize = int64(pl.Size)
	a.mu.Unlock()

	return p, nil
}

// runAttempt drives the pipeline workflow to its terminal state.
func (a *Attempter) runAttempt(p *plan.InstallPlan, req applyRequest) {
	ctx := context.Background()

	a.setStatus(StatusCleanupPreviousUpdate, 0)
	a.recordAttemptStart(p)

	if err := a.cfg.Prefs.Set(prefs.KeyPreviousVersion, a.cfg.Version); err != nil {
		slog.Warn("previous_version_persist_failed", "error", err)
	}
	a.cfg.Prefs.SetInt64(prefs.KeyUpdateTimestampStart, time.Now().Unix())

	var attempt *history.Attempt
	if a.cfg.History != nil {
		attempt = &history.Attempt{
			Fingerprint: p.Payloads[0].Fingerprint,
			Version:     a.newVersion,
			PayloadType: string(p.Payloads[0].Type),
			SourceSlot:  int(p.SourceSlot),
			TargetSlot:  int(p.TargetSlot),
			Status:      history.StatusRunning,
		}
		if err := a.cfg.History.Create(attempt); err != nil {
			slog.Warn("history_record_failed", "error", err)
			attempt = nil
		}
	}

	code := a.executeWorkflow(ctx, p, req)
	a.finishAttempt(attempt, a.bytesDownloaded(), code)
}

func (a *Attempter) executeWorkflow(ctx context.Context, p *plan.InstallPlan, req applyRequest) errors.Code {
	if err := os.MkdirAll(a.cfg.FSMDBPath, 0o755); err != nil {
		slog.Error("fsm_dir_failed", "error", err)
		return errors.DownloadStateInitializationError
	}
	manager, err := fsm.New(fsm.Config{DBPath: a.cfg.FSMDBPath})
	if err != nil {
		slog.Error("fsm_manager_failed", "error", err)
		return errors.DownloadStateInitializationError
	}
	defer manager.Shutdown(10 * time.Second)

	machine := pipeline.NewMachine(p, pipeline.Config{
		Prefs:                     a.cfg.Prefs,
		BootCtrl:                  a.cfg.BootCtrl,
		WorkDir:                   a.cfg.WorkDir,
		Gate:                      a.gate,
		ShouldCancel:              a.cancelReq.Load,
		Progress:                  a.onStageProgress,
		FetchOpts:                 a.cfg.FetchOpts,
		PostinstallTimeout:        a.cfg.PostinstallTimeout,
		CurrentSecurityPatchLevel: a.cfg.CurrentSecurityPatchLevel,
		Mounter:                   a.cfg.Mounter,
	})

	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		slog.Error("fsm_register_failed", "error", err)
		return errors.DownloadStateInitializationError
	}

	fsmReq := &pipeline.UpdateRequest{
		URL:     req.URL,
		Offset:  req.Offset,
		Size:    req.Size,
		Headers: req.Headers,
		Resume:  p.IsResume,
	}
	fsmResp := &pipeline.UpdateResponse{}

	attemptID := fmt.Sprintf("%s@%d", p.Payloads[0].Fingerprint, time.Now().UnixNano())
	version, err := start(ctx, attemptID, fsm.NewRequest(fsmReq, fsmResp))
	if err != nil {
		slog.Error("fsm_start_failed", "error", err)
		return errors.CodeOf(err)
	}

	if err := manager.Wait(ctx, version); err != nil {
		if a.cancelReq.Load() {
			return errors.UserCancelled
		}
		if code := machine.FailureCode(); code != errors.Success {
			return code
		}
		return errors.CodeOf(err)
	}

	a.mu.Lock()
	a.lastPlan = p
	a.mu.Unlock()
	return errors.Code(fsmResp.ErrorCode)
}

func (a *Attempter) recordAttemptStart(p *plan.InstallPlan) {
	fp := p.Payloads[0].Fingerprint
	a.mu.Lock()
	a.newVersion = fp
	a.mu.Unlock()

	if a.cfg.History != nil {
		if n, err := a.cfg.History.CountAttempts(fp); err == nil {
			a.cfg.Prefs.SetInt64(prefs.KeyPayloadAttemptNumber, int64(n+1))
		}
	}
}

func (a *Attempter) bytesDownloaded() int64 {
	n, _ := a.cfg.Prefs.GetInt64(prefs.KeyTotalBytesDownloaded, 0)
	return n
}

// finishAttempt maps the terminal code to the externally visible state
// sequence and notifies observers.
func (a *Attempter) finishAttempt(attempt *history.Attempt, bytes int64, code errors.Code) {
	if attempt != nil {
		status := history.StatusFailed
		switch {
		case code.IsSuccess():
			status = history.StatusSucceeded
		case code == errors.UserCancelled:
			status = history.StatusCancelled
		}
		if err := a.cfg.History.Finish(attempt.ID, status, int(code), bytes); err != nil {
			slog.Warn("history_finish_failed", "error", err)
		}
	}

	if code == errors.Success {
		a.setStatus(StatusUpdatedNeedReboot, 1)
	} else if code == errors.UpdatedButNotActive {
		// Applied and verified but the switch was not staged; a later
		// switch-slot call activates it.
		a.setStatus(StatusIdle, 1)
	} else {
		a.setStatus(StatusReportingErrorEvent, a.currentProgress())
		a.setStatus(StatusIdle, 0)
	}

	a.mu.Lock()
	a.running = false
	a.suspended = false
	a.lastCode = code
	done := a.done
	a.mu.Unlock()

	a.bc.complete(code)
	if done != nil {
		close(done)
	}
}

// onStageProgress maps pipeline stages to coordinator states and folds
// stage progress into the weighted overall fraction.
func (a *Attempter) onStageProgress(stage string, frac float64) {
	var status UpdateStatus
	switch stage {
	case pipeline.StateCleanupPreviousUpdate:
		status = StatusCleanupPreviousUpdate
	case pipeline.StateDownloadApply:
		status = StatusDownloading
	case pipeline.StateFilesystemVerify:
		status = StatusVerifying
	case pipeline.StatePostinstall, pipeline.StateUpdateMarker:
		status = StatusFinalizing
	default:
		return
	}
	a.setStatus(status, pipeline.OverallProgress(stage, frac))
}

func (a *Attempter) setStatus(status UpdateStatus, progress float64) {
	a.mu.Lock()
	a.status = status
	if progress >= 0 {
		a.progress = progress
	}
	a.mu.Unlock()
	a.bc.statusUpdate(status, progress)
}

func (a *Attempter) currentProgress() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progress
}

// SuspendUpdate pauses the running pipeline at the next operation
// boundary. Progress is already checkpointed per operation.
func (a *Attempter) SuspendUpdate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return ErrInvalidState
	}
	switch a.status {
	case StatusDownloading, StatusVerifying, StatusFinalizing, StatusCleanupPreviousUpdate:
	default:
		return ErrInvalidState
	}

	a.gate.Pause()
	a.suspended = true
	slog.Info("update_suspended")
	return nil
}

// ResumeUpdate continues a suspended attempt, or restarts an interrupted
// one from its persisted checkpoint.
func (a *Attempter) ResumeUpdate() error {
	a.mu.Lock()
	if a.running {
		if !a.suspended {
			a.mu.Unlock()
			return ErrInvalidState
		}
		a.suspended = false
		a.gate.Resume()
		a.mu.Unlock()
		slog.Info("update_resumed")
		return nil
	}
	if a.status != StatusIdle {
		a.mu.Unlock()
		return ErrInvalidState
	}
	a.mu.Unlock()

	raw, ok, err := a.cfg.Prefs.Get(keyLastApplyRequest)
	if err != nil || !ok {
		return ErrInvalidState
	}
	var req applyRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return errors.Wrap(err, "persisted apply request is malformed")
	}

	a.mu.Lock()
	a.running = true
	a.suspended = false
	a.cancelReq.Store(false)
	a.gate = applier.NewGate()
	a.done = make(chan struct{})
	a.mu.Unlock()

	p, err := a.buildPlan(req.URL, req.Offset, req.Size, req.Headers, true)
	if err != nil {
		a.finishAttempt(nil, 0, errors.CodeOf(err))
		return err
	}

	slog.Info("update_resume_from_checkpoint", "url", req.URL)
	go a.runAttempt(p, req)
	return nil
}

// CancelUpdate aborts the running attempt. The applier polls the flag at
// each operation boundary; in-flight decodes finish and are discarded.
func (a *Attempter) CancelUpdate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return ErrInvalidState
	}
	a.cancelReq.Store(true)
	a.gate.Resume()
	slog.Info("update_cancel_requested")
	return nil
}

// ResetStatus clears the pending-reboot state after a staged update.
func (a *Attempter) ResetStatus() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status != StatusUpdatedNeedReboot {
		return ErrInvalidState
	}
	if err := a.cfg.Prefs.Delete(prefs.KeyUpdateCompletedMarker); err != nil {
		return err
	}
	if err := a.cfg.BootCtrl.SetActiveSlot(a.cfg.BootCtrl.CurrentSlot()); err != nil {
		return err
	}
	a.status = StatusIdle
	a.progress = 0
	slog.Info("status_reset")
	return nil
}

// SetPerformanceMode toggles throughput-over-latency policy for future
// attempts.
func (a *Attempter) SetPerformanceMode(enabled bool) {
	a.perfMode.Store(enabled)
	slog.Info("performance_mode", "enabled", enabled)
}

// RegisterObserver adds a status observer; the returned handle
// unregisters it.
func (a *Attempter) RegisterObserver(o Observer) int { return a.bc.register(o) }

// UnregisterObserver drops the observer behind handle.
func (a *Attempter) UnregisterObserver(handle int) { a.bc.unregister(handle) }

// Status snapshots the externally visible engine state.
func (a *Attempter) Status() EngineStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return EngineStatus{
		LastCheckedTime:          time.Now().Unix(),
		Progress:                 a.progress,
		NewSizeBytes:             a.newSize,
		Status:                   a.status,
		NewVersion:               a.newVersion,
		WillPowerwashAfterReboot: a.powerwash,
	}
}

// Wait blocks until the in-flight attempt terminates and returns its
// code. Without a running attempt it returns the last terminal code.
func (a *Attempter) Wait(ctx context.Context) (errors.Code, error) {
	a.mu.Lock()
	done := a.done
	code := a.lastCode
	running := a.running
	a.mu.Unlock()

	if !running || done == nil {
		return code, nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return errors.ErrorCodeError, ctx.Err()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCode, nil
}
