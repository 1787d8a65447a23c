// Package pipeline implements the update workflow as an ordered set of
// typed stages registered on a durable state machine. Each stage reads
// then mutates the shared install plan; the FSM carries the attempt
// across process restarts.
package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nimbleos/otad/pkg/bootctl"
	"github.com/nimbleos/otad/pkg/errors"
	"github.com/nimbleos/otad/pkg/fetch"
	"github.com/nimbleos/otad/pkg/payload"
	"github.com/nimbleos/otad/pkg/payload/applier"
	"github.com/nimbleos/otad/pkg/plan"
	"github.com/nimbleos/otad/pkg/postinstall"
	"github.com/nimbleos/otad/pkg/prefs"
	"github.com/nimbleos/otad/pkg/verifier"
	"github.com/superfly/fsm"
)

// Config wires the machine's collaborators.
type Config struct {
	Prefs    *prefs.Store
	BootCtrl bootctl.Controller

	// WorkDir hosts COW overlays, metadata caches, and postinstall
	// mount points.
	WorkDir string

	// Gate is shared with the coordinator for suspend/resume.
	Gate *applier.Gate

	// ShouldCancel is polled at stage and operation boundaries.
	ShouldCancel func() bool

	// Progress receives (stage, stage-local fraction).
	Progress func(stage string, frac float64)

	FetchOpts fetch.Options

	// PostinstallTimeout bounds one hook invocation.
	PostinstallTimeout time.Duration

	// CurrentSecurityPatchLevel guards SPL downgrades.
	CurrentSecurityPatchLevel string

	// MaxRetries bounds FSM-level retries of transient stage failures.
	MaxRetries int

	// Mounter overrides the platform mounter (tests).
	Mounter postinstall.Mounter

	// VerifyWorkers caps parallel partition verification; zero means
	// one goroutine per partition.
	VerifyWorkers int
}

// Machine holds dependencies for the update workflow transitions.
type Machine struct {
	plan *plan.InstallPlan
	cfg  Config

	// failure records the first terminal error code; the durable FSM
	// layer does not preserve typed errors across its boundary.
	failure atomic.Int64
}

// NewMachine creates a workflow machine around a coordinator-built plan.
func NewMachine(p *plan.InstallPlan, cfg Config) *Machine {
	if cfg.Gate == nil {
		cfg.Gate = applier.NewGate()
	}
	if cfg.ShouldCancel == nil {
		cfg.ShouldCancel = func() bool { return false }
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Machine{plan: p, cfg: cfg}
}

// Plan exposes the shared install plan (owned by the running stage).
func (m *Machine) Plan() *plan.InstallPlan { return m.plan }

// FailureCode returns the first terminal error code, or Success.
func (m *Machine) FailureCode() errors.Code {
	return errors.Code(m.failure.Load())
}

// abort records the terminal code and wraps err for the FSM.
func (m *Machine) abort(err error) error {
	m.failure.CompareAndSwap(0, int64(errors.CodeOf(err)))
	return fsm.Abort(err)
}

// Register registers the apply-payload workflow on the FSM manager.
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[UpdateRequest, UpdateResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[UpdateRequest, UpdateResponse](manager, "apply-payload").
		Start(StateCleanupPreviousUpdate, m.handleCleanup).
		To(StateDownloadApply, m.handleDownloadApply).
		To(StateFilesystemVerify, m.handleFilesystemVerify).
		To(StatePostinstall, m.handlePostinstall).
		To(StateUpdateMarker, m.handleUpdateMarker).
		End(StateFailed).
		Build(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register update workflow")
	}
	return start, resume, nil
}

func (m *Machine) stageEnter(ctx context.Context, stage string) error {
	if err := m.cfg.Gate.Wait(ctx); err != nil {
		return m.abort(errors.WithCode(errors.UserCancelled, err))
	}
	if m.cfg.ShouldCancel() {
		return m.abort(errors.Codef(errors.UserCancelled, "update cancelled"))
	}
	if m.cfg.Progress != nil {
		m.cfg.Progress(stage, 0)
	}
	slog.Info("stage_enter", "stage", stage, "plan", m.plan.String())
	return nil
}

func (m *Machine) stageDone(stage string) {
	if m.cfg.Progress != nil {
		m.cfg.Progress(stage, 1)
	}
	slog.Info("stage_done", "stage", stage)
}

// cowDir is where partitions without a writable device keep overlays.
func (m *Machine) cowDir() string { return filepath.Join(m.cfg.WorkDir, "cow") }

func (m *Machine) cowPath(partition string) string {
	return filepath.Join(m.cowDir(), partition+".cow")
}

func (m *Machine) metadataCachePath(idx int) string {
	return filepath.Join(m.cfg.WorkDir, "metadata", "payload_"+strconv.Itoa(idx))
}

// handleCleanup deletes copy-on-write overlays left by a previous
// attempt. A fresh attempt must not inherit stale overlays; a resumed one
// depends on them surviving, so they are kept. Overlays are not merged.
func (m *Machine) handleCleanup(ctx context.Context, req *fsm.Request[UpdateRequest, UpdateResponse]) (*fsm.Response[UpdateResponse], error) {
	if err := m.stageEnter(ctx, StateCleanupPreviousUpdate); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &UpdateResponse{}
	}

	if err := os.MkdirAll(m.cowDir(), 0o755); err != nil {
		return nil, m.abort(errors.Wrap(err, "failed to create cow dir"))
	}
	if err := os.MkdirAll(filepath.Join(m.cfg.WorkDir, "metadata"), 0o755); err != nil {
		return nil, m.abort(errors.Wrap(err, "failed to create metadata dir"))
	}

	if !m.plan.IsResume {
		entries, err := os.ReadDir(m.cowDir())
		if err != nil {
			return nil, m.abort(errors.Wrap(err, "failed to scan cow dir"))
		}
		for _, e := range entries {
			path := filepath.Join(m.cowDir(), e.Name())
			if err := os.Remove(path); err != nil {
				slog.Warn("cow_cleanup_failed", "path", path, "error", err)
			}
		}
		if len(entries) > 0 {
			slog.Info("cow_cleanup_complete", "removed", len(entries))
		}
	}

	m.stageDone(StateCleanupPreviousUpdate)
	return fsm.NewResponse(resp), nil
}

// handleDownloadApply streams each payload and applies its operations:
// the fused download+apply stage.
func (m *Machine) handleDownloadApply(ctx context.Context, req *fsm.Request[UpdateRequest, UpdateResponse]) (*fsm.Response[UpdateResponse], error) {
	if err := m.stageEnter(ctx, StateDownloadApply); err != nil {
		return nil, err
	}
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.cfg.MaxRetries) {
		slog.Error("max_retries_exceeded", "stage", StateDownloadApply, "max_retries", m.cfg.MaxRetries)
		return nil, m.abort(errors.Codef(errors.DownloadTransferError,
			"download failed after %d retries", m.cfg.MaxRetries))
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, m.abort(errors.Codef(errors.ErrorCodeError, "response not initialized"))
	}

	for idx := range m.plan.Payloads {
		if err := m.applyPayload(ctx, idx); err != nil {
			if errors.CodeOf(err) == errors.DownloadTransferError {
				// Transient transport failure: let the FSM retry.
				return nil, err
			}
			return nil, m.abort(err)
		}
	}

	bytes, err := m.cfg.Prefs.GetInt64(prefs.KeyCurrentBytesDownloaded, 0)
	if err == nil {
		resp.BytesApplied = bytes
	}
	if len(m.plan.Payloads) > 0 {
		resp.PayloadType = string(m.plan.Payloads[0].Type)
	}

	m.stageDone(StateDownloadApply)
	return fsm.NewResponse(resp), nil
}

func (m *Machine) applyPayload(ctx context.Context, idx int) error {
	pl := &m.plan.Payloads[idx]

	source, err := m.openSource(ctx, pl)
	if err != nil {
		return err
	}
	defer source.Close()

	a := applier.New(m.plan, idx, applier.Config{
		Prefs:             m.cfg.Prefs,
		MetadataCachePath: m.metadataCachePath(idx),
		Gate:              m.cfg.Gate,
		ShouldCancel:      m.cfg.ShouldCancel,
		Progress: func(downloaded, total uint64) {
			if m.cfg.Progress != nil && total > 0 {
				m.cfg.Progress(StateDownloadApply, float64(downloaded)/float64(total))
			}
		},
		OnManifest: func(md *payload.Metadata) error {
			return m.plan.LoadPartitionsFromManifest(md.Manifest, m.cfg.BootCtrl, m.cowPath)
		},
		CurrentSecurityPatchLevel: m.cfg.CurrentSecurityPatchLevel,
	})
	return a.Run(ctx, source)
}

// openSource tries the payload's candidate URLs in order.
func (m *Machine) openSource(ctx context.Context, pl *plan.Payload) (fetch.Source, error) {
	opts := m.cfg.FetchOpts
	opts.Offset = pl.Offset
	opts.Length = pl.Length

	var lastErr error
	for _, url := range pl.URLs {
		source, err := fetch.NewSource(ctx, url, opts)
		if err == nil {
			return source, nil
		}
		slog.Warn("payload_source_unavailable", "url", url, "error", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.Codef(errors.DownloadTransferError, "payload has no urls")
	}
	return nil, lastErr
}

// handleFilesystemVerify hash-checks every written partition. All
// partitions must finish applying before this stage starts; the FSM
// ordering is that barrier.
func (m *Machine) handleFilesystemVerify(ctx context.Context, req *fsm.Request[UpdateRequest, UpdateResponse]) (*fsm.Response[UpdateResponse], error) {
	if err := m.stageEnter(ctx, StateFilesystemVerify); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	total := len(m.plan.Partitions)
	err := verifier.Run(ctx, m.plan, verifier.Options{
		VerifySource: m.plan.HashChecksMandatory && m.plan.SourceSlot != bootctl.InvalidSlot,
		MaxParallel:  m.cfg.VerifyWorkers,
		Progress: func(done, totalParts int) {
			if m.cfg.Progress != nil && totalParts > 0 {
				m.cfg.Progress(StateFilesystemVerify, float64(done)/float64(totalParts))
			}
		},
	})
	if err != nil {
		return nil, m.abort(err)
	}

	slog.Info("filesystem_verify_complete", "partitions", total)
	m.stageDone(StateFilesystemVerify)
	return fsm.NewResponse(resp), nil
}

// handlePostinstall runs per-partition hooks on the target.
func (m *Machine) handlePostinstall(ctx context.Context, req *fsm.Request[UpdateRequest, UpdateResponse]) (*fsm.Response[UpdateResponse], error) {
	if err := m.stageEnter(ctx, StatePostinstall); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	runner := &postinstall.Runner{
		Mounter: m.cfg.Mounter,
		WorkDir: m.cfg.WorkDir,
		Timeout: m.cfg.PostinstallTimeout,
		Progress: func(partition string, frac float64) {
			if m.cfg.Progress != nil {
				m.cfg.Progress(StatePostinstall, frac)
			}
		},
	}
	if err := runner.Run(ctx, m.plan); err != nil {
		return nil, m.abort(err)
	}

	m.stageDone(StatePostinstall)
	return fsm.NewResponse(resp), nil
}

// handleUpdateMarker writes the completion marker and stages the boot
// slot switch.
func (m *Machine) handleUpdateMarker(ctx context.Context, req *fsm.Request[UpdateRequest, UpdateResponse]) (*fsm.Response[UpdateResponse], error) {
	if err := m.stageEnter(ctx, StateUpdateMarker); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &UpdateResponse{}
	}

	fingerprint := ""
	if len(m.plan.Payloads) > 0 {
		fingerprint = m.plan.Payloads[0].Fingerprint
	}
	marker := Marker{PayloadFP: fingerprint, TargetSlot: m.plan.TargetSlot}
	if err := m.cfg.Prefs.Set(prefs.KeyUpdateCompletedMarker, marker.Encode()); err != nil {
		return nil, m.abort(err)
	}
	if err := m.cfg.Prefs.Set(prefs.KeySystemUpdatedMarker, "1"); err != nil {
		return nil, m.abort(err)
	}

	resp.TargetSlot = int(m.plan.TargetSlot)
	if m.plan.SwitchSlotOnReboot {
		if err := m.cfg.BootCtrl.MarkBootable(m.plan.TargetSlot, 1); err != nil {
			return nil, m.abort(errors.Wrap(err, "failed to mark slot bootable"))
		}
		if err := m.cfg.BootCtrl.SetActiveSlot(m.plan.TargetSlot); err != nil {
			return nil, m.abort(errors.Wrap(err, "failed to stage slot switch"))
		}
		resp.Staged = true
		resp.ErrorCode = int(errors.Success)
	} else {
		slog.Info("slot_switch_skipped", "target_slot", m.plan.TargetSlot.String())
		resp.Staged = false
		resp.ErrorCode = int(errors.UpdatedButNotActive)
	}

	m.stageDone(StateUpdateMarker)
	return fsm.NewResponse(resp), nil
}
