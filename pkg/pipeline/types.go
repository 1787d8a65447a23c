package pipeline

// UpdateRequest is the FSM input for one apply-payload workflow.
type UpdateRequest struct {
	URL     string
	Offset  int64
	Size    int64
	Headers []string
	Resume  bool
}

// UpdateResponse is the FSM output, accumulated across states.
type UpdateResponse struct {
	// From DownloadApply
	PayloadType  string
	BytesApplied int64

	// From UpdateMarker
	TargetSlot int
	Staged     bool

	// Terminal
	ErrorCode int
	Status    string
}

// State names. The registration order in Register is the pipeline order.
const (
	StateCleanupPreviousUpdate = "cleanup_previous_update"
	StateDownloadApply         = "download_apply"
	StateFilesystemVerify      = "filesystem_verify"
	StatePostinstall           = "postinstall"
	StateUpdateMarker          = "update_marker"
	StateFailed                = "failed"
)

// StageWeight is the share each stage contributes to overall progress.
// Download dominates; verify and postinstall split the rest.
var StageWeight = map[string]float64{
	StateCleanupPreviousUpdate: 0.0,
	StateDownloadApply:         0.5,
	StateFilesystemVerify:      0.4,
	StatePostinstall:           0.1,
	StateUpdateMarker:          0.0,
}

// StageOrder lists the progress-bearing stages in pipeline order.
var StageOrder = []string{
	StateCleanupPreviousUpdate,
	StateDownloadApply,
	StateFilesystemVerify,
	StatePostinstall,
	StateUpdateMarker,
}

// OverallProgress folds a stage-local fraction into the weighted overall
// progress, counting every earlier stage as complete.
func OverallProgress(stage string, frac float64) float64 {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}

	var done float64
	for _, s := range StageOrder {
		if s == stage {
			return done + StageWeight[s]*frac
		}
		done += StageWeight[s]
	}
	return done
}
