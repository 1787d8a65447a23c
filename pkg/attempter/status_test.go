package attempter

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nimbleos/otad/pkg/errors"
)

func TestEngineStatusRoundTrip(t *testing.T) {
	s := EngineStatus{
		LastCheckedTime:          1722945600,
		Progress:                 0.47,
		NewSizeBytes:             1 << 30,
		Status:                   StatusDownloading,
		NewVersion:               "12.1.0",
		IsInstall:                true,
		WillPowerwashAfterReboot: true,
	}

	parsed, err := ParseEngineStatus(s.String())
	if err != nil {
		t.Fatalf("ParseEngineStatus failed: %v", err)
	}
	if diff := cmp.Diff(s, parsed); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateStatusStrings(t *testing.T) {
	tests := []struct {
		status UpdateStatus
		want   string
	}{
		{StatusIdle, "UPDATE_STATUS_IDLE"},
		{StatusDownloading, "UPDATE_STATUS_DOWNLOADING"},
		{StatusUpdatedNeedReboot, "UPDATE_STATUS_UPDATED_NEED_REBOOT"},
		{StatusReportingErrorEvent, "UPDATE_STATUS_REPORTING_ERROR_EVENT"},
		{StatusCleanupPreviousUpdate, "UPDATE_STATUS_CLEANUP_PREVIOUS_UPDATE"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		back, err := ParseUpdateStatus(tt.want)
		if err != nil || back != tt.status {
			t.Errorf("ParseUpdateStatus(%q) = (%v, %v)", tt.want, back, err)
		}
	}

	if _, err := ParseUpdateStatus("UPDATE_STATUS_BOGUS"); err == nil {
		t.Error("expected unknown status to fail")
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []UpdateStatus
	codes    []errors.Code
}

func (r *recordingObserver) OnStatusUpdate(s UpdateStatus, p float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recordingObserver) OnPayloadApplicationComplete(c errors.Code) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, c)
}

func TestBroadcaster_StateChangesAlwaysDeliver(t *testing.T) {
	b := newBroadcaster(time.Hour, 0.5)
	o := &recordingObserver{}
	b.register(o)

	b.statusUpdate(StatusDownloading, 0.1)
	b.statusUpdate(StatusVerifying, 0.5)
	b.statusUpdate(StatusFinalizing, 0.9)

	if len(o.statuses) != 3 {
		t.Errorf("state changes delivered = %d, want 3", len(o.statuses))
	}
}

func TestBroadcaster_ProgressThrottled(t *testing.T) {
	b := newBroadcaster(time.Hour, 0.005)
	o := &recordingObserver{}
	b.register(o)

	b.statusUpdate(StatusDownloading, 0.1)
	// Same state, huge delta, but inside the time window: suppressed.
	b.statusUpdate(StatusDownloading, 0.9)
	b.statusUpdate(StatusDownloading, 0.95)

	if len(o.statuses) != 1 {
		t.Errorf("throttled deliveries = %d, want 1", len(o.statuses))
	}
}

func TestBroadcaster_Unregister(t *testing.T) {
	b := newBroadcaster(0, 0)
	o := &recordingObserver{}
	handle := b.register(o)
	b.unregister(handle)

	b.statusUpdate(StatusDownloading, 0.1)
	b.complete(errors.Success)

	if len(o.statuses) != 0 || len(o.codes) != 0 {
		t.Error("unregistered observer still received callbacks")
	}
}
