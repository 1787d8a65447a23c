package attempter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nimbleos/otad/pkg/errors"
)

// UpdateStatus is the externally visible coordinator state. The literal
// strings are parsed verbatim by clients and must not change.
type UpdateStatus int

const (
	StatusIdle UpdateStatus = iota
	StatusCheckingForUpdate
	StatusUpdateAvailable
	StatusDownloading
	StatusVerifying
	StatusFinalizing
	StatusUpdatedNeedReboot
	StatusReportingErrorEvent
	StatusAttemptingRollback
	StatusDisabled
	StatusCleanupPreviousUpdate
)

var statusStrings = map[UpdateStatus]string{
	StatusIdle:                  "UPDATE_STATUS_IDLE",
	StatusCheckingForUpdate:     "UPDATE_STATUS_CHECKING_FOR_UPDATE",
	StatusUpdateAvailable:       "UPDATE_STATUS_UPDATE_AVAILABLE",
	StatusDownloading:           "UPDATE_STATUS_DOWNLOADING",
	StatusVerifying:             "UPDATE_STATUS_VERIFYING",
	StatusFinalizing:            "UPDATE_STATUS_FINALIZING",
	StatusUpdatedNeedReboot:     "UPDATE_STATUS_UPDATED_NEED_REBOOT",
	StatusReportingErrorEvent:   "UPDATE_STATUS_REPORTING_ERROR_EVENT",
	StatusAttemptingRollback:    "UPDATE_STATUS_ATTEMPTING_ROLLBACK",
	StatusDisabled:              "UPDATE_STATUS_DISABLED",
	StatusCleanupPreviousUpdate: "UPDATE_STATUS_CLEANUP_PREVIOUS_UPDATE",
}

func (s UpdateStatus) String() string {
	if str, ok := statusStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("UPDATE_STATUS_UNKNOWN_%d", int(s))
}

// ParseUpdateStatus inverts String.
func ParseUpdateStatus(raw string) (UpdateStatus, error) {
	for s, str := range statusStrings {
		if str == raw {
			return s, nil
		}
	}
	return StatusIdle, fmt.Errorf("unknown update status %q", raw)
}

// EngineStatus is the exported status snapshot.
type EngineStatus struct {
	LastCheckedTime          int64
	Progress                 float64
	NewSizeBytes             int64
	Status                   UpdateStatus
	NewVersion               string
	IsEnterpriseRollback     bool
	IsInstall                bool
	WillPowerwashAfterReboot bool
}

// Export keys; clients parse these names verbatim.
const (
	keyLastCheckedTime          = "LAST_CHECKED_TIME"
	keyProgress                 = "PROGRESS"
	keyNewSize                  = "NEW_SIZE"
	keyCurrentOp                = "CURRENT_OP"
	keyNewVersion               = "NEW_VERSION"
	keyIsEnterpriseRollback     = "IS_ENTERPRISE_ROLLBACK"
	keyIsInstall                = "IS_INSTALL"
	keyWillPowerwashAfterReboot = "WILL_POWERWASH_AFTER_REBOOT"
)

// String renders the status as the key/value blob clients consume.
func (s EngineStatus) String() string {
	kv := map[string]string{
		keyLastCheckedTime:          strconv.FormatInt(s.LastCheckedTime, 10),
		keyProgress:                 strconv.FormatFloat(s.Progress, 'g', -1, 64),
		keyNewSize:                  strconv.FormatInt(s.NewSizeBytes, 10),
		keyCurrentOp:                s.Status.String(),
		keyNewVersion:               s.NewVersion,
		keyIsEnterpriseRollback:     strconv.FormatBool(s.IsEnterpriseRollback),
		keyIsInstall:                strconv.FormatBool(s.IsInstall),
		keyWillPowerwashAfterReboot: strconv.FormatBool(s.WillPowerwashAfterReboot),
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, kv[k])
	}
	return b.String()
}

// ParseEngineStatus decodes a key/value blob back into a snapshot.
func ParseEngineStatus(raw string) (EngineStatus, error) {
	var s EngineStatus
	for _, line := range strings.Split(raw, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		var err error
		switch k {
		case keyLastCheckedTime:
			s.LastCheckedTime, err = strconv.ParseInt(v, 10, 64)
		case keyProgress:
			s.Progress, err = strconv.ParseFloat(v, 64)
		case keyNewSize:
			s.NewSizeBytes, err = strconv.ParseInt(v, 10, 64)
		case keyCurrentOp:
			s.Status, err = ParseUpdateStatus(v)
		case keyNewVersion:
			s.NewVersion = v
		case keyIsEnterpriseRollback:
			s.IsEnterpriseRollback, err = strconv.ParseBool(v)
		case keyIsInstall:
			s.IsInstall, err = strconv.ParseBool(v)
		case keyWillPowerwashAfterReboot:
			s.WillPowerwashAfterReboot, err = strconv.ParseBool(v)
		}
		if err != nil {
			return s, errors.Wrap(err, "malformed status field "+k)
		}
	}
	return s, nil
}
