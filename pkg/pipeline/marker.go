package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nimbleos/otad/pkg/bootctl"
)

// Marker is the update_completed_marker payload: which slot the finished
// attempt targeted and the payload it applied.
type Marker struct {
	PayloadFP  string
	TargetSlot bootctl.Slot
}

// Encode renders the marker's key/value lines.
func (m Marker) Encode() string {
	return fmt.Sprintf("PAYLOAD_FP=%s\nTARGET_SLOT=%d\n", m.PayloadFP, m.TargetSlot)
}

// ParseMarker decodes marker lines back into a Marker.
func ParseMarker(raw string) (Marker, error) {
	m := Marker{TargetSlot: bootctl.InvalidSlot}
	for _, line := range strings.Split(raw, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch k {
		case "PAYLOAD_FP":
			m.PayloadFP = v
		case "TARGET_SLOT":
			n, err := strconv.Atoi(v)
			if err != nil {
				return m, fmt.Errorf("malformed TARGET_SLOT %q", v)
			}
			m.TargetSlot = bootctl.Slot(n)
		}
	}
	if m.TargetSlot == bootctl.InvalidSlot {
		return m, fmt.Errorf("marker has no TARGET_SLOT")
	}
	return m, nil
}
