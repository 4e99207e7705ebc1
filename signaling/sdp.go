package signaling

import (
	"fmt"

	"github.com/pion/sdp/v3"

	"github.com/opd-ai/toxcall/limits"
)

// MediaSummary lists which media sections of a description are active.
type MediaSummary struct {
	Audio bool
	Video bool
}

// InspectSDP reports the active audio and video sections of a session
// description. A section is inactive when its port is zero or it carries
// the inactive attribute.
func InspectSDP(raw string) (MediaSummary, error) {
	var summary MediaSummary
	if err := limits.ValidateSDP(raw); err != nil {
		return summary, err
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return summary, fmt.Errorf("parse sdp: %w", err)
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		if _, inactive := md.Attribute("inactive"); inactive {
			continue
		}
		switch md.MediaName.Media {
		case "audio":
			summary.Audio = true
		case "video":
			summary.Video = true
		}
	}
	return summary, nil
}
