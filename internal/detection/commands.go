package detection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// VisionResponse is the payload returned by the vision service.
// Every field is optional; nil means the detector did not report it.
type VisionResponse struct {
	EyeClosed     *bool   `json:"eye_closed"`
	HeadDirection *string `json:"head_direction"`
	Microsleep    *bool   `json:"microsleep"`
	Yawn          *bool   `json:"yawn"`
	DangerLevel   *Scalar `json:"danger_level"`
	FatigueScore  *Scalar `json:"fatigue_score"`
	PhoneDetected *bool   `json:"phone_detected"`
}

// Scalar accepts either a JSON number or a JSON string and keeps its printable form.
type Scalar struct {
	text string
}

func (s *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s.text = str
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("scalar must be a number or a string: %w", err)
	}
	s.text = formatNumber(num)
	return nil
}

func (s Scalar) String() string {
	return s.text
}

// formatNumber prints numbers the way the detector's clients always have:
// no trailing zeros, no exponent for ordinary scores.
func formatNumber(num json.Number) string {
	f, err := num.Float64()
	if err != nil {
		return num.String()
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// fieldRule turns one detector signal into at most one command.
type fieldRule func(VisionResponse) (string, bool)

// commandRules is ordered by signal category. The order is part of the contract:
// eye, head, microsleep, yawn, danger, fatigue, phone.
var commandRules = []fieldRule{
	func(r VisionResponse) (string, bool) {
		if r.EyeClosed == nil {
			return "", false
		}
		if *r.EyeClosed {
			return "Eyes closed", true
		}
		return "Eyes open", true
	},
	func(r VisionResponse) (string, bool) {
		if r.HeadDirection == nil {
			return "", false
		}
		return "Head direction: " + strings.ToLower(*r.HeadDirection), true
	},
	func(r VisionResponse) (string, bool) {
		return "Microsleep detected", r.Microsleep != nil && *r.Microsleep
	},
	func(r VisionResponse) (string, bool) {
		return "stay alert", r.Yawn != nil && *r.Yawn
	},
	func(r VisionResponse) (string, bool) {
		if r.DangerLevel == nil {
			return "", false
		}
		return "Danger level: " + r.DangerLevel.String(), true
	},
	func(r VisionResponse) (string, bool) {
		if r.FatigueScore == nil {
			return "", false
		}
		return "Fatigue score: " + r.FatigueScore.String(), true
	},
	func(r VisionResponse) (string, bool) {
		return "Phone detected", r.PhoneDetected != nil && *r.PhoneDetected
	},
}

// Commands maps a vision response to its ordered command list.
// The result is never nil so that "nothing detected" encodes as [].
func Commands(resp VisionResponse) []string {
	commands := make([]string, 0, len(commandRules))
	for _, rule := range commandRules {
		if cmd, ok := rule(resp); ok {
			commands = append(commands, cmd)
		}
	}
	return commands
}
