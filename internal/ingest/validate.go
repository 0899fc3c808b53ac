package ingest

import "fmt"

// Validator enforces the envelope contract plus per-topic field policy.
// Validation never stops the pipeline: callers log the error and drop the
// message.
type Validator struct {
	requiredTopics map[string]bool // payload must carry time and isend
	deviceIDTopics map[string]bool // device_id must be non-empty
	rules          *Rules
}

func NewValidator(requiredTopics, deviceIDTopics map[string]bool, rules *Rules) *Validator {
	return &Validator{
		requiredTopics: requiredTopics,
		deviceIDTopics: deviceIDTopics,
		rules:          rules,
	}
}

// Validate reports the first failed check. Nil means the message may be
// fanned out.
func (v *Validator) Validate(msg Message) error {
	if msg.Topic == "" {
		return fmt.Errorf("empty topic")
	}
	if msg.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	payload, ok := msg.Payload.(map[string]any)
	if !ok {
		return fmt.Errorf("payload is not a mapping")
	}

	if v.requiredTopics[msg.Topic] {
		for _, field := range []string{"time", "isend"} {
			if _, present := payload[field]; !present {
				return fmt.Errorf("missing required field %q", field)
			}
		}
	}
	if v.rules != nil {
		for _, field := range v.rules.RequiredFields(msg.Topic) {
			if _, present := payload[field]; !present {
				return fmt.Errorf("missing required field %q", field)
			}
		}
	}
	if v.deviceIDTopics[msg.Topic] && msg.DeviceID == "" {
		return fmt.Errorf("missing device_id")
	}
	return nil
}
