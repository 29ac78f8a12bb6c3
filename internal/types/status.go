package types

import (
	"encoding/json"
	"fmt"
	"math"
)

// Status is the progress value carried by a StatusMessage.
type Status string

// Status values in the order a job can emit them.
const (
	StatusRunning   Status = "running"
	StatusUploading Status = "uploading"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further status follows for the job.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// StatusMessage is sent on the outbound queue. Metrics are flattened into the
// top-level object on the wire.
type StatusMessage struct {
	ID       string
	Status   Status
	Metrics  MetricSet
	Warnings []string
}

// MarshalJSON implements json.Marshaler. Non-finite metrics have no JSON
// form and are left out.
func (m StatusMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Metrics)+3)
	for name, value := range m.Metrics {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		out[name] = value
	}
	out["id"] = m.ID
	out["status"] = m.Status
	if len(m.Warnings) > 0 {
		out["warnings"] = m.Warnings
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. Any numeric key other than the
// reserved ones is read back as a metric.
func (m *StatusMessage) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var out StatusMessage
	for key, value := range raw {
		switch key {
		case "id":
			var id FlexString
			if err := json.Unmarshal(value, &id); err != nil {
				return fmt.Errorf("status id: %w", err)
			}
			out.ID = string(id)
		case "status":
			if err := json.Unmarshal(value, &out.Status); err != nil {
				return fmt.Errorf("status value: %w", err)
			}
		case "warnings":
			if err := json.Unmarshal(value, &out.Warnings); err != nil {
				return fmt.Errorf("status warnings: %w", err)
			}
		default:
			var v float64
			if err := json.Unmarshal(value, &v); err != nil {
				continue
			}
			if out.Metrics == nil {
				out.Metrics = MetricSet{}
			}
			out.Metrics[key] = v
		}
	}
	*m = out
	return nil
}
