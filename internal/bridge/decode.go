package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/jonathan/pagetest-worker/internal/schemas"
	"github.com/jonathan/pagetest-worker/internal/types"
)

// DecodeJob turns an inbound payload into a validated job. The payload is
// checked against the job message schema first, then against the job rules.
func DecodeJob(body []byte) (*types.Job, error) {
	if err := schemas.ValidateJobMessage(body); err != nil {
		return nil, err
	}
	var msg types.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal job message: %w", err)
	}
	return msg.ToJob()
}
