package queue

import (
	"fmt"
	"strings"
)

// IngestMessage is the broker payload that hands an uploaded file to a worker.
type IngestMessage struct {
	JobID         string `json:"jobId"`
	FilePath      string `json:"filePath"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (m IngestMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return fmt.Errorf("jobId is required")
	}
	if strings.TrimSpace(m.FilePath) == "" {
		return fmt.Errorf("filePath is required")
	}
	return nil
}
