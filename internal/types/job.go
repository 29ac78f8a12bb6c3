// Package types provides type definitions for the messages and records exchanged by the worker.
//
//nolint:revive // types is a standard Go package name pattern
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Defaults applied when the inbound message omits a numeric parameter.
const (
	DefaultPageLimit      = 1
	DefaultIterationCount = 1
	DefaultDepth          = 0
)

// Job is one page test decoded from an inbound queue message.
// It is immutable once built by JobMessage.ToJob.
type Job struct {
	ID                string `json:"id" validate:"required,max=128,pathsegment"`
	URL               string `json:"url" validate:"required,url"`
	Browser           string `json:"browser,omitempty"`
	ConnectionProfile string `json:"connection,omitempty"`
	PageLimit         int    `json:"pageLimit" validate:"min=1,max=1000"`
	IterationCount    int    `json:"iterationCount" validate:"min=1,max=100"`
	Depth             int    `json:"depth" validate:"min=0,max=10"`
	BasePath          string `json:"basePath,omitempty" validate:"safepath"`
	SubmittedAt       string `json:"submittedAt,omitempty"`
}

// OutputPath returns <basePath>/<id> without a leading slash. It is both the
// directory below the result root and the remote key prefix for uploads.
func (j *Job) OutputPath() string {
	return strings.TrimPrefix(path.Join("/", j.BasePath, j.ID), "/")
}

// ArchiveName is the file name of the compressed result inside the output directory.
func (j *Job) ArchiveName() string {
	return j.ID + ".tar.gz"
}

// Validate checks the job against its struct rules.
func (j *Job) Validate() error {
	if err := jobValidator().Struct(j); err != nil {
		return &ValidationError{JobID: j.ID, Cause: err}
	}
	return nil
}

// JobMessage is the wire form of a job on the inbound queue.
type JobMessage struct {
	ID         FlexString `json:"id"`
	URL        string     `json:"u"`
	Browser    string     `json:"b,omitempty"`
	Connection string     `json:"c,omitempty"`
	PageLimit  int        `json:"m,omitempty"`
	Iterations int        `json:"n,omitempty"`
	Depth      int        `json:"d,omitempty"`
	BasePath   string     `json:"p,omitempty"`
	Date       FlexString `json:"date,omitempty"`
}

// ToJob applies defaults and validates the result.
func (m *JobMessage) ToJob() (*Job, error) {
	job := &Job{
		ID:                string(m.ID),
		URL:               strings.TrimSpace(m.URL),
		Browser:           m.Browser,
		ConnectionProfile: m.Connection,
		PageLimit:         m.PageLimit,
		IterationCount:    m.Iterations,
		Depth:             m.Depth,
		BasePath:          m.BasePath,
		SubmittedAt:       string(m.Date),
	}
	// zero means "not set" on the wire, like the producers send it
	if job.PageLimit == 0 {
		job.PageLimit = DefaultPageLimit
	}
	if job.IterationCount == 0 {
		job.IterationCount = DefaultIterationCount
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// FlexString accepts either a JSON string or a JSON number.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(data))
	}
	*f = FlexString(n.String())
	return nil
}

// ValidationError reports a job that cannot be run.
type ValidationError struct {
	JobID string
	Cause error
}

func (e *ValidationError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("invalid job: %v", e.Cause)
	}
	return fmt.Sprintf("invalid job %s: %v", e.JobID, e.Cause)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// ValidJobID reports whether id is usable as a job id and output directory name.
func ValidJobID(id string) bool {
	return jobValidator().Var(id, "required,max=128,pathsegment") == nil
}

// RejectedJobID returns the id of a job message that failed validation when
// the message still names the job: it decodes, has a usable id and a URL. A
// submitter of such a message can be told the job failed.
func RejectedJobID(body []byte) (string, bool) {
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return "", false
	}
	id := string(msg.ID)
	if strings.TrimSpace(msg.URL) == "" || !ValidJobID(id) {
		return "", false
	}
	return id, true
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func jobValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("pathsegment", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			return s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
		})
		_ = validate.RegisterValidation("safepath", func(fl validator.FieldLevel) bool {
			for _, seg := range strings.Split(fl.Field().String(), "/") {
				if seg == ".." || strings.Contains(seg, `\`) {
					return false
				}
			}
			return true
		})
	})
	return validate
}
