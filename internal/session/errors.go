package session

import "codeberg.org/mutker/thermalmon/internal/errors"

const (
	ErrNoDomainSelected = errors.ErrorCode("session_no_domain_selected")
	ErrAlreadyRecording = errors.ErrorCode("session_already_recording")
	ErrNotRecording     = errors.ErrorCode("session_not_recording")
	ErrEmptySession     = errors.ErrorCode("session_empty")
	ErrNothingToRetry   = errors.ErrorCode("session_nothing_to_retry")
	ErrUnknownDomain    = errors.ErrorCode("session_unknown_domain")
	ErrInvalidConfig    = errors.ErrInvalidConfig
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrNoDomainSelected: "No domain selected",
		ErrAlreadyRecording: "Already recording",
		ErrNotRecording:     "Not recording",
		ErrEmptySession:     "Session stopped before the first sample",
		ErrNothingToRetry:   "No unsaved capture",
		ErrUnknownDomain:    "Unknown domain",
	})
}
