package server

import (
	"net/http"

	"codeberg.org/mutker/thermalmon/internal/errors"
	"codeberg.org/mutker/thermalmon/internal/export"
	"codeberg.org/mutker/thermalmon/internal/session"
)

const (
	ErrInvalidRequest = errors.ErrInvalidArgument
	ErrListenFailed   = errors.ErrorCode("server_listen_failed")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrListenFailed: "HTTP server failed",
	})
}

var statusByCode = map[errors.ErrorCode]int{
	session.ErrNoDomainSelected: http.StatusBadRequest,
	session.ErrUnknownDomain:    http.StatusBadRequest,
	ErrInvalidRequest:           http.StatusBadRequest,
	session.ErrAlreadyRecording: http.StatusConflict,
	session.ErrNotRecording:     http.StatusConflict,
	session.ErrEmptySession:     http.StatusConflict,
	session.ErrNothingToRetry:   http.StatusConflict,
	export.ErrExportFailed:      http.StatusInternalServerError,
	export.ErrFinalizeFailed:    http.StatusInternalServerError,
}

func httpStatus(err error) int {
	if status, ok := statusByCode[errors.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}
