package moverror

import (
	"errors"
	"fmt"
)

const (
	MOVER_UNEXPECTED          = "MOVRU"
	MOVER_DUPLICATE_RECORD    = "MOVRD"
	MOVER_DUPLICATE_TASK      = "MOVRT"
	MOVER_RANGE_CONFLICT      = "MOVRC"
	MOVER_REMOTE_FAILED       = "MOVRR"
	MOVER_INVALID_TASK        = "MOVRI"
	MOVER_OBJECT_NOT_EXIST    = "MOVRN"
	MOVER_METADATA_CORRUPTION = "MOVRM"
	MOVER_CONNECTION_ERROR    = "MOVRO"
)

var existingErrorCodeMap = map[string]string{
	MOVER_DUPLICATE_RECORD:    "DuplicateCoordinationRecord",
	MOVER_DUPLICATE_TASK:      "DuplicateTask",
	MOVER_RANGE_CONFLICT:      "RangeConflict",
	MOVER_REMOTE_FAILED:       "RemoteOperationFailed",
	MOVER_INVALID_TASK:        "InvalidTask",
	MOVER_OBJECT_NOT_EXIST:    "ObjectNotExists",
	MOVER_METADATA_CORRUPTION: "MetadataCorruption",
	MOVER_CONNECTION_ERROR:    "ConnectionError",
}

func GetMessageByCode(errorCode string) string {
	rep, ok := existingErrorCodeMap[errorCode]
	if ok {
		return rep
	}
	return "Unexpected error"
}

var _ error = &MoverError{}

type MoverError struct {
	Err error

	ErrorCode string
}

func New(errorCode string, message string) *MoverError {
	return &MoverError{
		Err:       errors.New(message),
		ErrorCode: errorCode,
	}
}

func Newf(errorCode string, format string, a ...any) *MoverError {
	return &MoverError{
		Err:       fmt.Errorf(format, a...),
		ErrorCode: errorCode,
	}
}

func (er *MoverError) Error() string {
	return er.Err.Error()
}

// CodeOf unwraps err looking for a MoverError and returns its code.
// Errors carrying no code map to MOVER_UNEXPECTED.
func CodeOf(err error) string {
	var me *MoverError
	if errors.As(err, &me) {
		return me.ErrorCode
	}
	return MOVER_UNEXPECTED
}
