package phasemeter

import (
	"errors"
	"fmt"

	"github.com/norasector/phasemeter/pkg/types"
)

type Stage string

const (
	StageSetup       Stage = "setup"
	StageAcquisition Stage = "acquisition"
	StageExtraction  Stage = "extraction"
	StageShutdown    Stage = "shutdown"
)

var (
	ErrSetup       = errors.New("setup failed")
	ErrAcquisition = errors.New("acquisition failed")
	ErrExtraction  = errors.New("extraction failed")
	ErrShutdown    = errors.New("shutdown failed")

	ErrInvalidOptions = errors.New("invalid options")
	ErrNotRunning     = errors.New("phasemeter is not running")
	ErrAlreadyRunning = errors.New("phasemeter is already running")
)

var stageErrors = map[Stage]error{
	StageSetup:       ErrSetup,
	StageAcquisition: ErrAcquisition,
	StageExtraction:  ErrExtraction,
	StageShutdown:    ErrShutdown,
}

// Error reports the stage and device operation that failed.
// errors.Is matches it against the stage sentinel (ErrSetup etc.) as well as
// the wrapped cause.
type Error struct {
	Stage   Stage
	Op      string
	Channel types.ChannelID // zero when not channel specific
	Err     error
}

func (e *Error) Error() string {
	if e.Channel != 0 {
		return fmt.Sprintf("%s: %s %s: %v", e.Stage, e.Op, e.Channel, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return stageErrors[e.Stage] == target
}

func setupError(op string, id types.ChannelID, err error) error {
	return &Error{Stage: StageSetup, Op: op, Channel: id, Err: err}
}

func acquisitionError(op string, id types.ChannelID, err error) error {
	return &Error{Stage: StageAcquisition, Op: op, Channel: id, Err: err}
}
