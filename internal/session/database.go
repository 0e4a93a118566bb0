package session

import "errors"

var ErrRunNotFound = errors.New("no such run")

// Database persists RunRecords. ListRuns returns the newest run first. DeleteRun returns ErrRunNotFound for an
// unknown ID.
type Database interface {
	ListRuns() ([]RunRecord, error)
	WriteRun(*RunRecord) error
	DeleteRun(RunID) error
}

type NilDatabase struct{}

func (d NilDatabase) ListRuns() ([]RunRecord, error) {
	return nil, nil
}

func (d NilDatabase) WriteRun(_ *RunRecord) error {
	return nil
}

func (d NilDatabase) DeleteRun(_ RunID) error {
	return nil
}
