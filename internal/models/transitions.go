package models

import (
	"errors"
	"fmt"
)

// Action is an event that moves a session between statuses
type Action string

const (
	ActionStartUpload        Action = "start_upload"
	ActionUploadComplete     Action = "upload_complete"
	ActionParseComplete      Action = "parse_complete"
	ActionAnalysisResolved   Action = "analysis_resolved"
	ActionColumnAmbiguous    Action = "column_ambiguous"
	ActionColumnSelected     Action = "column_selected"
	ActionStartConversion    Action = "start_conversion"
	ActionConversionComplete Action = "conversion_complete"
	ActionStartActivation    Action = "start_activation"
	ActionActivationComplete Action = "activation_complete"
	ActionFail               Action = "fail"
	ActionReject             Action = "reject"
)

// ErrInvalidTransition is returned when an action is not allowed from a status
var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[SessionStatus]map[Action]SessionStatus{
	StatusPending: {
		ActionStartUpload: StatusUploading,
	},
	StatusUploading: {
		ActionUploadComplete: StatusParsing,
	},
	StatusParsing: {
		ActionParseComplete: StatusAnalyzingEAN,
	},
	StatusAnalyzingEAN: {
		ActionAnalysisResolved: StatusApproved,
		ActionColumnAmbiguous:  StatusWaitingColumnSelection,
	},
	StatusWaitingColumnSelection: {
		ActionColumnSelected: StatusAnalyzingEAN,
	},
	StatusApproved: {
		ActionStartConversion: StatusConverting,
	},
	StatusConverting: {
		ActionConversionComplete: StatusReadyForActivation,
	},
	StatusReadyForActivation: {
		ActionStartActivation: StatusActivating,
	},
	StatusActivating: {
		ActionActivationComplete: StatusActivated,
	},
}

// NextStatus is the single authority on lifecycle moves. Fail and reject are
// accepted from every non-terminal status.
func NextStatus(current SessionStatus, action Action) (SessionStatus, error) {
	if current.IsTerminal() {
		return "", fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, current)
	}

	switch action {
	case ActionFail:
		return StatusFailed, nil
	case ActionReject:
		return StatusRejected, nil
	}

	next, ok := transitions[current][action]
	if !ok {
		return "", fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, action, current)
	}
	return next, nil
}

// CanApply reports whether action is allowed from current
func CanApply(current SessionStatus, action Action) bool {
	_, err := NextStatus(current, action)
	return err == nil
}
