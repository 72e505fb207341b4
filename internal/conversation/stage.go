package conversation

import "fmt"

// Stage is a named phase of a consultation.
type Stage string

const (
	StageInquiry             Stage = "INQUIRY"
	StageDetailedInquiry     Stage = "DETAILED_INQUIRY"
	StageInterimAdvice       Stage = "INTERIM_ADVICE"
	StageDiagnosis           Stage = "DIAGNOSIS"
	StagePrescription        Stage = "PRESCRIPTION"
	StagePrescriptionConfirm Stage = "PRESCRIPTION_CONFIRM"
	StageCompleted           Stage = "COMPLETED"
	StageTimeout             Stage = "TIMEOUT"
	StageEmergency           Stage = "EMERGENCY"
)

// Stages lists every stage in lifecycle order.
var Stages = []Stage{
	StageInquiry,
	StageDetailedInquiry,
	StageInterimAdvice,
	StageDiagnosis,
	StagePrescription,
	StagePrescriptionConfirm,
	StageCompleted,
	StageTimeout,
	StageEmergency,
}

// transitions is the allowed-transition table. Self-transitions are always
// legal and are not listed. TIMEOUT and EMERGENCY are reached from any
// non-terminal stage through End, not through this table.
var transitions = map[Stage][]Stage{
	StageInquiry:             {StageDetailedInquiry, StageInterimAdvice, StageCompleted, StageEmergency},
	StageDetailedInquiry:     {StageInterimAdvice, StageDiagnosis, StagePrescription, StageCompleted, StageEmergency},
	StageInterimAdvice:       {StageDetailedInquiry, StageDiagnosis, StagePrescription, StageCompleted},
	StageDiagnosis:           {StageInterimAdvice, StagePrescription, StageCompleted, StageEmergency},
	StagePrescription:        {StagePrescriptionConfirm, StageDetailedInquiry, StageCompleted},
	StagePrescriptionConfirm: {StageCompleted, StageDetailedInquiry},
}

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// IsTerminal reports whether no transition leaves s.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageTimeout || s == StageEmergency
}

// IsInquiry reports whether s is one of the information-gathering stages.
func (s Stage) IsInquiry() bool {
	return s == StageInquiry || s == StageDetailedInquiry || s == StageInterimAdvice
}

// CanTransition reports whether from -> to is allowed by the table.
func CanTransition(from, to Stage) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTargets returns the stages reachable from s, excluding s itself.
func AllowedTargets(s Stage) []Stage {
	return append([]Stage(nil), transitions[s]...)
}

// EndType classifies why a conversation ended.
type EndType string

const (
	EndNatural              EndType = "NATURAL"
	EndPrescriptionComplete EndType = "PRESCRIPTION_COMPLETE"
	EndSystemLimit          EndType = "SYSTEM_LIMIT"
	EndTimeout              EndType = "TIMEOUT"
	EndEmergency            EndType = "EMERGENCY"
	EndManual               EndType = "MANUAL"
)

var endTypes = []EndType{
	EndNatural,
	EndPrescriptionComplete,
	EndSystemLimit,
	EndTimeout,
	EndEmergency,
	EndManual,
}

// ParseEndType validates an end type name. EMERGENCY_REFERRAL is accepted
// as a synonym for EMERGENCY.
func ParseEndType(s string) (EndType, error) {
	if s == "EMERGENCY_REFERRAL" {
		return EndEmergency, nil
	}
	for _, et := range endTypes {
		if string(et) == s {
			return et, nil
		}
	}
	return "", fmt.Errorf("unknown end type %q", s)
}

// TerminalStage maps an end type to the stage a conversation rests in
// after ending. current is kept when it is already COMPLETED.
func TerminalStage(endType EndType, current Stage) Stage {
	switch endType {
	case EndTimeout:
		return StageTimeout
	case EndEmergency:
		return StageEmergency
	default:
		if current.IsTerminal() {
			return current
		}
		return StageCompleted
	}
}
