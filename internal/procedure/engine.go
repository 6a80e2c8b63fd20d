package procedure

import (
	"encoding/json"
	"fmt"

	"github.com/ceedaragents/cyrus-sub002/pkg/trackerapi"
)

// Outcome classifies what the caller (the session manager) must do after
// CompleteSubroutine or ResumeAfterApproval returns.
type Outcome string

const (
	// OutcomeAdvance means render NextSubroutine's prompt and start a runner for it.
	OutcomeAdvance Outcome = "advance"
	// OutcomeComplete means the procedure has no more subroutines; post FinalText
	// as the final result and, for a child session, resume the parent.
	OutcomeComplete Outcome = "complete"
	// OutcomeAwaitApproval means post an elicitation and suspend until
	// ResumeAfterApproval is called. The caller must hold onto the
	// finished subroutine and its resultText itself; State carries no
	// approval-specific field.
	OutcomeAwaitApproval Outcome = "await_approval"
	// OutcomeValidationIteration means run FixerPrompt, then call
	// RerunValidation once the fixer completes.
	OutcomeValidationIteration Outcome = "validation_iteration"
	// OutcomeFailed means the procedure cannot continue; FailureKind
	// classifies why.
	OutcomeFailed Outcome = "failed"
)

// StepOutcome is the result of advancing the engine by one subroutine
// completion.
type StepOutcome struct {
	Outcome Outcome

	NextSubroutine Subroutine
	HasNext        bool

	FinalText string

	FixerPrompt   string
	Iteration     int
	MaxIterations int

	// ApprovalFeedback is non-empty when an approval was granted with
	// accompanying feedback text; the caller posts it as a thought.
	ApprovalFeedback string

	// ValidationExhausted is set alongside OutcomeAdvance when a
	// validation loop hit MaxIterations and the engine advanced anyway;
	// the caller should post a thought noting it.
	ValidationExhausted bool

	FailureKind trackerapi.ErrorKind
}

// Engine drives subroutine transitions for one procedure. It holds no
// per-session state; State is threaded through explicitly by the caller,
// which owns its persistence.
type Engine struct {
	maxValidationIterations int
}

// New constructs an Engine. maxValidationIterations governs how many
// fixer/rerun pairs a usesValidationLoop subroutine gets before the
// engine advances anyway.
func New(maxValidationIterations int) *Engine {
	if maxValidationIterations <= 0 {
		maxValidationIterations = 3
	}
	return &Engine{maxValidationIterations: maxValidationIterations}
}

// Current returns the subroutine at st.CurrentIndex, if any remain.
func Current(proc Procedure, st State) (Subroutine, bool) {
	if st.CurrentIndex < 0 || st.CurrentIndex >= len(proc.Subroutines) {
		return Subroutine{}, false
	}
	return proc.Subroutines[st.CurrentIndex], true
}

// Next returns the subroutine one past st.CurrentIndex.
func Next(proc Procedure, st State) (Subroutine, bool) {
	idx := st.CurrentIndex + 1
	if idx < 0 || idx >= len(proc.Subroutines) {
		return Subroutine{}, false
	}
	return proc.Subroutines[idx], true
}

// LastResult returns the most recently recorded subroutine result, used to
// reconstruct a synthetic success for a failed singleTurn subroutine.
func LastResult(st State) (SubroutineResult, bool) {
	if len(st.Results) == 0 {
		return SubroutineResult{}, false
	}
	return st.Results[len(st.Results)-1], true
}

// CompleteSubroutine processes the completion of the current subroutine.
// success and recoverable describe the runner's reported outcome;
// resultText is its response text (or, for a usesValidationLoop
// subroutine, a JSON-encoded ValidationVerdict).
func (e *Engine) CompleteSubroutine(proc Procedure, st State, finished Subroutine, success, recoverable bool, resultText string) (StepOutcome, State) {
	if !success && finished.SingleTurn && recoverable {
		if last, ok := LastResult(st); ok {
			success = true
			resultText = last.Text
		}
	}

	exhausted := false
	if finished.UsesValidationLoop {
		outcome, newSt, suspend := e.runValidationLoop(st, finished, resultText)
		if suspend {
			return outcome, newSt
		}
		st = newSt
		success = true
		exhausted = outcome.ValidationExhausted
	}

	if !success {
		return StepOutcome{Outcome: OutcomeFailed, FailureKind: trackerapi.RunnerReportedError}, st
	}

	if finished.RequiresApproval {
		return StepOutcome{Outcome: OutcomeAwaitApproval}, st
	}

	out, newSt := e.advance(proc, st, finished, resultText)
	out.ValidationExhausted = exhausted
	return out, newSt
}

// ResumeAfterApproval continues the procedure once a pending approval has
// been resolved. approved=false fails the procedure with the given kind
// (ApprovalRejected or ApprovalTimedOut).
func (e *Engine) ResumeAfterApproval(proc Procedure, st State, finished Subroutine, resultText string, approved bool, feedback string, timedOut bool) (StepOutcome, State) {
	if !approved {
		kind := trackerapi.ApprovalRejected
		if timedOut {
			kind = trackerapi.ApprovalTimedOut
		}
		return StepOutcome{Outcome: OutcomeFailed, FailureKind: kind}, st
	}
	out, newSt := e.advance(proc, st, finished, resultText)
	out.ApprovalFeedback = feedback
	return out, newSt
}

// RerunValidation is called once a fixer subroutine spawned in response to
// OutcomeValidationIteration completes; it re-enters the validation check
// with the verification subroutine's fresh result.
func (e *Engine) RerunValidation(proc Procedure, st State, finished Subroutine, resultText string) (StepOutcome, State) {
	return e.CompleteSubroutine(proc, st, finished, true, false, resultText)
}

func (e *Engine) advance(proc Procedure, st State, finished Subroutine, resultText string) (StepOutcome, State) {
	newSt := st
	newSt.Results = append(append([]SubroutineResult{}, st.Results...), SubroutineResult{
		Name: finished.Name, Success: true, Text: resultText,
	})
	newSt.CurrentIndex = st.CurrentIndex + 1
	newSt.ValidationLoop = nil

	next, hasNext := Current(proc, newSt)
	if !hasNext {
		return StepOutcome{Outcome: OutcomeComplete, FinalText: resultText}, newSt
	}
	return StepOutcome{Outcome: OutcomeAdvance, NextSubroutine: next, HasNext: true}, newSt
}

func (e *Engine) runValidationLoop(st State, finished Subroutine, resultText string) (StepOutcome, State, bool) {
	loop := st.ValidationLoop
	if loop == nil {
		loop = &ValidationLoopState{MaxIterations: e.maxValidationIterations}
	}

	verdict, err := parseVerdict(resultText)
	if err != nil {
		verdict = ValidationVerdict{Pass: false, Reason: "malformed validation result: " + err.Error()}
	}

	if verdict.Pass {
		newSt := st
		newSt.ValidationLoop = nil
		return StepOutcome{}, newSt, false
	}

	if loop.Iteration < loop.MaxIterations {
		loop.Iteration++
		loop.InFixerMode = true
		newSt := st
		newSt.ValidationLoop = loop
		return StepOutcome{
			Outcome:       OutcomeValidationIteration,
			FixerPrompt:   fixerPrompt(finished, verdict),
			Iteration:     loop.Iteration,
			MaxIterations: loop.MaxIterations,
		}, newSt, true
	}

	newSt := st
	newSt.ValidationLoop = nil
	return StepOutcome{ValidationExhausted: true}, newSt, false
}

func fixerPrompt(finished Subroutine, verdict ValidationVerdict) string {
	return fmt.Sprintf("Validation for %q failed: %s\n\nFix the issue and try again.", finished.Name, verdict.Reason)
}

func parseVerdict(resultText string) (ValidationVerdict, error) {
	var v ValidationVerdict
	if err := json.Unmarshal([]byte(resultText), &v); err != nil {
		return ValidationVerdict{}, err
	}
	return v, nil
}
