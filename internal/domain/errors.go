package domain

import (
	"errors"
	"strings"
)

// Sentinel errors. Callers wrap them with context and test with errors.Is.
var (
	ErrValidation            = errors.New("validation error")
	ErrPolicyBlock           = errors.New("blocked by risk policy")
	ErrDuplicateInFlight     = errors.New("an order for this user and symbol is already in flight")
	ErrNoBrokerAvailable     = errors.New("no healthy broker available")
	ErrTransientBroker       = errors.New("transient broker error")
	ErrExecutionFailure      = errors.New("execution failed")
	ErrExecutionTimeout      = errors.New("execution timed out")
	ErrLedgerIntegrity       = errors.New("audit ledger integrity check failed")
	ErrBrokerRejected        = errors.New("order rejected by broker")
	ErrPolicyNotFound        = errors.New("policy not found")
	ErrPolicyVersionNotFound = errors.New("policy version not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrOrderTerminal         = errors.New("order is already terminal")
	ErrOrderNotCancellable   = errors.New("order cannot be cancelled in its current state")
)

// Stable error codes exposed to API callers.
const (
	CodeValidation            = "VALIDATION_ERROR"
	CodePolicyBlock           = "POLICY_BLOCK"
	CodeDuplicateInFlight     = "DUPLICATE_IN_FLIGHT"
	CodeNoBrokerAvailable     = "NO_BROKER_AVAILABLE"
	CodeTransientBroker       = "TRANSIENT_BROKER_ERROR"
	CodeExecutionFailure      = "EXECUTION_FAILURE"
	CodeExecutionTimeout      = "EXECUTION_TIMEOUT"
	CodeLedgerIntegrity       = "LEDGER_INTEGRITY_ERROR"
	CodeBrokerRejected        = "BROKER_REJECTED"
	CodePolicyNotFound        = "POLICY_NOT_FOUND"
	CodePolicyVersionNotFound = "POLICY_VERSION_NOT_FOUND"
	CodeOrderNotFound         = "ORDER_NOT_FOUND"
	CodeOrderTerminal         = "ORDER_TERMINAL"
	CodeOrderNotCancellable   = "ORDER_NOT_CANCELLABLE"
	CodeInternal              = "INTERNAL_ERROR"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrValidation, CodeValidation},
	{ErrPolicyBlock, CodePolicyBlock},
	{ErrDuplicateInFlight, CodeDuplicateInFlight},
	{ErrNoBrokerAvailable, CodeNoBrokerAvailable},
	{ErrTransientBroker, CodeTransientBroker},
	{ErrExecutionFailure, CodeExecutionFailure},
	{ErrExecutionTimeout, CodeExecutionTimeout},
	{ErrLedgerIntegrity, CodeLedgerIntegrity},
	{ErrBrokerRejected, CodeBrokerRejected},
	{ErrPolicyVersionNotFound, CodePolicyVersionNotFound},
	{ErrPolicyNotFound, CodePolicyNotFound},
	{ErrOrderNotFound, CodeOrderNotFound},
	{ErrOrderTerminal, CodeOrderTerminal},
	{ErrOrderNotCancellable, CodeOrderNotCancellable},
}

// ErrorCode maps an error to its stable API code.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// ValidationError lists every problem found with a malformed request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation error: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// PolicyBlockError carries the firewall's reasoning for a BLOCK verdict.
type PolicyBlockError struct {
	Assessment *RiskAssessment
}

func (e *PolicyBlockError) Error() string {
	if e.Assessment == nil || len(e.Assessment.Reasoning) == 0 {
		return ErrPolicyBlock.Error()
	}
	return ErrPolicyBlock.Error() + ": " + strings.Join(e.Assessment.Reasoning, "; ")
}

func (e *PolicyBlockError) Is(target error) bool { return target == ErrPolicyBlock }
