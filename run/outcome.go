package run

// Outcome is the result of one step attempt: either Success or Failure.
type Outcome interface {
	isOutcome()
}

// Success carries the executor result
type Success struct {
	Result any
}

// Failure carries the failure kind, message and whether a retry may help
type Failure struct {
	Kind      string
	Message   string
	Retriable bool
}

func (Success) isOutcome() {}
func (Failure) isOutcome() {}

// Succeeded builds a Success outcome
func Succeeded(result any) Outcome {
	return Success{Result: result}
}

// Failed builds a Failure outcome
func Failed(kind, message string, retriable bool) Outcome {
	return Failure{Kind: kind, Message: message, Retriable: retriable}
}
