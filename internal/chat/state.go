package chat

// State tracks one generation call through its lifecycle. Transitions:
//
//	Pending -> ContextAssembled -> LLMCalling -> Succeeded
//	                               LLMCalling -> Retrying -> LLMCalling
//	                               LLMCalling -> Failed
//
// Retrying is bounded by the retry config; exhausting it ends in Failed.
// Memory is committed only from Succeeded.
type State int

const (
	// StatePending is the initial state of every call.
	StatePending State = iota
	// StateContextAssembled means retrieval and the memory window are done
	// and the prompt is built.
	StateContextAssembled
	// StateLLMCalling means an outbound model call is in flight.
	StateLLMCalling
	// StateRetrying means a transient failure is waiting out its backoff.
	StateRetrying
	// StateSucceeded is terminal: the response is complete and memory
	// committed.
	StateSucceeded
	// StateFailed is terminal: no memory was written.
	StateFailed
)

// String returns the state name for logs and responses.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateContextAssembled:
		return "context_assembled"
	case StateLLMCalling:
		return "llm_calling"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
