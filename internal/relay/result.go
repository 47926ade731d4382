package relay

// Status tags the terminal outcome of one relayed request.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusDegraded Status = "degraded"
)

// DegradedMessage is the fixed user-presentable reply returned when the
// whole chain fails. Raw provider errors never reach the user.
const DegradedMessage = "Sorry, I couldn't complete that request right now. Please try again in a moment."

// Result is the orchestrator's terminal outcome. It is always well
// formed: either a success carrying the winning provider's reply, or a
// degraded result carrying the fixed message plus a diagnostic reason.
type Result struct {
	Status       Status `json:"status"`
	ProviderName string `json:"provider,omitempty"`
	Reply        string `json:"reply,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Message      string `json:"message,omitempty"`
}

func (r Result) Degraded() bool {
	return r.Status == StatusDegraded
}

func successResult(provider, reply string) Result {
	return Result{Status: StatusSuccess, ProviderName: provider, Reply: reply}
}

func degradedResult(reason string) Result {
	return Result{Status: StatusDegraded, Reason: reason, Message: DegradedMessage}
}
