package streamctrl

// State is the stream controller state.
type State uint8

const (
	StateStopped State = iota
	StateIdle
	StateKeyLoading
	StateFragLoading
	StateFragLoadingWaitingRetry
	StateWaitingLevel
	StateParsing
	StateParsed
	StateBufferFlushing
	StateEnded
	StateError
)

var stateNames = [...]string{
	StateStopped:                 "STOPPED",
	StateIdle:                    "IDLE",
	StateKeyLoading:              "KEY_LOADING",
	StateFragLoading:             "FRAG_LOADING",
	StateFragLoadingWaitingRetry: "FRAG_LOADING_WAITING_RETRY",
	StateWaitingLevel:            "WAITING_LEVEL",
	StateParsing:                 "PARSING",
	StateParsed:                  "PARSED",
	StateBufferFlushing:          "BUFFER_FLUSHING",
	StateEnded:                   "ENDED",
	StateError:                   "ERROR",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}
