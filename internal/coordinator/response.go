package coordinator

// Action names on the anchor wire protocol.
const (
	ActionSlowScan = "slowScan"
	ActionFastScan = "fastScan"
	ActionMeasure  = "measure"
	ActionRegister = "register"
)

// Response tells an anchor what to do next. Times are epoch milliseconds.
type Response struct {
	Action        string    `json:"actionToExecute"`
	WhenToExecute int64     `json:"whenToExecute,omitempty"`
	Tags          []TagSlot `json:"tags,omitempty"`
}

// TagSlot is the instant at which an anchor ranges to one tag.
type TagSlot struct {
	DeviceID      string `json:"deviceID"`
	WhenToExecute int64  `json:"whenToExecute"`
}

func registerResponse() Response {
	return Response{Action: ActionRegister}
}
