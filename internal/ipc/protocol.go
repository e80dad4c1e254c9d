package ipc

// Request is one newline-delimited control command sent to the loop owner.
type Request struct {
	Command string `json:"command"`
}

// Response is the owner's answer to a Request.
type Response struct {
	OK        bool   `json:"ok"`
	State     string `json:"state,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Reply     string `json:"reply,omitempty"`
}
