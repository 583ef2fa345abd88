package remote

// Status is the coarse connection lifecycle position of a session
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionState is Disconnected, Connecting, Connected or Failed(Message).
// Message is only set for StatusFailed.
type ConnectionState struct {
	Status  Status
	Message string
}

var (
	Disconnected = ConnectionState{Status: StatusDisconnected}
	Connecting   = ConnectionState{Status: StatusConnecting}
	Connected    = ConnectionState{Status: StatusConnected}
)

// Failed builds the failure state carrying a human readable message.
func Failed(message string) ConnectionState {
	return ConnectionState{Status: StatusFailed, Message: message}
}

func (c ConnectionState) String() string {
	if c.Status == StatusFailed {
		return "failed: " + c.Message
	}
	return c.Status.String()
}

// UploadResult is produced once per upload call.
type UploadResult struct {
	Success    bool   `json:"success"`
	RemotePath string `json:"remote_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

// UploadSucceeded builds a successful result.
func UploadSucceeded(remotePath string) UploadResult {
	return UploadResult{Success: true, RemotePath: remotePath}
}

// UploadFailed converts err into a failed result.
func UploadFailed(err error) UploadResult {
	msg := "upload failed"
	if err != nil {
		msg = err.Error()
	}
	return UploadResult{Success: false, Error: msg}
}
