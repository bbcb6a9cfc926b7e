// Package runner implements the send_runner_request dispatch discipline: a
// pod-local connection registry tried first, falling back to a cross-pod
// Redis pub/sub relay when the target user's runner is homed on a different
// pod.
package runner

import "encoding/json"

// RequestType names one runner RPC kind. All share the same framed
// request/response discipline; pty_output and pty_exit are pushed
// proactively by the runner and never carry a reply.
type RequestType string

const (
	ReqExec          RequestType = "exec"
	ReqReadFile      RequestType = "read_file"
	ReqWriteFile     RequestType = "write_file"
	ReqListFiles     RequestType = "list_files"
	ReqFindFiles     RequestType = "find_files"
	ReqSearchInFiles RequestType = "search_in_files"
	ReqPTYCreate     RequestType = "pty_create"
	ReqPTYInput      RequestType = "pty_input"
	ReqPTYResize     RequestType = "pty_resize"
	ReqPTYClose      RequestType = "pty_close"

	// PushPTYOutput and PushPTYExit are proactive, unsolicited runner
	// pushes — they carry no request id to correlate a reply to.
	PushPTYOutput RequestType = "pty_output"
	PushPTYExit   RequestType = "pty_exit"
)

// Frame is the runner wire protocol: framed JSON with an optional id
// shared by a request/response pair. A response's Type ends in
// "_result" and carries a boolean Success; on failure Payload.error is
// set. Proactive pushes use PushPTYOutput/PushPTYExit and carry no id.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    RequestType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Success *bool           `json:"success,omitempty"`
}

// resultType appends the "_result" suffix the runner wire protocol uses
// for replies.
func resultType(t RequestType) RequestType {
	return RequestType(string(t) + "_result")
}

// errorPayload is the shape of Payload on a failed response.
type errorPayload struct {
	Error string `json:"error"`
}
