package terminal

import "encoding/json"

// ClientMessageType names one message a browser terminal client sends.
type ClientMessageType string

const (
	ClientCreate ClientMessageType = "create"
	ClientAttach ClientMessageType = "attach"
	ClientInput  ClientMessageType = "input"
	ClientResize ClientMessageType = "resize"
	ClientClose  ClientMessageType = "close"
	ClientPing   ClientMessageType = "ping"
)

// ServerMessageType names one message the broker sends back to the
// browser.
type ServerMessageType string

const (
	ServerCreated      ServerMessageType = "created"
	ServerAttached     ServerMessageType = "attached"
	ServerAttachFailed ServerMessageType = "attach_failed"
	ServerOutput       ServerMessageType = "output"
	ServerExit         ServerMessageType = "exit"
	ServerError        ServerMessageType = "error"
	ServerPong         ServerMessageType = "pong"
)

// ClientMessage is one frame received from the browser.
type ClientMessage struct {
	Type    ClientMessageType `json:"type"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// ServerMessage is one frame sent to the browser.
type ServerMessage struct {
	Type    ServerMessageType `json:"type"`
	Payload any               `json:"payload,omitempty"`
}

type createPayload struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Cols    int      `json:"cols"`
	Rows    int      `json:"rows"`
}

type attachPayload struct {
	SessionID string `json:"session_id"`
}

type inputPayload struct {
	Data string `json:"data"`
}

type resizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type createdPayload struct {
	SessionID string `json:"session_id"`
}

type attachedPayload struct {
	SessionID     string `json:"session_id"`
	BufferedCount int    `json:"buffered_count"`
}

type attachFailedPayload struct {
	Message string `json:"message"`
}

type outputPayload struct {
	Data string `json:"data"`
}

type exitPayload struct {
	ExitCode int `json:"exit_code"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// pushFrame is the shape of a proactive pty_output/pty_exit push a
// runner publishes to OutputChannel(sessionID), mirroring runner.Frame's
// type/payload envelope without importing the runner package (the
// broker only needs to read these, not dispatch them).
type pushFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}
