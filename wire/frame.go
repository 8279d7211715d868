// Package wire implements the frame codec for the gateway's message union:
// encoding and decoding the tagged envelope that is read from and written to
// the WebSocket, plus the nested payloads carried by each frame kind.
//
// Payloads are encoded as JSON rather than the original protobuf wire format;
// arikawa's gateway package makes the same simplifying choice for the
// Discord gateway (trading a generated-code dependency for a small, hand
// written union), and the shape translates directly.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameKind names one arm of the gateway message union. The literal values
// match the gateway's wire vocabulary so that logs and error messages read
// the same as the protocol documentation.
type FrameKind string

const (
	KindGatewayHello                 FrameKind = "GATEWAY_HELLO"
	KindWorkerConnect                FrameKind = "WORKER_CONNECT"
	KindGatewayConnectionReady       FrameKind = "GATEWAY_CONNECTION_READY"
	KindGatewayHeartbeat             FrameKind = "GATEWAY_HEARTBEAT"
	KindWorkerHeartbeat              FrameKind = "WORKER_HEARTBEAT"
	KindGatewayClosing               FrameKind = "GATEWAY_CLOSING"
	KindWorkerPause                  FrameKind = "WORKER_PAUSE"
	KindGatewayExecutorRequest       FrameKind = "GATEWAY_EXECUTOR_REQUEST"
	KindWorkerRequestAck             FrameKind = "WORKER_REQUEST_ACK"
	KindWorkerReply                  FrameKind = "WORKER_REPLY"
	KindWorkerReplyAck               FrameKind = "WORKER_REPLY_ACK"
	KindWorkerRequestExtendLease     FrameKind = "WORKER_REQUEST_EXTEND_LEASE"
	KindWorkerRequestExtendLeaseAck  FrameKind = "WORKER_REQUEST_EXTEND_LEASE_ACK"
)

// Frame is the envelope read from and written to the WebSocket.
type Frame struct {
	Kind    FrameKind       `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is any payload type that knows its own frame kind.
type Message interface {
	Kind() FrameKind
}

// MalformedFrame is returned when a frame's payload cannot be decoded for
// its declared kind. The owning connection treats this as fatal (spec
// §4.1, §7): the frame's shape can no longer be trusted, so the connection
// is torn down and the supervisor retries fresh.
type MalformedFrame struct {
	Kind FrameKind
	Err  error
}

func (e *MalformedFrame) Error() string {
	return fmt.Sprintf("malformed frame %s: %s", e.Kind, e.Err)
}

func (e *MalformedFrame) Unwrap() error { return e.Err }

// Encode marshals a Message into its wire Frame.
func Encode(msg Message) (Frame, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Frame{}, &MalformedFrame{Kind: msg.Kind(), Err: err}
	}

	return Frame{Kind: msg.Kind(), Payload: payload}, nil
}

// EncodeBytes marshals a Message directly to the bytes that should be
// written to the WebSocket.
func EncodeBytes(msg Message) ([]byte, error) {
	f, err := Encode(msg)
	if err != nil {
		return nil, err
	}

	return json.Marshal(f)
}

// DecodeFrame unmarshals raw WebSocket bytes into a Frame envelope, without
// touching the nested payload.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, &MalformedFrame{Kind: "", Err: err}
	}

	return f, nil
}

// DecodeInto decodes a Frame's payload into out, which must be a pointer to
// the payload type matching f.Kind.
func DecodeInto(f Frame, out interface{}) error {
	if len(f.Payload) == 0 {
		return nil
	}

	if err := json.Unmarshal(f.Payload, out); err != nil {
		return &MalformedFrame{Kind: f.Kind, Err: err}
	}

	return nil
}

// --- payloads -------------------------------------------------------------

// GatewayHello carries no payload; it is the first frame of the handshake.
type GatewayHello struct{}

func (GatewayHello) Kind() FrameKind { return KindGatewayHello }

// AppIdentifier names one registered app and its opaque, pre-serialized
// function metadata.
type AppIdentifier struct {
	ClientID         string `json:"client_id"`
	FunctionMetadata []byte `json:"function_metadata"`
	Version          string `json:"version"`
}

// WorkerAttributes are the static attributes reported once per connection.
type WorkerAttributes struct {
	SDKVersion      string    `json:"sdk_version"`
	Platform        string    `json:"platform"`
	InstanceID      string    `json:"instance_id"`
	MaxConcurrency  int       `json:"max_concurrency"`
	StartedAt       time.Time `json:"started_at"`
}

// WorkerConnect is sent in response to GatewayHello.
type WorkerConnect struct {
	SessionToken string           `json:"session_token"`
	SyncToken    string           `json:"sync_token"`
	Capabilities json.RawMessage  `json:"capabilities,omitempty"`
	Apps         []AppIdentifier  `json:"apps"`
	Worker       WorkerAttributes `json:"worker"`
}

func (WorkerConnect) Kind() FrameKind { return KindWorkerConnect }

// GatewayConnectionReady completes the handshake.
type GatewayConnectionReady struct {
	ConnectionID        string `json:"connection_id"`
	GatewayGroup        string `json:"gateway_group"`
	HeartbeatInterval   string `json:"heartbeat_interval"`
	LeaseExtendInterval string `json:"lease_extend_interval"`
}

func (GatewayConnectionReady) Kind() FrameKind { return KindGatewayConnectionReady }

// GatewayHeartbeat is sent by the gateway to acknowledge liveness.
type GatewayHeartbeat struct{}

func (GatewayHeartbeat) Kind() FrameKind { return KindGatewayHeartbeat }

// WorkerHeartbeat is sent by the worker on its heartbeat timer.
type WorkerHeartbeat struct{}

func (WorkerHeartbeat) Kind() FrameKind { return KindWorkerHeartbeat }

// GatewayClosing notifies the worker that this gateway is draining.
type GatewayClosing struct{}

func (GatewayClosing) Kind() FrameKind { return KindGatewayClosing }

// WorkerPause tells the gateway the worker will stop accepting new work on
// this connection.
type WorkerPause struct{}

func (WorkerPause) Kind() FrameKind { return KindWorkerPause }

// GatewayExecutorRequest dispatches one function execution to the worker.
type GatewayExecutorRequest struct {
	RequestID    string `json:"request_id"`
	App          string `json:"app"`
	FunctionSlug string `json:"function_slug"`
	LeaseID      string `json:"lease_id"`
	Body         []byte `json:"body"`
}

func (GatewayExecutorRequest) Kind() FrameKind { return KindGatewayExecutorRequest }

// WorkerRequestAck is sent immediately upon accepting an executor request.
type WorkerRequestAck struct {
	RequestID string `json:"request_id"`
}

func (WorkerRequestAck) Kind() FrameKind { return KindWorkerRequestAck }

// WorkerReply carries the encoded response to a prior executor request.
type WorkerReply struct {
	RequestID string `json:"request_id"`
	Body      []byte `json:"body"`
	NoRetry   bool   `json:"no_retry"`
}

func (WorkerReply) Kind() FrameKind { return KindWorkerReply }

// WorkerReplyAck acknowledges a WorkerReply, letting the buffer drop it.
type WorkerReplyAck struct {
	RequestID string `json:"request_id"`
}

func (WorkerReplyAck) Kind() FrameKind { return KindWorkerReplyAck }

// WorkerRequestExtendLease asks the gateway to renew an in-flight request's
// lease.
type WorkerRequestExtendLease struct {
	RequestID string `json:"request_id"`
	LeaseID   string `json:"lease_id"`
}

func (WorkerRequestExtendLease) Kind() FrameKind { return KindWorkerRequestExtendLease }

// WorkerRequestExtendLeaseAck answers a lease extension request. An empty
// LeaseID means the gateway has given up on redelivery tracking for this
// request; the request stays in-flight, but no further extensions are sent.
type WorkerRequestExtendLeaseAck struct {
	RequestID string `json:"request_id"`
	LeaseID   string `json:"lease_id,omitempty"`
}

func (WorkerRequestExtendLeaseAck) Kind() FrameKind { return KindWorkerRequestExtendLeaseAck }
