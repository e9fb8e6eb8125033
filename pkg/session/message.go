package session

import (
	"github.com/aretw0/folio/pkg/kernel"
	"github.com/aretw0/folio/pkg/notebook"
)

// MessageType tags an outbound message.
type MessageType string

const (
	TypeSnapshot     MessageType = "snapshot"
	TypeUpdate       MessageType = "update"
	TypeKernelStatus MessageType = "kernel.status"
	TypeKernelOutput MessageType = "kernel.output"
	TypeKernelReply  MessageType = "kernel.reply"
	TypeError        MessageType = "error"
	TypeNotification MessageType = "notification"
)

// ErrorBody is the error payload of error and notification messages.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is what a session sends to its clients. A message may be shared between clients
// and must not be modified after it is sent.
type Message struct {
	Type         MessageType        `json:"type"`
	RequestID    string             `json:"requestId,omitempty"`
	ConnectionID string             `json:"connectionId,omitempty"`
	Notebook     *notebook.Notebook `json:"notebook,omitempty"`
	Kernel       kernel.State       `json:"kernel,omitempty"`
	Update       notebook.Update    `json:"update,omitempty"`
	Event        kernel.Event       `json:"event,omitempty"`
	Error        *ErrorBody         `json:"error,omitempty"`
}

func errorMessage(requestID string, err error) *Message {
	return &Message{
		Type:      TypeError,
		RequestID: requestID,
		Error:     &ErrorBody{Code: ErrorCode(err), Message: err.Error()},
	}
}

func kernelMessage(ev kernel.Event) *Message {
	msg := &Message{Event: ev}
	switch ev.(type) {
	case *kernel.KernelStatus:
		msg.Type = TypeKernelStatus
	case *kernel.OutputData:
		msg.Type = TypeKernelOutput
	case *kernel.ExecuteReply:
		msg.Type = TypeKernelReply
	}
	if origin := ev.Context(); origin != nil {
		msg.RequestID = origin.RequestID
		msg.ConnectionID = origin.ConnectionID
	}
	return msg
}
