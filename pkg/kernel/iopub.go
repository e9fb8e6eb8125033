package kernel

import (
	"encoding/json"
	"strings"

	"github.com/aretw0/folio/pkg/notebook"
)

type statusContent struct {
	ExecutionState string `json:"execution_state"`
}

type streamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type displayContent struct {
	Data map[string]any `json:"data"`
}

type errorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

func (c *Client) handleIOPub(msg *Message) {
	parentID := msg.ParentHeader.MsgID
	origin := c.lookup(parentID)

	var ev Event
	switch msg.Header.MsgType {
	case "status":
		var content statusContent
		if !c.unmarshal(msg, &content) {
			return
		}
		ev = &KernelStatus{State: content.ExecutionState, Origin: origin}
		if content.ExecutionState == StatusIdle {
			defer c.markIdle(parentID)
		}
	case "stream":
		var content streamContent
		if !c.unmarshal(msg, &content) {
			return
		}
		kind := notebook.OutputStdout
		if content.Name == "stderr" {
			kind = notebook.OutputStderr
		}
		ev = &OutputData{Type: kind, MimetypeBundle: map[string]any{"text/plain": content.Text}, Origin: origin}
	case "execute_result", "display_data":
		var content displayContent
		if !c.unmarshal(msg, &content) {
			return
		}
		if content.Data == nil {
			content.Data = map[string]any{}
		}
		ev = &OutputData{Type: notebook.OutputResult, MimetypeBundle: content.Data, Origin: origin}
	case "error":
		var content errorContent
		if !c.unmarshal(msg, &content) {
			return
		}
		text := content.EName + ": " + content.EValue
		if len(content.Traceback) > 0 {
			text = strings.Join(content.Traceback, "\n")
		}
		ev = &OutputData{Type: notebook.OutputError, MimetypeBundle: map[string]any{"text/plain": text}, Origin: origin}
	case "execute_input", "clear_output", "comm_open", "comm_msg", "comm_close":
		return
	default:
		c.logger.Debug("ignoring iopub message", "msg_type", msg.Header.MsgType)
		return
	}
	c.handler(ev)
}

func (c *Client) unmarshal(msg *Message, v any) bool {
	if err := json.Unmarshal(msg.Content, v); err != nil {
		c.logger.Warn("dropping malformed iopub message", "msg_type", msg.Header.MsgType, "msg_id", msg.Header.MsgID, "err", err)
		return false
	}
	return true
}
