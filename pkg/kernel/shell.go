package kernel

import (
	"context"
	"encoding/json"
	"fmt"
)

// ExecuteRequest asks the kernel to run one piece of code.
type ExecuteRequest struct {
	Code    string
	Context *RequestContext
	// Silent suppresses outputs and does not bump the execution counter.
	Silent bool
}

type executeContent struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

type executeReplyContent struct {
	Status         string   `json:"status"`
	ExecutionCount *int     `json:"execution_count"`
	EName          string   `json:"ename"`
	EValue         string   `json:"evalue"`
	Traceback      []string `json:"traceback"`
}

// Execute sends an execute_request and returns its future. It never waits for the reply.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*Call, error) {
	msg, err := c.codec.NewMessage("execute_request", executeContent{
		Code:            req.Code,
		Silent:          req.Silent,
		StoreHistory:    !req.Silent,
		UserExpressions: map[string]any{},
		StopOnError:     true,
	})
	if err != nil {
		return nil, err
	}

	call, err := c.track(msg.Header.MsgID, req.Context)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, c.shell, msg); err != nil {
		c.forget(msg.Header.MsgID)
		return nil, fmt.Errorf("send execute_request: %w", err)
	}
	c.logger.Debug("execute request sent", "msg_id", msg.Header.MsgID)
	return call, nil
}

// RequestShutdown asks the kernel to exit, over the control channel when there is one.
func (c *Client) RequestShutdown(ctx context.Context, restart bool) error {
	msg, err := c.codec.NewMessage("shutdown_request", map[string]bool{"restart": restart})
	if err != nil {
		return err
	}
	conn := c.shell
	if c.control != nil {
		conn = c.control
	}
	return c.send(ctx, conn, msg)
}

func (c *Client) handleShell(msg *Message) {
	switch msg.Header.MsgType {
	case "execute_reply":
		c.handleExecuteReply(msg)
	case "shutdown_reply", "kernel_info_reply":
	default:
		c.logger.Debug("ignoring shell message", "msg_type", msg.Header.MsgType)
	}
}

func (c *Client) handleExecuteReply(msg *Message) {
	parentID := msg.ParentHeader.MsgID
	var content executeReplyContent
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		c.logger.Warn("dropping malformed execute_reply", "msg_id", msg.Header.MsgID, "err", err)
		return
	}

	p := c.markReplied(parentID)
	if p == nil {
		c.logger.Warn("dropping unmatched execute_reply", "msg_id", msg.Header.MsgID, "parent_id", parentID)
		return
	}

	reply := &ExecuteReply{Origin: p.origin}
	switch content.Status {
	case "ok":
		reply.Success = true
		reply.ExecutionCounter = content.ExecutionCount
	case "aborted":
		reply.Aborted = true
	default:
		reply.ExecutionCounter = content.ExecutionCount
		reply.ErrorName = content.EName
		reply.ErrorMessage = content.EValue
		reply.Traceback = content.Traceback
	}

	c.handler(reply)
	p.call.resolve(reply, nil)
}
