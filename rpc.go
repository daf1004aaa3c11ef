package uia2

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// rpcClient speaks JSON-RPC 2.0 over single-shot HTTP exchanges. One request
// per response; ids are monotonic per session purely for log correlation.
type rpcClient struct {
	dialer dialer
	log    *zap.SugaredLogger
	nextID atomic.Int64
}

func (c *rpcClient) call(ctx context.Context, method string, params interface{}, timeout time.Duration) (interface{}, error) {
	if params == nil {
		params = []interface{}{}
	}
	payload := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &RPCInvalidError{Msg: "encoding request: " + err.Error()}
	}

	c.log.Debugw("rpc call", "id", payload.ID, "method", method)
	resp, err := httpDo(ctx, c.dialer, http.MethodPost, rpcPath, body, timeout, c.log)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(resp.body, &fields); err != nil {
		return nil, &RPCInvalidError{Msg: "not a json object"}
	}
	if rawErr, ok := fields["error"]; ok {
		var errBody rpcErrorBody
		if err := json.Unmarshal(rawErr, &errBody); err != nil {
			return nil, &RPCInvalidError{Msg: "malformed error field"}
		}
		c.log.Debugw("rpc error", "id", payload.ID, "method", method, "code", errBody.Code, "message", errBody.Message)
		return nil, classifyRPCError(&errBody, resp.text(), method, params)
	}
	rawResult, ok := fields["result"]
	if !ok {
		return nil, &RPCInvalidError{Msg: "no result field"}
	}
	var result interface{}
	if err := json.Unmarshal(rawResult, &result); err != nil {
		return nil, &RPCInvalidError{Msg: "malformed result field"}
	}
	return result, nil
}

// The service reports internal failures as plain exception strings, not typed
// codes, so classification is an ordered substring table over the error
// message (and, for one case, the raw response text). Unmatched errors fall
// into RPCUnknownError. The substrings are the service's exact current
// wording; do not "fix" them.
type rpcErrorRule struct {
	substr   string
	matchRaw bool
	classify func(e *rpcErrorBody, method string, params interface{}) error
}

var rpcErrorRules = []rpcErrorRule{
	{substr: "UiAutomation not connected", matchRaw: true, classify: notConnectedErr},
	{substr: "android.os.DeadObjectException", classify: notConnectedErr},
	{substr: "android.os.DeadSystemRuntimeException", classify: notConnectedErr},
	{substr: "UiObjectNotFoundException", classify: func(e *rpcErrorBody, method string, params interface{}) error {
		return &UiObjectNotFoundError{Code: e.Code, Message: e.Message, Method: method, Params: params}
	}},
	{substr: "StackOverflowError", classify: func(e *rpcErrorBody, method string, params interface{}) error {
		return &RPCStackOverflowError{Code: e.Code, Message: e.Message, Stack: truncateStack(e.Data)}
	}},
}

func notConnectedErr(e *rpcErrorBody, method string, params interface{}) error {
	msg := e.Message
	if msg == "" {
		msg = "UiAutomation not connected"
	}
	return &UiAutomationNotConnectedError{Message: msg}
}

func classifyRPCError(e *rpcErrorBody, rawText, method string, params interface{}) error {
	for _, rule := range rpcErrorRules {
		haystack := e.Message
		if rule.matchRaw {
			haystack = rawText
		}
		if strings.Contains(haystack, rule.substr) {
			return rule.classify(e, method, params)
		}
	}
	return &RPCUnknownError{Code: e.Code, Message: e.Message, Stack: e.Data}
}

const stackKeepChars = 1000

func truncateStack(stack string) string {
	if len(stack) <= 2*stackKeepChars {
		return stack
	}
	return stack[:stackKeepChars] + "..." + stack[len(stack)-stackKeepChars:]
}
