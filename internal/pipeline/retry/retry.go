// Package retry decides whether a pipeline failure is worth a restart.
// Transient failures (flaky RPC, rate limits, dropped connections) restart
// the run from the committed cursor; terminal ones (bad config, constraint
// violations, cancelled context) stop the process so the fault is visible.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	ethrpc "github.com/ethereum/go-ethereum/rpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Class string

const (
	ClassTransient Class = "transient"
	ClassTerminal  Class = "terminal"
)

// Decision is a classification with the rule that produced it, so restart
// logs say why a failure was treated the way it was.
type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool { return d.Class == ClassTransient }

// markedError pins a classification onto an error at the site that knows
// best, overriding the heuristics in Classify.
type markedError struct {
	err      error
	decision Decision
}

func (e *markedError) Error() string { return e.err.Error() }
func (e *markedError) Unwrap() error { return e.err }

// Transient marks err so Classify treats it as restartable.
func Transient(err error) error {
	return mark(err, Decision{Class: ClassTransient, Reason: "explicit_transient"})
}

// Terminal marks err so Classify stops the pipeline on it.
func Terminal(err error) error {
	return mark(err, Decision{Class: ClassTerminal, Reason: "explicit_terminal"})
}

func mark(err error, d Decision) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, decision: d}
}

// Classify maps an error to a restart decision. Explicit marks win, then
// context state, then typed gRPC/RPC errors, then message heuristics.
// Unrecognized errors default to terminal: silently retrying an unknown
// fault hides it.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var marked *markedError
	if errors.As(err, &marked) {
		return marked.decision
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	if st, ok := status.FromError(err); ok {
		return classifyGRPCCode(st.Code())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Class: ClassTransient, Reason: "net_timeout"}
	}

	var httpErr ethrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 || httpErr.StatusCode >= 500 {
			return Decision{Class: ClassTransient, Reason: "http_status_transient"}
		}
		return Decision{Class: ClassTerminal, Reason: "http_status_terminal"}
	}
	var rpcErr ethrpc.Error
	if errors.As(err, &rpcErr) {
		return classifyJSONRPCCode(rpcErr.ErrorCode())
	}

	msg := strings.ToLower(err.Error())
	if matchesAny(msg, terminalTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if matchesAny(msg, transientTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

func classifyGRPCCode(code codes.Code) Decision {
	reason := "grpc_" + strings.ToLower(code.String())
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return Decision{Class: ClassTransient, Reason: reason}
	default:
		return Decision{Class: ClassTerminal, Reason: reason}
	}
}

// classifyJSONRPCCode follows the JSON-RPC 2.0 convention: the -32000..-32099
// band is server-defined and usually load related, the rest signals a bad
// request.
func classifyJSONRPCCode(code int) Decision {
	if code <= -32000 && code >= -32099 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_transient"}
	}
	if code == -32603 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_internal"}
	}
	return Decision{Class: ClassTerminal, Reason: "jsonrpc_terminal"}
}

func matchesAny(msg string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(msg, t) {
			return true
		}
	}
	return false
}

// Terminal tokens are checked first: "not found" in an otherwise retryable
// looking message still signals a request that will never succeed.
var terminalTokens = []string{
	"invalid argument",
	"invalid params",
	"method not found",
	"parse error",
	"malformed topic",
	"execution reverted",
	"not found",
	"constraint violation",
	"unique violation",
}

var transientTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"too many requests",
	"rate limit",
	"query returned more than",
	"response size exceeded",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
}
