package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	simrpc "github.com/argisarris/rampctl/internal/sim/rpc"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline reached" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantClass  Class
		wantReason string
	}{
		{
			name:       "nil error",
			err:        nil,
			wantClass:  ClassTerminal,
			wantReason: "nil_error",
		},
		{
			name:       "context canceled",
			err:        fmt.Errorf("call: %w", context.Canceled),
			wantClass:  ClassTerminal,
			wantReason: "context_canceled",
		},
		{
			name:       "deadline exceeded",
			err:        fmt.Errorf("call: %w", context.DeadlineExceeded),
			wantClass:  ClassTransient,
			wantReason: "context_deadline_exceeded",
		},
		{
			name:       "net timeout",
			err:        fmt.Errorf("http request: %w", timeoutErr{}),
			wantClass:  ClassTransient,
			wantReason: "net_timeout",
		},
		{
			name:       "bridge server overload code",
			err:        &simrpc.RPCError{Code: -32005, Message: "too busy"},
			wantClass:  ClassTransient,
			wantReason: "jsonrpc_server_range",
		},
		{
			name:       "bridge method not found code",
			err:        &simrpc.RPCError{Code: -32601, Message: "method not found"},
			wantClass:  ClassTerminal,
			wantReason: "jsonrpc_terminal",
		},
		{
			name:       "wrapped bridge error",
			err:        fmt.Errorf("occupancy: %w", &simrpc.RPCError{Code: -32099, Message: "queue full"}),
			wantClass:  ClassTransient,
			wantReason: "jsonrpc_server_range",
		},
		{
			name:       "transient message token",
			err:        errors.New("dial tcp: connection refused"),
			wantClass:  ClassTransient,
			wantReason: "message_transient",
		},
		{
			name:       "gateway status",
			err:        errors.New("http status 503: upstream down"),
			wantClass:  ClassTransient,
			wantReason: "message_transient",
		},
		{
			name:       "unknown detector",
			err:        errors.New("unknown detector THA_occ_9"),
			wantClass:  ClassTerminal,
			wantReason: "message_terminal",
		},
		{
			name:       "length mismatch",
			err:        errors.New("occupancy response length mismatch: asked 2 sensors, got 1 values"),
			wantClass:  ClassTerminal,
			wantReason: "message_terminal",
		},
		{
			name:       "unrecognized defaults to terminal",
			err:        errors.New("something odd happened"),
			wantClass:  ClassTerminal,
			wantReason: "unknown_terminal_default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(tt.err)
			assert.Equal(t, tt.wantClass, d.Class)
			assert.Equal(t, tt.wantReason, d.Reason)
		})
	}
}

func TestExplicitMarkersWinOverContent(t *testing.T) {
	// A terminal-looking message forced transient.
	err := Transient(errors.New("unknown detector X"))
	d := Classify(err)
	assert.True(t, d.IsTransient())
	assert.Equal(t, "explicit_transient", d.Reason)

	// A transient-looking message forced terminal.
	err = Terminal(errors.New("connection refused"))
	d = Classify(err)
	assert.False(t, d.IsTransient())
	assert.Equal(t, "explicit_terminal", d.Reason)
}

func TestMarkersPreserveWrapping(t *testing.T) {
	base := errors.New("boom")
	marked := Transient(fmt.Errorf("call: %w", base))
	assert.ErrorIs(t, marked, base)
	assert.Equal(t, "call: boom", marked.Error())

	assert.Nil(t, Transient(nil))
	assert.Nil(t, Terminal(nil))
}
