package kit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestChain_Order(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}

	base := func(_ context.Context, _ any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	resp, err := Chain(mw("a"), mw("b"))(base)(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Fatalf("response: got %v", resp)
	}

	expected := []string{"a_before", "b_before", "endpoint", "b_after", "a_after"}
	if strings.Join(order, ",") != strings.Join(expected, ",") {
		t.Fatalf("order: got %v, want %v", order, expected)
	}
}

func TestLogging_RecordsFailure(t *testing.T) {
	// WHAT: The logging middleware logs failed calls with the endpoint name and error.
	// WHY: MCP and HTTP callers only see the error text; operators need the log line.
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	errFail := errors.New("fail")

	ep := Logging(logger, "reconcile")(func(_ context.Context, _ any) (any, error) {
		return nil, errFail
	})
	ctx := WithTraceID(WithTransport(context.Background(), TransportMCP), "abc123")
	if _, err := ep(ctx, nil); !errors.Is(err, errFail) {
		t.Fatalf("error: got %v, want %v", err, errFail)
	}

	out := buf.String()
	for _, want := range []string{`"endpoint":"reconcile"`, `"transport":"mcp"`, `"trace_id":"abc123"`, `"error":"fail"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestContext_Transport_Default(t *testing.T) {
	if v := GetTransport(context.Background()); v != "http" {
		t.Fatalf("default transport: got %q, want 'http'", v)
	}
	if v := GetTransport(WithTransport(context.Background(), "cli")); v != "cli" {
		t.Fatalf("transport: got %q", v)
	}
}

func TestContext_TraceID(t *testing.T) {
	if v := GetTraceID(context.Background()); v != "" {
		t.Fatalf("trace_id default: got %q", v)
	}
	ctx := WithTraceID(context.Background(), "trc_xyz")
	if v := GetTraceID(ctx); v != "trc_xyz" {
		t.Fatalf("trace_id: got %q", v)
	}
}

func TestContext_RunID(t *testing.T) {
	if v := GetRunID(context.Background()); v != "" {
		t.Fatalf("run_id default: got %q", v)
	}
	if v := GetRunID(WithRunID(context.Background(), "run_1")); v != "run_1" {
		t.Fatalf("run_id: got %q", v)
	}
	if v := GetTransport(WithTransport(context.Background(), "")); v != TransportHTTP {
		t.Fatalf("empty transport: got %q, want %q", v, TransportHTTP)
	}
}

func TestDecodeJSON(t *testing.T) {
	type listRequest struct {
		TargetID string `json:"target_id"`
		Limit    int    `json:"limit"`
	}
	decode := DecodeJSON[listRequest]()
	call := func(args string) (*MCPDecodeResult, error) {
		return decode(&mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{Arguments: json.RawMessage(args)}})
	}

	res, err := call(`{"target_id":"tgt_1","limit":5}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r := res.Request.(*listRequest); r.TargetID != "tgt_1" || r.Limit != 5 {
		t.Fatalf("request: got %+v", r)
	}
	if res, err = decode(&mcp.CallToolRequest{}); err != nil || res.Request.(*listRequest).Limit != 0 {
		t.Fatalf("empty arguments: got %+v, %v", res, err)
	}
	if _, err := call(`{"target":"tgt_1"}`); err == nil {
		t.Fatal("expected error for unknown field")
	}
}
