package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/harun/mnemo/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestGateway(t *testing.T) *httptest.Server {
	t.Helper()

	registry := tools.NewRegistry(zerolog.Nop())
	require.NoError(t, registry.Register(tools.ToolDefinition{
		Name:        "ping",
		Description: "Returns pong.",
		Parameters: []tools.ToolParameter{
			{Name: "value", Type: "string", Description: "Echo value"},
		},
		Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			value, _ := params["value"].(string)
			return map[string]interface{}{"pong": value}, nil
		},
	}))

	srv, err := NewServer(Config{
		Port:         7657,
		SharedSecret: testSecret,
		Registry:     registry,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postRPC(t *testing.T, ts *httptest.Server, secret string, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/rpc", bytes.NewBufferString(body))
	require.NoError(t, err)
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestRPCInvocation(t *testing.T) {
	ts := newTestGateway(t)

	resp := postRPC(t, ts, testSecret, `{"id":"req-1","tool":"ping","params":{"value":"hello"}}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out InvocationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "req-1", out.ID)
	assert.True(t, out.Result.Success, out.Result.Error)
	assert.NotEmpty(t, out.Result.InvocationID)

	output := out.Result.Output.(map[string]interface{})
	assert.Equal(t, "hello", output["pong"])
}

func TestRPCRejectsBadSecret(t *testing.T) {
	ts := newTestGateway(t)

	resp := postRPC(t, ts, "wrong", `{"tool":"ping"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postRPC(t, ts, "", `{"tool":"ping"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRPCUnknownToolReturnsResult(t *testing.T) {
	ts := newTestGateway(t)

	resp := postRPC(t, ts, testSecret, `{"tool":"nope"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "tool errors ride inside the result")

	var out InvocationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.False(t, out.Result.Success)
	assert.Contains(t, out.Result.Error, "unknown tool")
}

func TestRPCRejectsMalformedBody(t *testing.T) {
	ts := newTestGateway(t)

	resp := postRPC(t, ts, testSecret, "{not json")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts := newTestGateway(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsExposed(t *testing.T) {
	ts := newTestGateway(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketInvocationStream(t *testing.T) {
	ts := newTestGateway(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + testSecret
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i, value := range []string{"one", "two"} {
		require.NoError(t, conn.WriteJSON(InvocationRequest{
			ID:     value,
			Tool:   "ping",
			Params: map[string]interface{}{"value": value},
		}))

		var resp InvocationResponse
		require.NoError(t, conn.ReadJSON(&resp))
		assert.Equal(t, value, resp.ID, "response %d pairs with its request", i)
		require.True(t, resp.Result.Success, resp.Result.Error)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	ts := newTestGateway(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestServerConfigValidation(t *testing.T) {
	registry := tools.NewRegistry(zerolog.Nop())

	_, err := NewServer(Config{Port: 0, SharedSecret: "s", Registry: registry})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 7657, SharedSecret: "", Registry: registry})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 7657, SharedSecret: "s", Registry: nil})
	assert.Error(t, err)
}
