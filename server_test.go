package mcpbridge_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	mcpbridge "github.com/jerthedev/go-mcp-bridge"
)

// bridgeClient speaks the line-framed protocol against a served bridge from
// the peer's side of a pipe pair.
type bridgeClient struct {
	t      *testing.T
	writer io.Writer
	reader *bufio.Reader
}

func (c *bridgeClient) send(raw string) {
	c.t.Helper()
	if _, err := c.writer.Write([]byte(raw + "\n")); err != nil {
		c.t.Fatalf("failed to write frame: %v", err)
	}
}

func (c *bridgeClient) read() mcpbridge.JSONRPCMessage {
	c.t.Helper()
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("failed to read frame: %v", err)
	}
	var msg mcpbridge.JSONRPCMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		c.t.Fatalf("frame is not valid JSON: %v", err)
	}
	return msg
}

func waitForID(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("session id = %q, want %q", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for session %q", want)
	}
}

func TestServerSessionLifecycle(t *testing.T) {
	serverIn, clientWriter := io.Pipe()
	clientReader, serverOut := io.Pipe()
	defer clientWriter.Close()
	defer clientReader.Close()

	transport := mcpbridge.NewStdIO(serverIn, serverOut,
		mcpbridge.FramingConfig{Mode: mcpbridge.FramingLine})
	registry := dispatcherRegistry(t)

	connected := make(chan string, 1)
	disconnected := make(chan string, 1)

	server := mcpbridge.NewServer(
		mcpbridge.Info{Name: "bridge", Version: "0.0.1"},
		transport,
		registry,
		mcpbridge.WithServerInstructions("test session"),
		// Keep pings out of the byte stream for this test.
		mcpbridge.WithServerPingInterval(time.Hour),
		mcpbridge.WithServerOnClientConnected(func(id string, _ mcpbridge.Info) { connected <- id }),
		mcpbridge.WithServerOnClientDisconnected(func(id string) { disconnected <- id }),
	)
	go server.Serve()

	waitForID(t, connected, "stdio")

	client := &bridgeClient{t: t, writer: clientWriter, reader: bufio.NewReader(clientReader)}

	client.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{` +
		`"protocolVersion":"2024-11-05",` +
		`"capabilities":{"tools":{"listChanged":true},"resources":{"subscribe":true,"listChanged":true}},` +
		`"clientInfo":{"name":"test-client","version":"1.0.0"}}}`)

	resp := client.read()
	if resp.ID != "1" || resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp)
	}
	var initResult struct {
		ProtocolVersion string                       `json:"protocolVersion"`
		Capabilities    mcpbridge.ServerCapabilities `json:"capabilities"`
		ServerInfo      mcpbridge.Info               `json:"serverInfo"`
		Instructions    string                       `json:"instructions"`
	}
	if err := json.Unmarshal(resp.Result, &initResult); err != nil {
		t.Fatalf("failed to unmarshal initialize result: %v", err)
	}
	if initResult.ServerInfo.Name != "bridge" {
		t.Errorf("serverInfo.name = %q", initResult.ServerInfo.Name)
	}
	if initResult.Instructions != "test session" {
		t.Errorf("instructions = %q", initResult.Instructions)
	}
	if initResult.Capabilities.Tools == nil {
		t.Error("tools capability missing from handshake")
	}

	client.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	client.send(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	resp = client.read()
	if resp.ID != "2" || resp.Error != nil {
		t.Fatalf("tools/list failed: %+v", resp)
	}
	var listResult mcpbridge.ListToolsResult
	if err := json.Unmarshal(resp.Result, &listResult); err != nil {
		t.Fatalf("failed to unmarshal tools: %v", err)
	}
	if len(listResult.Tools) != 2 {
		t.Errorf("got %d tools, want 2", len(listResult.Tools))
	}

	client.send(`{"jsonrpc":"2.0","id":3,"method":"tools/call",` +
		`"params":{"name":"echo","arguments":{"text":"ahoy"}}}`)
	resp = client.read()
	if resp.ID != "3" || resp.Error != nil {
		t.Fatalf("tools/call failed: %+v", resp)
	}
	var callResult mcpbridge.CallToolResult
	if err := json.Unmarshal(resp.Result, &callResult); err != nil {
		t.Fatalf("failed to unmarshal call result: %v", err)
	}
	if callResult.IsError || len(callResult.Content) != 1 || callResult.Content[0].Text != "ahoy" {
		t.Errorf("unexpected call result: %+v", callResult)
	}

	// A component registered mid-session reaches the peer as a list-changed
	// notification through the broker.
	if err := registry.RegisterTool(mcpbridge.Tool{Name: "late"}, noopTool); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}
	notif := client.read()
	if notif.Method != mcpbridge.MethodNotificationsToolsListChanged {
		t.Errorf("expected list-changed notification, got %+v", notif)
	}

	// Peer-requested shutdown is acknowledged before the session closes.
	client.send(`{"jsonrpc":"2.0","id":4,"method":"shutdown"}`)
	resp = client.read()
	if resp.ID != "4" || resp.Error != nil {
		t.Fatalf("shutdown failed: %+v", resp)
	}
	waitForID(t, disconnected, "stdio")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("server shutdown failed: %v", err)
	}
}

func TestServerPingLoop(t *testing.T) {
	serverIn, clientWriter := io.Pipe()
	clientReader, serverOut := io.Pipe()
	defer clientWriter.Close()
	defer clientReader.Close()

	transport := mcpbridge.NewStdIO(serverIn, serverOut,
		mcpbridge.FramingConfig{Mode: mcpbridge.FramingLine})

	disconnected := make(chan string, 1)
	server := mcpbridge.NewServer(
		mcpbridge.Info{Name: "bridge", Version: "0.0.1"},
		transport,
		mcpbridge.NewRegistry(),
		mcpbridge.WithServerPingInterval(20*time.Millisecond),
		mcpbridge.WithServerPingTimeout(time.Second),
		mcpbridge.WithServerOnClientDisconnected(func(id string) { disconnected <- id }),
	)
	go server.Serve()

	client := &bridgeClient{t: t, writer: clientWriter, reader: bufio.NewReader(clientReader)}

	// The server keeps pinging; answer two rounds with bare acknowledgments.
	for range 2 {
		ping := client.read()
		if ping.Method != mcpbridge.MethodPing || ping.ID == "" {
			t.Fatalf("expected ping request, got %+v", ping)
		}
		// ping.ID carries its own JSON representation, quotes included.
		client.send(`{"jsonrpc":"2.0","id":` + string(ping.ID) + `}`)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("server shutdown failed: %v", err)
	}
	waitForID(t, disconnected, "stdio")
}

func TestServerDispatchesInArrivalOrder(t *testing.T) {
	serverIn, clientWriter := io.Pipe()
	clientReader, serverOut := io.Pipe()
	defer clientWriter.Close()
	defer clientReader.Close()

	transport := mcpbridge.NewStdIO(serverIn, serverOut,
		mcpbridge.FramingConfig{Mode: mcpbridge.FramingLine})

	registry := mcpbridge.NewRegistry()
	err := registry.RegisterTool(mcpbridge.Tool{Name: "slow"},
		func(_ context.Context, _ mcpbridge.CallToolParams, _ mcpbridge.ProgressReporter) (mcpbridge.CallToolResult, error) {
			time.Sleep(150 * time.Millisecond)
			return mcpbridge.CallToolResult{
				Content: []mcpbridge.Content{{Type: mcpbridge.ContentTypeText, Text: "done"}},
			}, nil
		})
	if err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}

	server := mcpbridge.NewServer(
		mcpbridge.Info{Name: "bridge", Version: "0.0.1"},
		transport,
		registry,
		mcpbridge.WithServerPingInterval(time.Hour),
	)
	go server.Serve()

	client := &bridgeClient{t: t, writer: clientWriter, reader: bufio.NewReader(clientReader)}

	client.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{` +
		`"protocolVersion":"2024-11-05","capabilities":{"tools":{}},` +
		`"clientInfo":{"name":"test-client","version":"1.0.0"}}}`)
	if resp := client.read(); resp.ID != "1" || resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp)
	}
	client.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	// A slow request followed by a fast one must still be answered in arrival
	// order.
	client.send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"slow"}}`)
	client.send(`{"jsonrpc":"2.0","id":3,"method":"ping"}`)

	first := client.read()
	second := client.read()
	if first.ID != "2" || second.ID != "3" {
		t.Errorf("responses out of order: first %s, second %s", first.ID, second.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("server shutdown failed: %v", err)
	}
}

func TestServerDrivesConnectionHealthChecks(t *testing.T) {
	serverIn, clientWriter := io.Pipe()
	clientReader, serverOut := io.Pipe()
	defer clientWriter.Close()
	defer clientReader.Close()

	transport := mcpbridge.NewStdIO(serverIn, serverOut,
		mcpbridge.FramingConfig{Mode: mcpbridge.FramingLine})

	pool := mcpbridge.NewConnectionPool()
	manager := mcpbridge.NewConnectionManager(
		mcpbridge.ConnectionConfig{Transport: "stdio"},
		pool,
		func(_ context.Context) (mcpbridge.PooledConnection, error) { return transport, nil },
		mcpbridge.HealthConfig{CheckInterval: 20 * time.Millisecond},
	)
	if _, err := manager.GetOrCreateConnection(context.Background()); err != nil {
		t.Fatalf("failed to establish connection: %v", err)
	}

	server := mcpbridge.NewServer(
		mcpbridge.Info{Name: "bridge", Version: "0.0.1"},
		transport,
		mcpbridge.NewRegistry(),
		mcpbridge.WithServerPingInterval(time.Hour),
		mcpbridge.WithServerConnectionManager(manager),
	)
	go server.Serve()

	// The serve loop owns the health cadence; wait for it to mark the
	// connection healthy.
	deadline := time.After(time.Second)
	for manager.Info().Status != mcpbridge.HealthHealthy {
		select {
		case <-deadline:
			t.Fatalf("connection never became healthy, status %q", manager.Info().Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("server shutdown failed: %v", err)
	}
}
