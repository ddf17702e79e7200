// Command stdio demonstrates a complete bridge session over an in-process
// pipe pair: a server exposing one tool and one resource, and a scripted peer
// driving the handshake, a tool call, and a graceful shutdown.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	mcpbridge "github.com/jerthedev/go-mcp-bridge"
)

func main() {
	serverIn, peerWriter := io.Pipe()
	peerReader, serverOut := io.Pipe()

	registry := mcpbridge.NewRegistry()
	err := registry.RegisterTool(mcpbridge.Tool{
		Name:        "uppercase",
		Description: "Uppercases the given text",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}, uppercaseTool)
	if err != nil {
		log.Fatal(err)
	}

	transport := mcpbridge.NewStdIO(serverIn, serverOut,
		mcpbridge.FramingConfig{Mode: mcpbridge.FramingLine})

	server := mcpbridge.NewServer(
		mcpbridge.Info{Name: "example-bridge", Version: "0.1.0"},
		transport,
		registry,
		mcpbridge.WithServerInstructions("Call the uppercase tool with a text argument."),
	)
	go server.Serve()

	if err := runPeer(peerReader, peerWriter); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatal(err)
	}
}

func uppercaseTool(_ context.Context, params mcpbridge.CallToolParams, _ mcpbridge.ProgressReporter) (mcpbridge.CallToolResult, error) {
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcpbridge.CallToolResult{}, err
	}

	upper := ""
	for _, r := range args.Text {
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		upper += string(r)
	}
	return mcpbridge.CallToolResult{
		Content: []mcpbridge.Content{{Type: mcpbridge.ContentTypeText, Text: upper}},
	}, nil
}

// runPeer plays the client role: line-framed JSON-RPC over the pipe pair.
func runPeer(reader io.Reader, writer io.Writer) error {
	in := bufio.NewReader(reader)

	send := func(raw string) error {
		_, err := writer.Write([]byte(raw + "\n"))
		return err
	}
	read := func() (mcpbridge.JSONRPCMessage, error) {
		line, err := in.ReadString('\n')
		if err != nil {
			return mcpbridge.JSONRPCMessage{}, err
		}
		var msg mcpbridge.JSONRPCMessage
		err = json.Unmarshal([]byte(line), &msg)
		return msg, err
	}

	err := send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{` +
		`"protocolVersion":"2024-11-05",` +
		`"capabilities":{"tools":{"listChanged":true}},` +
		`"clientInfo":{"name":"example-peer","version":"0.1.0"}}}`)
	if err != nil {
		return err
	}
	resp, err := read()
	if err != nil {
		return err
	}
	fmt.Printf("initialize result: %s\n", resp.Result)

	if err := send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`); err != nil {
		return err
	}

	if err := send(`{"jsonrpc":"2.0","id":2,"method":"tools/call",` +
		`"params":{"name":"uppercase","arguments":{"text":"hello bridge"}}}`); err != nil {
		return err
	}
	resp, err = read()
	if err != nil {
		return err
	}
	fmt.Printf("tools/call result: %s\n", resp.Result)

	if err := send(`{"jsonrpc":"2.0","id":3,"method":"shutdown"}`); err != nil {
		return err
	}
	resp, err = read()
	if err != nil {
		return err
	}
	fmt.Printf("shutdown acknowledged: id=%s\n", resp.ID)
	return nil
}
