// Package mcp is a minimal Model Context Protocol client over SSE. Its
// tools are exposed to the loop as actions.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultRPCTimeout = 30 * time.Second

// ToolInfo describes a tool exposed by an MCP server.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// Client holds one SSE session. Requests are POSTed to the endpoint the
// server announces; replies arrive on the event stream keyed by id.
type Client struct {
	name       string
	sseURL     string
	rpcURL     string
	http       *http.Client
	rpcTimeout time.Duration

	tools   []ToolInfo
	pending map[int64]chan rpcReply
	nextID  atomic.Int64
	mu      sync.Mutex
	cancel  context.CancelFunc
	logger  *zap.Logger
}

type rpcReply struct {
	result json.RawMessage
	err    error
}

// NewClient creates a client for the given SSE endpoint.
func NewClient(name, sseURL string, logger *zap.Logger) *Client {
	return &Client{
		name:       name,
		sseURL:     sseURL,
		http:       &http.Client{},
		rpcTimeout: defaultRPCTimeout,
		pending:    make(map[int64]chan rpcReply),
		logger:     logger,
	}
}

func (c *Client) Name() string { return c.name }

// ListTools returns the tools discovered on Connect.
func (c *Client) ListTools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools
}

// Connect opens the event stream, waits for the endpoint announcement and
// fetches the tool list.
func (c *Client) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sseURL, nil)
	if err != nil {
		return fmt.Errorf("mcp connect: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives ctx, so it gets its own cancel.
	streamCtx, cancel := context.WithCancel(context.Background())
	resp, err := c.http.Do(req.WithContext(streamCtx))
	if err != nil {
		cancel()
		return fmt.Errorf("mcp sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp sse status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	endpoint, err := nextEvent(scanner, "endpoint")
	if err != nil {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp endpoint event: %w", err)
	}
	c.rpcURL = c.resolveURL(endpoint)
	c.cancel = cancel
	c.logger.Info("mcp endpoint discovered", zap.String("name", c.name), zap.String("rpc", c.rpcURL))

	go c.readSSE(resp.Body, scanner)

	if err := c.fetchTools(ctx); err != nil {
		c.Close()
		return fmt.Errorf("mcp list tools: %w", err)
	}
	c.logger.Info("mcp tools discovered", zap.String("name", c.name), zap.Int("count", len(c.ListTools())))
	return nil
}

// nextEvent scans until an event of the wanted type and returns its data.
func nextEvent(scanner *bufio.Scanner, want string) (string, error) {
	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if eventType == want {
				return strings.TrimPrefix(line, "data: "), nil
			}
			eventType = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", io.ErrUnexpectedEOF
}

func (c *Client) resolveURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	rest := c.sseURL
	scheme := ""
	if i := strings.Index(rest, "://"); i >= 0 {
		scheme, rest = rest[:i+3], rest[i+3:]
	}
	host := rest
	if i := strings.Index(rest, "/"); i >= 0 {
		host = rest[:i]
	}
	return scheme + host + "/" + strings.TrimPrefix(path, "/")
}

func (c *Client) readSSE(body io.ReadCloser, scanner *bufio.Scanner) {
	defer body.Close()
	for {
		data, err := nextEvent(scanner, "message")
		if err != nil {
			c.failPending(fmt.Errorf("mcp stream closed: %w", err))
			return
		}
		c.dispatch([]byte(data))
	}
}

func (c *Client) dispatch(data []byte) {
	var envelope struct {
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Debug("mcp: ignoring non-jsonrpc event", zap.String("name", c.name))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[envelope.ID]
	delete(c.pending, envelope.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if envelope.Error != nil {
		ch <- rpcReply{err: fmt.Errorf("rpc error %d: %s", envelope.Error.Code, envelope.Error.Message)}
		return
	}
	ch <- rpcReply{result: envelope.Result}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcReply{err: err}
		delete(c.pending, id)
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcReply, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("marshal rpc: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("send rpc: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.forget(id)
		return nil, fmt.Errorf("rpc %s: status %d", method, resp.StatusCode)
	}

	timer := time.NewTimer(c.rpcTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("mcp rpc timeout for %s", method)
	}
}

func (c *Client) fetchTools(ctx context.Context) error {
	result, err := c.call(ctx, "tools/list", map[string]interface{}{})
	if err != nil {
		return err
	}
	var resp struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list: %w", err)
	}
	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()
	return nil
}

// CallTool invokes a tool and returns its text content.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	result, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("mcp call %s: %w", name, err)
	}

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &resp); err != nil || len(resp.Content) == 0 {
		return string(result), nil
	}
	var texts []string
	for _, part := range resp.Content {
		if part.Type == "text" {
			texts = append(texts, part.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if resp.IsError {
		return "", fmt.Errorf("mcp call %s: %s", name, text)
	}
	return text, nil
}

// Close stops the event stream and fails outstanding calls.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.failPending(fmt.Errorf("mcp client %s closed", c.name))
	return nil
}

// ConnectAll connects every client concurrently and returns those that
// succeeded. Failures are logged.
func ConnectAll(ctx context.Context, clients []*Client, logger *zap.Logger) []*Client {
	ok := make([]bool, len(clients))
	var g errgroup.Group
	for i, c := range clients {
		g.Go(func() error {
			if err := c.Connect(ctx); err != nil {
				logger.Warn("mcp server unavailable", zap.String("name", c.Name()), zap.Error(err))
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	var connected []*Client
	for i, c := range clients {
		if ok[i] {
			connected = append(connected, c)
		}
	}
	return connected
}
