//go:build e2e

// Package e2e runs against a live server started with the default config
// (stepped mode, auto_start off).
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"testing"
	"time"
)

var baseURL string

func TestMain(m *testing.M) {
	baseURL = os.Getenv("NUKA_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:3210"
	}

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "server at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

type loopStatus struct {
	Running bool   `json:"running"`
	Stepped bool   `json:"stepped"`
	Waiting bool   `json:"waiting"`
	Phase   string `json:"phase"`
	Epoch   int    `json:"epoch"`
	Cycles  int    `json:"cycles"`
	Error   string `json:"error"`
}

type event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Content string `json:"content"`
	Epoch   int    `json:"epoch"`
}

// call sends a JSON request and decodes the response into out when given.
func call(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, baseURL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 90 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("unmarshal response: %v (body: %s)", err, string(raw))
		}
	}
	return resp.StatusCode
}

func status(t *testing.T) loopStatus {
	t.Helper()
	var s loopStatus
	call(t, "GET", "/api/loop", nil, &s)
	return s
}

// waitFor polls the loop status until cond holds or 2 minutes pass.
func waitFor(t *testing.T, what string, cond func(loopStatus) bool) loopStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		s := status(t)
		if cond(s) {
			return s
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
	return loopStatus{}
}

func TestSteppedCycle(t *testing.T) {
	if s := status(t); s.Running {
		t.Skip("loop already running")
	}
	if code := call(t, "POST", "/api/reset", nil, nil); code != http.StatusOK {
		t.Fatalf("reset: %d", code)
	}

	var s loopStatus
	if code := call(t, "POST", "/api/loop/start", map[string]bool{"stepped": true}, &s); code != http.StatusOK {
		t.Fatalf("start: %d", code)
	}
	defer call(t, "POST", "/api/loop/stop", nil, nil)

	// observe, orient, decide, act
	for i := 0; i < 4; i++ {
		waitFor(t, "step wait", func(s loopStatus) bool { return s.Waiting || !s.Running })
		call(t, "POST", "/api/loop/step", nil, nil)
	}
	s = waitFor(t, "first cycle", func(s loopStatus) bool { return s.Cycles >= 1 || s.Error != "" || !s.Running })
	if s.Error != "" {
		t.Fatalf("loop failed: %s", s.Error)
	}
	t.Logf("status: %+v", s)

	var events []event
	call(t, "GET", "/api/events?limit=20", nil, &events)
	if len(events) == 0 || events[0].Subtype != "wake" {
		t.Errorf("expected the wake event first, got %+v", events)
	}
}

func TestKnowledgeRoundTrip(t *testing.T) {
	// Knowledge writes are refused while the loop runs.
	waitFor(t, "loop stopped", func(s loopStatus) bool { return !s.Running })

	content := fmt.Sprintf("smoke test marker %d", time.Now().UnixNano())
	if code := call(t, "POST", "/api/knowledge", map[string]string{"content": content, "source": "e2e"}, nil); code != http.StatusCreated {
		t.Fatalf("add knowledge: %d", code)
	}
	var found []struct {
		Content string `json:"content"`
	}
	call(t, "GET", "/api/knowledge/search?q="+url.QueryEscape(content), nil, &found)
	if len(found) == 0 || found[0].Content != content {
		t.Errorf("expected %q first, got %+v", content, found)
	}
	call(t, "POST", "/api/knowledge/forget", map[string]string{"content": content}, nil)
}
