package repl_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sandboxd/internal/cli/command"
	httpclient "sandboxd/internal/cli/http"
	"sandboxd/internal/cli/repl"
)

type captured struct {
	method string
	path   string
	body   []byte
}

func newSession(t *testing.T, handler http.Handler) (*repl.Session, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	out := &bytes.Buffer{}
	client := httpclient.New(srv.URL+"/", time.Second)
	return repl.New(client, command.Registry(), true, out), out
}

func TestExecuteSendsRequest(t *testing.T) {
	var got captured
	session, out := newSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = captured{method: r.Method, path: r.URL.Path, body: body}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":0,"message":"success","data":{"threads":3}}`))
	}))

	quit, err := session.Execute(context.Background(), "pool resize threads=3")
	if err != nil || quit {
		t.Fatalf("execute: quit=%v err=%v", quit, err)
	}
	if got.method != http.MethodPut || got.path != "/api/v1/sandbox/pool" {
		t.Fatalf("unexpected request %s %s", got.method, got.path)
	}
	if string(got.body) != `{"threads":3}` {
		t.Fatalf("body = %s", got.body)
	}
	if !strings.Contains(out.String(), "HTTP 200") || !strings.Contains(out.String(), `"threads": 3`) {
		t.Fatalf("output = %q", out.String())
	}
}

func TestExecuteErrors(t *testing.T) {
	session, _ := newSession(t, http.NotFoundHandler())
	tests := []struct {
		name string
		line string
	}{
		{name: "single token", line: "pool"},
		{name: "unknown command", line: "pool drain"},
		{name: "bad param", line: "pool resize threads"},
		{name: "missing required without prompt", line: "multiplier set"},
		{name: "unbalanced quote", line: `execution submit file="x.yaml`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := session.Execute(context.Background(), tt.line); err == nil {
				t.Fatalf("expected error for %q", tt.line)
			}
		})
	}
}

func TestSystemCommands(t *testing.T) {
	session, out := newSession(t, http.NotFoundHandler())
	ctx := context.Background()

	if _, err := session.Execute(ctx, "set timeout 3s"); err != nil {
		t.Fatal(err)
	}
	if _, err := session.Execute(ctx, "set base http://other:9000/"); err != nil {
		t.Fatal(err)
	}
	if _, err := session.Execute(ctx, "show config"); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	if !strings.Contains(text, "base: http://other:9000") || !strings.Contains(text, "timeout: 3s") {
		t.Fatalf("output = %q", text)
	}

	quit, err := session.Execute(ctx, "exit")
	if err != nil || !quit {
		t.Fatalf("exit: quit=%v err=%v", quit, err)
	}
}

func TestQueueWatchReadsFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	session, out := newSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sandbox/ws/queue" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 3; i++ {
			frame, _ := json.Marshal(map[string]interface{}{"type": "queue", "data": []int{i}})
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))

	if err := session.ExecuteArgs(context.Background(), []string{"queue", "watch", "n=2"}); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if got := strings.Count(out.String(), `"type": "queue"`); got != 2 {
		t.Fatalf("frames printed = %d, output %q", got, out.String())
	}
}
