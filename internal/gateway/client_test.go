package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	logx "repeatbot/pkg/logx"
)

func TestSendGroupMsgRequestShape(t *testing.T) {
	t.Parallel()

	var got sendGroupMsgReq
	var gotPath, gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCT = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())

	c := New(Config{Host: u.Hostname(), Port: port}, logx.Nop())
	if err := c.SendGroupMsg(context.Background(), 123456, "hello"); err != nil {
		t.Fatalf("SendGroupMsg: %v", err)
	}

	if gotPath != "/send_group_msg" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotCT != "application/json" {
		t.Fatalf("content-type = %q", gotCT)
	}
	if got.GroupID != 123456 {
		t.Fatalf("group_id = %d", got.GroupID)
	}
	if len(got.Message) != 1 || got.Message[0].Type != "text" {
		t.Fatalf("unexpected message array: %+v", got.Message)
	}
	if txt, _ := got.Message[0].Data["text"].(string); txt != "hello" {
		t.Fatalf("text = %q", txt)
	}
}

func TestSendGroupMsgNonSuccessStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())

	c := New(Config{Host: u.Hostname(), Port: port}, logx.Nop())
	if err := c.SendGroupMsg(context.Background(), 1, "x"); err == nil {
		t.Fatal("expected error on non-2xx status")
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	c := New(Config{}, logx.Nop())
	if c.base != "http://127.0.0.1:4999" {
		t.Fatalf("base = %q", c.base)
	}
	if c.hc.Timeout != defaultTimeout {
		t.Fatalf("timeout = %v", c.hc.Timeout)
	}
}
