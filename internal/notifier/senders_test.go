package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chapterwatch/internal/storage"
)

func TestPushover_Send(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		got = map[string]string{}
		for k := range r.PostForm {
			got[k] = r.PostForm.Get(k)
		}
		_, _ = io.WriteString(w, `{"status":1,"request":"abc"}`)
	}))
	defer srv.Close()

	p, err := NewPushover(PushoverConfig{AppToken: "app-token", UserKey: "user-key", Endpoint: srv.URL}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Send(context.Background(), Message{Title: DefaultTitle, Body: "A now has 12 chapters."}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := map[string]string{"token": "app-token", "user": "user-key", "title": DefaultTitle, "message": "A now has 12 chapters."}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("form %s = %q, want %q", k, got[k], v)
		}
	}
	if _, ok := got["priority"]; ok {
		t.Fatal("priority should be omitted when zero")
	}
}

func TestPushover_Failures(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		body      string
		permanent bool
	}{
		{"status zero", 200, `{"status":0,"errors":["user identifier is invalid"]}`, true},
		{"bad request", 400, `{"status":0}`, true},
		{"rate limited", 429, ``, false},
		{"server error", 503, `oops`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			p, err := NewPushover(PushoverConfig{AppToken: "t", UserKey: "u", Endpoint: srv.URL}, srv.Client())
			if err != nil {
				t.Fatal(err)
			}
			err = p.Send(context.Background(), Message{Body: "x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if IsPermanent(err) != tt.permanent {
				t.Fatalf("IsPermanent = %v, want %v (%v)", IsPermanent(err), tt.permanent, err)
			}
		})
	}
}

func TestPushover_RequiresCredentials(t *testing.T) {
	if _, err := NewPushover(PushoverConfig{AppToken: "t"}, nil); err == nil {
		t.Fatal("expected error for missing user key")
	}
}

func TestDiscord_Send(t *testing.T) {
	var payload struct {
		Embeds []discordEmbed `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d, err := NewDiscord(DiscordConfig{WebhookURL: srv.URL + "/api/webhooks/1/secret-token"}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Send(context.Background(), Message{Title: "T", Body: "B"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(payload.Embeds) != 1 || payload.Embeds[0].Title != "T" || payload.Embeds[0].Description != "B" || payload.Embeds[0].Color != 0x5865F2 {
		t.Fatalf("payload: %+v", payload)
	}
	if strings.Contains(d.Describe(), "secret-token") {
		t.Fatalf("describe leaks the token: %s", d.Describe())
	}
}

func TestWebhook_Signature(t *testing.T) {
	var (
		body []byte
		sig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh, err := NewWebhook(WebhookConfig{URL: srv.URL, Secret: "s3cret"}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	msg := Message{Title: "T", Body: "B", Kind: storage.KindDigest, Refs: []storage.Ref{{ItemID: "1", Count: 3}}}
	if err := wh.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sig != Sign("s3cret", body) {
		t.Fatalf("signature %q does not match body", sig)
	}

	var got webhookPayload
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Kind != storage.KindDigest || len(got.Refs) != 1 || got.SentAt.IsZero() {
		t.Fatalf("payload: %+v", got)
	}
}

func TestWebhook_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com/x", "not a url"} {
		if _, err := NewWebhook(WebhookConfig{URL: u}, nil); err == nil {
			t.Fatalf("expected error for %q", u)
		}
	}
}

func TestTelegram_Send(t *testing.T) {
	var (
		path   string
		params map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&params)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"x"}}`)
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "123:abc", ChatID: 42, APIURL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	if err := tg.Send(context.Background(), Message{Title: DefaultTitle, Body: "A now has 12 chapters."}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if path != "/bot123:abc/sendMessage" {
		t.Fatalf("path %q", path)
	}
	text, _ := params["text"].(string)
	if !strings.Contains(text, "A now has 12 chapters.") {
		t.Fatalf("text %q", text)
	}
}

func TestBuildSenders(t *testing.T) {
	senders, err := BuildSenders(ChannelsConfig{
		Discord: &DiscordConfig{WebhookURL: "https://discord.com/api/webhooks/1/x"},
		Webhook: &WebhookConfig{URL: ""},
	}, nil)
	if err == nil {
		t.Fatal("expected error for the empty webhook url")
	}
	if len(senders) != 1 || senders[0].Name() != ChannelDiscord {
		t.Fatalf("senders: %v", senders)
	}
}
