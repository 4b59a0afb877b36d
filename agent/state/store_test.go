package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRedisKeyUsesPrefix(t *testing.T) {
	t.Parallel()

	store := &UpstashRedisStore{keyPrefix: defaultStoreKeyPrefix}
	got, err := store.redisKey("conv-1")
	if err != nil {
		t.Fatalf("redisKey() error = %v", err)
	}
	if got != "desk:conversation:conv-1" {
		t.Fatalf("redisKey() = %q", got)
	}
}

func TestRedisKeyEmptyConversation(t *testing.T) {
	t.Parallel()

	store := &UpstashRedisStore{}
	_, err := store.redisKey("   ")
	if !errors.Is(err, ErrInvalidConversation) {
		t.Fatalf("redisKey() error = %v, want ErrInvalidConversation", err)
	}
}

func TestSaveEncodesSetCommand(t *testing.T) {
	t.Parallel()

	var gotCommand []any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&gotCommand); err != nil {
			t.Errorf("decode command: %v", err)
		}
		fmt.Fprint(w, `{"result":"OK"}`)
	}))
	t.Cleanup(server.Close)

	store, err := NewUpstashRedisStore(
		UpstashRedisConfig{URL: server.URL, Token: "token"},
		WithHTTPClient(server.Client()),
		WithTTL(0),
	)
	if err != nil {
		t.Fatalf("NewUpstashRedisStore() error = %v", err)
	}

	conv := NewConversation("conv-1", "user-1", "chat", time.Now().UTC())
	conv.Append(RoleUser, "where is my order?", time.Now().UTC())
	if err := store.Save(context.Background(), conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if len(gotCommand) != 3 {
		t.Fatalf("unexpected command: %#v", gotCommand)
	}
	if gotCommand[0] != "SET" {
		t.Fatalf("command[0] = %v, want SET", gotCommand[0])
	}
	if gotCommand[1] != "desk:conversation:conv-1" {
		t.Fatalf("command[1] = %v", gotCommand[1])
	}
}

func TestLoadMissingConversation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":null}`)
	}))
	t.Cleanup(server.Close)

	store, err := NewUpstashRedisStore(
		UpstashRedisConfig{URL: server.URL, Token: "token"},
		WithHTTPClient(server.Client()),
	)
	if err != nil {
		t.Fatalf("NewUpstashRedisStore() error = %v", err)
	}

	_, err = store.Load(context.Background(), "conv-404")
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("Load() error = %v, want ErrConversationNotFound", err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	t.Parallel()

	conv := NewConversation("conv-2", "user-9", "chat", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	conv.Append(RoleUser, "hello", time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC))
	conv.Append(RoleAssistant, "hi there", time.Date(2026, 3, 1, 10, 0, 2, 0, time.UTC))

	payload, err := json.Marshal(conv)
	if err != nil {
		t.Fatalf("marshal conversation: %v", err)
	}
	encoded, err := json.Marshal(string(payload))
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"result":%s}`, encoded)
	}))
	t.Cleanup(server.Close)

	store, err := NewUpstashRedisStore(
		UpstashRedisConfig{URL: server.URL, Token: "token"},
		WithHTTPClient(server.Client()),
	)
	if err != nil {
		t.Fatalf("NewUpstashRedisStore() error = %v", err)
	}

	got, err := store.Load(context.Background(), "conv-2")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.UserID != "user-9" {
		t.Fatalf("UserID = %q", got.UserID)
	}
	if len(got.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(got.Turns))
	}
	if got.Turns[1].Role != RoleAssistant {
		t.Fatalf("unexpected second role: %s", got.Turns[1].Role)
	}
}

func TestConversationValidateRejectsOutOfOrderTurns(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	conv := NewConversation("conv-3", "user-1", "chat", now)
	conv.Turns = []Turn{
		{Role: RoleUser, Text: "b", At: now},
		{Role: RoleUser, Text: "a", At: now.Add(-time.Minute)},
	}
	if err := conv.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-order turns")
	}
}
