package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"annosync/internal/annotation"
	"annosync/internal/callback"
	"annosync/internal/mediator"
)

const replyFragment = `<text page="0" rect="0,0,1,1" name="D" title="Casey" inreplyto="A" creationdate="D:20240102100000Z"><contents>remote</contents></text>`

func payload(t *testing.T, event Event) string {
	t.Helper()
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return string(data)
}

func TestDecode(t *testing.T) {
	event, err := Decode([]byte(payload(t, Event{Action: "create", ID: "D", XFDF: replyFragment})))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if event.Action != mediator.RemoteCreate || event.Record.ID != "D" || event.Record.ReplyTo != "A" {
		t.Fatalf("unexpected event %+v", event)
	}

	wrapped := `<?xml version="1.0" encoding="UTF-8"?><xfdf xmlns="http://ns.adobe.com/xfdf/"><annots>` + replyFragment + `</annots></xfdf>`
	event, err = Decode([]byte(payload(t, Event{Action: "UPDATE", ID: "D", XFDF: wrapped})))
	if err != nil {
		t.Fatalf("Decode(wrapped) error = %v", err)
	}
	if event.Action != mediator.RemoteUpdate || event.Record.Contents != "remote" {
		t.Fatalf("unexpected event %+v", event)
	}

	event, err = Decode([]byte(`{"action":"delete","id":"D"}`))
	if err != nil || event.Action != mediator.RemoteDelete || event.ID != "D" {
		t.Fatalf("Decode(delete) = %+v, %v", event, err)
	}
}

func TestDecodeFailures(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"unknown action": `{"action":"rename","id":"D"}`,
		"delete no id":   `{"action":"delete"}`,
		"create no xfdf": `{"action":"create","id":"D"}`,
		"broken xfdf":    `{"action":"create","id":"D","xfdf":"<text name="}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode([]byte(input)); err == nil {
				t.Fatalf("expected error for %s", input)
			}
		})
	}
}

func TestNewClient(t *testing.T) {
	if _, err := NewClient(nil); err == nil {
		t.Fatal("expected error without push descriptor")
	}
	client, err := NewClient(&annotation.Push{Host: "redis://localhost:6379/0", Channel: "c", Token: "secret"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Close()
	if client.Options().Password != "secret" {
		t.Fatal("expected the token to be used as password")
	}
}

func TestSubscriptionDeliversOnExecutor(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	queue := callback.NewQueue()
	defer queue.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := NewSubscriber(client, WithExecutor(queue)).Subscribe(ctx, "session:annotations")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	applied := make(chan mediator.RemoteEvent, 4)
	done := make(chan error, 1)
	go func() {
		done <- sub.Run(ctx, func(ev mediator.RemoteEvent) error {
			applied <- ev
			return nil
		})
	}()

	for _, msg := range []string{
		payload(t, Event{Action: "create", ID: "D", XFDF: replyFragment}),
		`garbage`,
		`{"action":"delete","id":"D"}`,
	} {
		if err := client.Publish(ctx, "session:annotations", msg).Err(); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	want := []mediator.RemoteAction{mediator.RemoteCreate, mediator.RemoteDelete}
	for _, action := range want {
		select {
		case ev := <-applied:
			if ev.Action != action {
				t.Fatalf("got %q, want %q", ev.Action, action)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", action)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestSubscribeRejectsEmptyChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	if _, err := NewSubscriber(client).Subscribe(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty channel")
	}
}
