package notify

import (
	"context"
	"testing"
	"time"

	"github.com/jordan-wright/email"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestMulti fans out to all notifiers
func TestMulti(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	Multi{a, nil, b}.Notify("system", "hello")
	assert.Equal(t, []string{"hello"}, a.Texts())
	assert.Equal(t, []string{"hello"}, b.Texts())
}

// TestLog writes notifications at warn level
func TestLog(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	Log{L: zap.New(core)}.Notify("primary", "Redis master 'a:1' not available")
	Log{}.Notify("primary", "ignored")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Redis master 'a:1' not available", entries[0].Message)
	assert.Equal(t, "primary", entries[0].ContextMap()["system"])
}

// TestRecorderWaitFor tests waiting for a notification
func TestRecorderWaitFor(t *testing.T) {
	r := NewRecorder()
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Notify("system", "Setting redis master to 'b:2' (was 'a:1')")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.True(t, r.WaitFor(ctx, "Setting redis master"))

	short, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	assert.False(t, r.WaitFor(short, "never"))
}

// TestMailer delivers queued mails through the sender
func TestMailer(t *testing.T) {
	sent := make(chan *email.Email, 1)
	m := NewMailer("failsafe@localhost", []string{"root@localhost"}, "", func(e *email.Email) error {
		sent <- e
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Notify("system", "Redis master 'a:1' not available")
	select {
	case e := <-sent:
		assert.Equal(t, []string{"root@localhost"}, e.To)
		assert.Equal(t, "failsafe@localhost", e.From)
		assert.Contains(t, string(e.Text), "Redis master 'a:1' not available")
		assert.Contains(t, e.Subject, "system")
	case <-time.After(time.Second):
		t.Fatal("mail not sent")
	}
}
