package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(n int) (messaging.DeliveryHandler, <-chan *messaging.Message) {
	ch := make(chan *messaging.Message, n)
	return func(ctx context.Context, msg *messaging.Message) error {
		ch <- msg
		return nil
	}, ch
}

func receive(t *testing.T, ch <-chan *messaging.Message) *messaging.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestQueueAdmin(t *testing.T) {
	ctx := context.Background()
	tr := NewBroker().Transport()

	exists, err := tr.QueueExists(ctx, "q")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, tr.CreateQueue(ctx, "q", messaging.QueueOptions{}))
	require.NoError(t, tr.CreateQueue(ctx, "q", messaging.QueueOptions{}), "create is idempotent")

	exists, err = tr.QueueExists(ctx, "q")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, tr.DeleteQueue(ctx, "q"))
	require.NoError(t, tr.DeleteQueue(ctx, "q"), "delete is idempotent")

	exists, err = tr.QueueExists(ctx, "q")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Error(t, tr.CreateQueue(ctx, "", messaging.QueueOptions{}))
}

func TestSendAndSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("send to missing queue fails", func(t *testing.T) {
		tr := NewBroker().Transport()
		sender, err := tr.NewSender("nowhere")
		require.NoError(t, err)

		err = sender.Send(ctx, &messaging.Message{Body: []byte("x")})
		assert.ErrorIs(t, err, ErrQueueNotFound)
	})

	t.Run("subscribe to missing queue fails", func(t *testing.T) {
		tr := NewBroker().Transport()
		handler, _ := collect(1)
		_, err := tr.Subscribe(ctx, "nowhere", handler, nil)
		assert.ErrorIs(t, err, ErrQueueNotFound)
	})

	t.Run("messages are delivered with properties", func(t *testing.T) {
		broker := NewBroker()
		producer := broker.Transport()
		consumer := broker.Transport()
		require.NoError(t, producer.CreateQueue(ctx, "q", messaging.QueueOptions{}))

		handler, ch := collect(1)
		sub, err := consumer.Subscribe(ctx, "q", handler, nil)
		require.NoError(t, err)
		defer sub.Close()

		sender, err := producer.NewSender("q")
		require.NoError(t, err)
		require.NoError(t, sender.Send(ctx, &messaging.Message{
			MessageID:     "m1",
			CorrelationID: "c1",
			ReplyTo:       "inbox",
			Headers:       map[string]interface{}{"k": "v"},
			Body:          []byte("hello"),
		}))

		msg := receive(t, ch)
		assert.Equal(t, "m1", msg.MessageID)
		assert.Equal(t, "c1", msg.CorrelationID)
		assert.Equal(t, "inbox", msg.ReplyTo)
		assert.Equal(t, "v", msg.Headers["k"])
		assert.Equal(t, "hello", string(msg.Body))
	})

	t.Run("competing consumers get each message once", func(t *testing.T) {
		broker := NewBroker()
		tr := broker.Transport()
		require.NoError(t, tr.CreateQueue(ctx, "q", messaging.QueueOptions{}))

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		const total = 100
		wg.Add(total)
		handler := func(ctx context.Context, msg *messaging.Message) error {
			mu.Lock()
			seen[msg.MessageID]++
			mu.Unlock()
			wg.Done()
			return nil
		}

		for i := 0; i < 3; i++ {
			sub, err := tr.Subscribe(ctx, "q", handler, nil)
			require.NoError(t, err)
			defer sub.Close()
		}

		sender, _ := tr.NewSender("q")
		for i := 0; i < total; i++ {
			require.NoError(t, sender.Send(ctx, &messaging.Message{MessageID: fmt.Sprint(i)}))
		}
		wg.Wait()

		mu.Lock()
		defer mu.Unlock()
		assert.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "message %s", id)
		}
	})

	t.Run("handler errors go to the error callback", func(t *testing.T) {
		broker := NewBroker()
		tr := broker.Transport()
		require.NoError(t, tr.CreateQueue(ctx, "q", messaging.QueueOptions{}))

		errs := make(chan error, 2)
		delivered := make(chan string, 2)
		sub, err := tr.Subscribe(ctx, "q", func(ctx context.Context, msg *messaging.Message) error {
			delivered <- msg.MessageID
			if msg.MessageID == "bad" {
				return errors.New("cannot handle")
			}
			return nil
		}, func(err error) { errs <- err })
		require.NoError(t, err)
		defer sub.Close()

		sender, _ := tr.NewSender("q")
		require.NoError(t, sender.Send(ctx, &messaging.Message{MessageID: "bad"}))
		require.NoError(t, sender.Send(ctx, &messaging.Message{MessageID: "good"}))

		assert.Equal(t, "bad", <-delivered)
		assert.Equal(t, "good", <-delivered, "subscription survives handler errors")
		assert.EqualError(t, <-errs, "cannot handle")
	})

	t.Run("ErrRedeliver puts the message back", func(t *testing.T) {
		broker := NewBroker()
		tr := broker.Transport()
		require.NoError(t, tr.CreateQueue(ctx, "q", messaging.QueueOptions{}))

		var mu sync.Mutex
		attempts := 0
		done := make(chan struct{})
		sub, err := tr.Subscribe(ctx, "q", func(ctx context.Context, msg *messaging.Message) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return messaging.ErrRedeliver
			}
			close(done)
			return nil
		}, nil)
		require.NoError(t, err)
		defer sub.Close()

		sender, _ := tr.NewSender("q")
		require.NoError(t, sender.Send(ctx, &messaging.Message{MessageID: "m"}))

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("message was not redelivered")
		}
		mu.Lock()
		assert.Equal(t, 2, attempts)
		mu.Unlock()
	})

	t.Run("expired messages are dropped", func(t *testing.T) {
		broker := NewBroker()
		tr := broker.Transport()
		require.NoError(t, tr.CreateQueue(ctx, "q", messaging.QueueOptions{}))

		sender, _ := tr.NewSender("q")
		require.NoError(t, sender.Send(ctx, &messaging.Message{MessageID: "old", TTL: time.Millisecond}))
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, sender.Send(ctx, &messaging.Message{MessageID: "fresh"}))

		handler, ch := collect(2)
		sub, err := tr.Subscribe(ctx, "q", handler, nil)
		require.NoError(t, err)
		defer sub.Close()

		assert.Equal(t, "fresh", receive(t, ch).MessageID)
		assert.Equal(t, 1, broker.Expired())
	})
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("auto-delete queue goes away with its last consumer", func(t *testing.T) {
		broker := NewBroker()
		tr := broker.Transport()
		require.NoError(t, tr.CreateQueue(ctx, "tmp", messaging.QueueOptions{AutoDelete: true}))

		handler, _ := collect(1)
		sub, err := tr.Subscribe(ctx, "tmp", handler, nil)
		require.NoError(t, err)
		assert.True(t, broker.HasQueue("tmp"))

		require.NoError(t, sub.Close())
		require.NoError(t, sub.Close(), "close is idempotent")
		assert.False(t, broker.HasQueue("tmp"))
	})

	t.Run("closed transport rejects work", func(t *testing.T) {
		broker := NewBroker()
		tr := broker.Transport()
		require.NoError(t, tr.CreateQueue(ctx, "q", messaging.QueueOptions{}))

		handler, _ := collect(1)
		_, err := tr.Subscribe(ctx, "q", handler, nil)
		require.NoError(t, err)
		sender, _ := tr.NewSender("q")

		require.NoError(t, tr.Close())
		require.NoError(t, tr.Close())

		assert.ErrorIs(t, sender.Send(ctx, &messaging.Message{}), ErrTransportClosed)
		_, err = tr.NewSender("q")
		assert.ErrorIs(t, err, ErrTransportClosed)
		_, err = tr.Subscribe(ctx, "q", handler, nil)
		assert.ErrorIs(t, err, ErrTransportClosed)

		assert.True(t, broker.HasQueue("q"), "closing a handle leaves queues in place")
	})

	t.Run("send hook can fail sends", func(t *testing.T) {
		broker := NewBroker()
		tr := broker.Transport()
		require.NoError(t, tr.CreateQueue(ctx, "q", messaging.QueueOptions{}))
		broker.SetSendHook(func(destination string, msg *messaging.Message) error {
			return errors.New("broker unavailable")
		})

		sender, _ := tr.NewSender("q")
		assert.EqualError(t, sender.Send(ctx, &messaging.Message{}), "broker unavailable")
		assert.Equal(t, 0, broker.QueueLen("q"))
	})
}
