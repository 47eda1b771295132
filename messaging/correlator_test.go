package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/servicebus/contracts"
)

func replyHeaders(requestID string) *contracts.Headers {
	return &contracts.Headers{TypeName: "Pong", ResponseMessageID: requestID}
}

func TestCorrelatorRegister(t *testing.T) {
	noop := func(context.Context, *contracts.Message, *contracts.Headers, string) {}

	t.Run("rejects invalid entries", func(t *testing.T) {
		c := NewCorrelator()
		assert.Error(t, c.Register("", 1, 0, noop))
		assert.Error(t, c.Register("r", 1, 0, nil))
		assert.ErrorIs(t, c.Register("r", 0, 0, noop), ErrInvalidExpected)
		assert.ErrorIs(t, c.Register("r", -2, time.Second, noop), ErrInvalidExpected)
		assert.ErrorIs(t, c.Register("r", Unbounded, 0, noop), ErrUnboundedRequest)
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("rejects duplicate ids", func(t *testing.T) {
		c := NewCorrelator()
		require.NoError(t, c.Register("r", 1, 0, noop))
		assert.ErrorIs(t, c.Register("r", 1, 0, noop), ErrDuplicateRequest)
	})

	t.Run("Issue generates unique ids", func(t *testing.T) {
		c := NewCorrelator()
		a, err := c.Issue(1, 0, noop)
		require.NoError(t, err)
		b, err := c.Issue(1, 0, noop)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
		assert.Equal(t, 2, c.Pending())
	})
}

func TestCorrelatorResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("exact count then drop", func(t *testing.T) {
		var states []RequestState
		c := NewCorrelator(WithStateListener(func(id string, s RequestState) { states = append(states, s) }))
		var calls atomic.Int32
		id, err := c.Issue(3, time.Minute, func(context.Context, *contracts.Message, *contracts.Headers, string) {
			calls.Add(1)
		})
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			assert.True(t, c.Resolve(ctx, &contracts.Message{}, replyHeaders(id), "Pong"))
		}
		assert.False(t, c.IsPending(id))
		assert.False(t, c.Resolve(ctx, &contracts.Message{}, replyHeaders(id), "Pong"))
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, []RequestState{RequestSatisfied}, states)
	})

	t.Run("non replies and unknown ids are ignored", func(t *testing.T) {
		c := NewCorrelator()
		assert.False(t, c.Resolve(ctx, &contracts.Message{}, &contracts.Headers{TypeName: "X"}, "X"))
		assert.False(t, c.Resolve(ctx, &contracts.Message{}, replyHeaders("nope"), "Pong"))
	})

	t.Run("concurrent replies never exceed the expected count", func(t *testing.T) {
		c := NewCorrelator()
		const expected = 5
		var calls atomic.Int32
		id, err := c.Issue(expected, 0, func(context.Context, *contracts.Message, *contracts.Headers, string) {
			calls.Add(1)
		})
		require.NoError(t, err)

		var wg sync.WaitGroup
		var accepted atomic.Int32
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if c.Resolve(ctx, &contracts.Message{}, replyHeaders(id), "Pong") {
					accepted.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(expected), accepted.Load())
		assert.Equal(t, int32(expected), calls.Load())
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("panicking callback does not break resolution", func(t *testing.T) {
		c := NewCorrelator()
		id, err := c.Issue(2, 0, func(context.Context, *contracts.Message, *contracts.Headers, string) {
			panic("callback bug")
		})
		require.NoError(t, err)
		assert.True(t, c.Resolve(ctx, &contracts.Message{}, replyHeaders(id), "Pong"))
		assert.True(t, c.IsPending(id))
	})
}

func TestCorrelatorReduce(t *testing.T) {
	ctx := context.Background()
	noop := func(context.Context, *contracts.Message, *contracts.Headers, string) {}

	t.Run("a lowered count settles an entry that already has enough replies", func(t *testing.T) {
		var states []RequestState
		c := NewCorrelator(WithStateListener(func(id string, s RequestState) { states = append(states, s) }))
		id, err := c.Issue(3, time.Minute, noop)
		require.NoError(t, err)

		assert.True(t, c.Resolve(ctx, &contracts.Message{}, replyHeaders(id), "Pong"))
		assert.True(t, c.Reduce(id, 1))
		assert.False(t, c.IsPending(id))
		assert.Equal(t, []RequestState{RequestSatisfied}, states)
	})

	t.Run("a lowered count is met by later replies", func(t *testing.T) {
		c := NewCorrelator()
		id, err := c.Issue(3, time.Minute, noop)
		require.NoError(t, err)

		assert.True(t, c.Reduce(id, 2))
		assert.True(t, c.Resolve(ctx, &contracts.Message{}, replyHeaders(id), "Pong"))
		assert.True(t, c.IsPending(id))
		assert.True(t, c.Resolve(ctx, &contracts.Message{}, replyHeaders(id), "Pong"))
		assert.False(t, c.IsPending(id))
	})

	t.Run("counts are never raised and unbounded entries are left alone", func(t *testing.T) {
		c := NewCorrelator()
		id, err := c.Issue(1, time.Minute, noop)
		require.NoError(t, err)
		assert.True(t, c.Reduce(id, 5))
		assert.True(t, c.Resolve(ctx, &contracts.Message{}, replyHeaders(id), "Pong"))
		assert.False(t, c.IsPending(id))

		open, err := c.Issue(Unbounded, time.Minute, noop)
		require.NoError(t, err)
		assert.True(t, c.Reduce(open, 1))
		assert.True(t, c.IsPending(open))
	})

	t.Run("zero cancels and unknown ids report false", func(t *testing.T) {
		c := NewCorrelator()
		id, err := c.Issue(2, time.Minute, noop)
		require.NoError(t, err)
		assert.True(t, c.Reduce(id, 0))
		assert.Equal(t, 0, c.Pending())
		assert.False(t, c.Reduce("nope", 1))
	})
}

func TestCorrelatorTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("timeout discards the entry and drops late replies", func(t *testing.T) {
		timedOut := make(chan string, 1)
		c := NewCorrelator(WithStateListener(func(id string, s RequestState) {
			if s == RequestTimedOut {
				timedOut <- id
			}
		}))
		var calls atomic.Int32
		id, err := c.Issue(3, 30*time.Millisecond, func(context.Context, *contracts.Message, *contracts.Headers, string) {
			calls.Add(1)
		})
		require.NoError(t, err)
		assert.True(t, c.Resolve(ctx, &contracts.Message{}, replyHeaders(id), "Pong"))

		select {
		case got := <-timedOut:
			assert.Equal(t, id, got)
		case <-time.After(time.Second):
			t.Fatal("request did not time out")
		}

		assert.False(t, c.Resolve(ctx, &contracts.Message{}, replyHeaders(id), "Pong"))
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("unbounded collects until timeout", func(t *testing.T) {
		c := NewCorrelator()
		var calls atomic.Int32
		id, err := c.Issue(Unbounded, 50*time.Millisecond, func(context.Context, *contracts.Message, *contracts.Headers, string) {
			calls.Add(1)
		})
		require.NoError(t, err)

		for i := 0; i < 10; i++ {
			assert.True(t, c.Resolve(ctx, &contracts.Message{}, replyHeaders(id), "Pong"))
		}
		assert.Eventually(t, func() bool { return !c.IsPending(id) }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(10), calls.Load())
	})

	t.Run("satisfied request stops its timer", func(t *testing.T) {
		var states []RequestState
		var mu sync.Mutex
		c := NewCorrelator(WithStateListener(func(id string, s RequestState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}))
		id, err := c.Issue(1, 20*time.Millisecond, func(context.Context, *contracts.Message, *contracts.Headers, string) {})
		require.NoError(t, err)
		assert.True(t, c.Resolve(ctx, &contracts.Message{}, replyHeaders(id), "Pong"))

		time.Sleep(60 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []RequestState{RequestSatisfied}, states)
	})

	t.Run("Cancel and Close discard entries", func(t *testing.T) {
		c := NewCorrelator()
		noop := func(context.Context, *contracts.Message, *contracts.Headers, string) {}
		a, _ := c.Issue(1, time.Minute, noop)
		_, _ = c.Issue(1, time.Minute, noop)

		assert.True(t, c.Cancel(a))
		assert.False(t, c.Cancel(a))
		assert.Equal(t, 1, c.Pending())

		c.Close()
		assert.Equal(t, 0, c.Pending())
	})
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, endpoints []string, typeName string, msg *contracts.Message, headers *contracts.Headers) error {
	args := m.Called(ctx, endpoints, typeName, msg, headers)
	return args.Error(0)
}

func TestReplyTo(t *testing.T) {
	ctx := context.Background()

	t.Run("no-op without a request id", func(t *testing.T) {
		sender := new(mockSender)
		reply := ReplyTo(&contracts.Headers{SourceAddress: "client"}, sender)
		assert.NoError(t, reply(ctx, "Pong", &contracts.Message{}))
		sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("sends to the source with ResponseMessageId set", func(t *testing.T) {
		inbound := &contracts.Headers{
			MessageID:        "m-1",
			SourceAddress:    "client",
			TypeName:         "Ping",
			MessageType:      contracts.SendModeSend,
			RequestMessageID: "req-1",
			RetryCount:       2,
		}
		inbound.SetExtension("tenant", "acme")
		inbound.SetPriority(4)
		reply := &contracts.Message{}

		sender := new(mockSender)
		sender.On("Send", mock.Anything, []string{"client"}, "Pong", reply, mock.MatchedBy(func(h *contracts.Headers) bool {
			tenant, _ := h.Extension("tenant")
			return h.ResponseMessageID == "req-1" &&
				h.RequestMessageID == "" &&
				h.MessageID == "" &&
				h.TypeName == "" &&
				h.MessageType == "" &&
				h.RetryCount == 0 &&
				tenant == "acme" &&
				h.Priority != nil && *h.Priority == 4
		})).Return(nil)

		require.NoError(t, ReplyTo(inbound, sender)(ctx, "Pong", reply))
		sender.AssertExpectations(t)
		assert.Equal(t, "m-1", inbound.MessageID)
	})

	t.Run("fails without a source address", func(t *testing.T) {
		reply := ReplyTo(&contracts.Headers{RequestMessageID: "req-1"}, new(mockSender))
		assert.Error(t, reply(ctx, "Pong", &contracts.Message{}))
	})
}
