package filters

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/servicebus/contracts"
)

type mockFilter struct {
	mock.Mock
}

func (m *mockFilter) Filter(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, bus Bus) (bool, error) {
	args := m.Called(ctx, msg, headers, typeName, bus)
	return args.Bool(0), args.Error(1)
}

func testInput() (*contracts.Message, *contracts.Headers) {
	return &contracts.Message{}, &contracts.Headers{MessageID: "m-1", TypeName: "OrderPlaced"}
}

func TestPipelineRun(t *testing.T) {
	ctx := context.Background()

	t.Run("empty pipeline passes", func(t *testing.T) {
		msg, headers := testInput()
		ok, err := NewPipeline(StageBefore).Run(ctx, msg, headers, "OrderPlaced", nil)
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("runs filters in order", func(t *testing.T) {
		var order []int
		p := NewPipeline(StageBefore)
		for i := 0; i < 3; i++ {
			p.Add(FilterFunc(func(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, bus Bus) (bool, error) {
				order = append(order, i)
				return true, nil
			}))
		}

		msg, headers := testInput()
		ok, err := p.Run(ctx, msg, headers, "OrderPlaced", nil)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []int{0, 1, 2}, order)
	})

	t.Run("veto stops later filters", func(t *testing.T) {
		first := new(mockFilter)
		veto := new(mockFilter)
		never := new(mockFilter)
		msg, headers := testInput()

		first.On("Filter", mock.Anything, msg, headers, "OrderPlaced", nil).Return(true, nil)
		veto.On("Filter", mock.Anything, msg, headers, "OrderPlaced", nil).Return(false, nil)

		ok, err := NewPipeline(StageOutgoing, first, veto, never).Run(ctx, msg, headers, "OrderPlaced", nil)
		assert.NoError(t, err)
		assert.False(t, ok)
		first.AssertExpectations(t)
		veto.AssertExpectations(t)
		never.AssertNotCalled(t, "Filter", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("error is a fault not a veto", func(t *testing.T) {
		boom := errors.New("store unavailable")
		failing := new(mockFilter)
		never := new(mockFilter)
		msg, headers := testInput()
		failing.On("Filter", mock.Anything, msg, headers, "OrderPlaced", nil).Return(false, boom)

		p := NewPipeline(StageAfter, FilterFunc(func(context.Context, *contracts.Message, *contracts.Headers, string, Bus) (bool, error) {
			return true, nil
		}), failing, never)
		ok, err := p.Run(ctx, msg, headers, "OrderPlaced", nil)

		assert.False(t, ok)
		require.Error(t, err)
		var fe *FilterError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, StageAfter, fe.Stage)
		assert.Equal(t, 1, fe.Index)
		assert.ErrorIs(t, err, boom)
		never.AssertNotCalled(t, "Filter", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("panic is recovered as a fault", func(t *testing.T) {
		p := NewPipeline(StageBefore, FilterFunc(func(context.Context, *contracts.Message, *contracts.Headers, string, Bus) (bool, error) {
			panic("bad filter")
		}))
		msg, headers := testInput()
		ok, err := p.Run(ctx, msg, headers, "OrderPlaced", nil)

		assert.False(t, ok)
		var fe *FilterError
		require.ErrorAs(t, err, &fe)
		assert.Contains(t, fe.Error(), "bad filter")
	})

	t.Run("filters may mutate headers for later filters", func(t *testing.T) {
		p := NewPipeline(StageOutgoing,
			FilterFunc(func(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, bus Bus) (bool, error) {
				headers.SetExtension("tenant", "acme")
				return true, nil
			}),
			FilterFunc(func(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, bus Bus) (bool, error) {
				v, ok := headers.Extension("tenant")
				return ok && v == "acme", nil
			}),
		)
		msg, headers := testInput()
		ok, err := p.Run(ctx, msg, headers, "OrderPlaced", nil)
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2, p.Len())
	})
}

func TestBuiltinFilters(t *testing.T) {
	ctx := context.Background()
	msg, headers := testInput()

	t.Run("MessageTypeFilter", func(t *testing.T) {
		f := NewMessageTypeFilter("OrderPlaced")
		ok, err := f.Filter(ctx, msg, headers, "OrderPlaced", nil)
		assert.NoError(t, err)
		assert.True(t, ok)

		ok, err = f.Filter(ctx, msg, headers, "OrderCancelled", nil)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Any and Not", func(t *testing.T) {
		f := Any(NewMessageTypeFilter("A"), NewMessageTypeFilter("B"))
		ok, _ := f.Filter(ctx, msg, headers, "B", nil)
		assert.True(t, ok)

		ok, _ = Not(f).Filter(ctx, msg, headers, "B", nil)
		assert.False(t, ok)

		ok, _ = f.Filter(ctx, msg, headers, "C", nil)
		assert.False(t, ok)
	})
}
