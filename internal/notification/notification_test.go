package notification

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunningd/internal/dispatch"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Send(ctx context.Context, subscriptionID string, step int, template string) error {
	args := m.Called(ctx, subscriptionID, step, template)
	return args.Error(0)
}

func TestSenderDeliversThroughPool(t *testing.T) {
	pool := dispatch.NewPool(dispatch.Config{Workers: 1}, zap.NewNop(), nil)
	pool.Start()
	defer pool.Stop()

	n := &mockNotifier{}
	n.On("Send", mock.Anything, "42", 1, "dunning_reminder_1").Return(nil).Once()
	n.On("Send", mock.Anything, "42", 2, "dunning_reminder_2").Return(errors.New("smtp down")).Once()

	sender := NewSender(pool, n, nil, zap.NewNop())
	require.NoError(t, sender.Enqueue(context.Background(), KindDunning, snowflake.ID(42), 1, "dunning_reminder_1"))
	require.NoError(t, sender.Enqueue(context.Background(), KindDunning, snowflake.ID(42), 2, "dunning_reminder_2"))
	pool.Wait()

	n.AssertExpectations(t)
}

func TestSenderRespectsCancellation(t *testing.T) {
	pool := dispatch.NewPool(dispatch.Config{Workers: 1}, zap.NewNop(), nil)
	n := &mockNotifier{}
	sender := NewSender(pool, n, nil, zap.NewNop())

	require.NoError(t, sender.Enqueue(context.Background(), KindWinBack, snowflake.ID(7), 1, "winback_free_trial"))
	pool.Cancel("7")
	pool.Start()
	pool.Wait()
	pool.Stop()

	n.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
