package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"ms-momo/internal/logger"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockWriter struct {
	mock.Mock
}

func (m *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *MockWriter) Close() error {
	return m.Called().Error(0)
}

func TestPublishJSON(t *testing.T) {
	w := new(MockWriter)
	p := &Producer{Writer: w, log: logger.NewNop()}

	w.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		if len(msgs) != 1 {
			return false
		}
		var body map[string]string
		if err := json.Unmarshal(msgs[0].Value, &body); err != nil {
			return false
		}
		return msgs[0].Topic == "momo.payment.successful" &&
			string(msgs[0].Key) == "pay-1" &&
			body["status"] == "SUCCESSFUL"
	})).Return(nil).Once()

	err := p.PublishJSON(context.Background(), "momo.payment.successful", "pay-1", map[string]string{"status": "SUCCESSFUL"})
	require.NoError(t, err)
	w.AssertExpectations(t)
}

func TestPublishError(t *testing.T) {
	w := new(MockWriter)
	p := &Producer{Writer: w, log: logger.NewNop()}
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	err := p.Publish(context.Background(), "momo.payment.failed", "pay-1", []byte(`{}`))
	assert.ErrorContains(t, err, "broker down")
}

func TestPublishJSONEncodeError(t *testing.T) {
	w := new(MockWriter)
	p := &Producer{Writer: w, log: logger.NewNop()}

	err := p.PublishJSON(context.Background(), "t", "k", make(chan int))
	assert.Error(t, err)
	w.AssertNotCalled(t, "WriteMessages", mock.Anything, mock.Anything)
}

func TestEnsureTopicsExistRequiresBrokers(t *testing.T) {
	assert.Error(t, EnsureTopicsExist(nil, []string{"t"}, logger.NewNop()))
}
