package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockWriter) Close() error {
	return m.Called().Error(0)
}

func TestKafkaPublisherKeysByDesign(t *testing.T) {
	w := &mockWriter{}
	designID := uuid.New()
	w.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		if len(msgs) != 1 || string(msgs[0].Key) != designID.String() {
			return false
		}
		var e Event
		return json.Unmarshal(msgs[0].Value, &e) == nil && e.Type == TypeStageChanged && e.Stage == "analyzed"
	})).Return(nil).Once()

	p := newKafkaPublisher(w, KafkaConfig{})
	e := New(TypeStageChanged, designID)
	e.Stage = "analyzed"
	require.NoError(t, p.Publish(context.Background(), e))
	w.AssertExpectations(t)
}

func TestKafkaPublisherRetries(t *testing.T) {
	w := &mockWriter{}
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("leader not available")).Once()
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(nil).Once()

	p := newKafkaPublisher(w, KafkaConfig{MaxAttempts: 2})
	p.backoff = 0
	require.NoError(t, p.Publish(context.Background(), New(TypeJobCompleted, uuid.New())))
	w.AssertNumberOfCalls(t, "WriteMessages", 2)
}

func TestKafkaPublisherGivesUp(t *testing.T) {
	w := &mockWriter{}
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	p := newKafkaPublisher(w, KafkaConfig{MaxAttempts: 3})
	p.backoff = 0
	err := p.Publish(context.Background(), New(TypeVersionCommitted, uuid.New()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	w.AssertNumberOfCalls(t, "WriteMessages", 3)
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "design-events"})
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func TestMemoryFiltersByType(t *testing.T) {
	m := NewMemory()
	id := uuid.New()
	require.NoError(t, m.Publish(context.Background(), New(TypeJobCompleted, id)))
	require.NoError(t, m.Publish(context.Background(), New(TypeStageChanged, id)))
	assert.Len(t, m.Events(), 2)
	assert.Len(t, m.OfType(TypeStageChanged), 1)
}
