package observability_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"chat-gateway/internal/mocks"
	"chat-gateway/internal/observability"
)

func TestPublishEventWithoutPublisherIsNoop(t *testing.T) {
	observability.SetPublisher(nil)

	err := observability.PublishEvent(context.Background(), "ws_events.rooms", "payload", nil)
	assert.NoError(t, err)
}

func TestPublishEventForwardsToPublisher(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	observability.SetPublisher(publisher)
	defer observability.SetPublisher(nil)

	envelope := observability.EventEnvelope{EventType: "ws_events", EventName: "ws_connect"}
	headers := observability.BuildHeaders("req-1", "trace-1")
	publisher.On("PublishJSON", mock.Anything, "ws_events.rooms", envelope, headers).Return(nil).Once()

	err := observability.PublishEvent(context.Background(), "ws_events.rooms", envelope, headers)
	assert.NoError(t, err)
	publisher.AssertExpectations(t)
}

func TestNewPublisherFallsBackToNoop(t *testing.T) {
	publisher := observability.NewPublisher("", "chat_events")

	err := publisher.PublishJSON(context.Background(), "ws_events.rooms", "payload", nil)
	assert.NoError(t, err)
	assert.NoError(t, publisher.Close())
}

func TestBuildHeadersSkipsEmptyValues(t *testing.T) {
	assert.Empty(t, observability.BuildHeaders("", ""))

	headers := observability.BuildHeaders("req-1", "")
	assert.Equal(t, map[string]string{"x-request-id": "req-1"}, headers)
}
