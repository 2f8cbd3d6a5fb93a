package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tourney-link/internal/domain"
)

func mockProducer(t *testing.T) (*Producer, *mocks.SyncProducer) {
	t.Helper()
	mock := mocks.NewSyncProducer(t, nil)
	return &Producer{
		producer: mock,
		topic:    "player-events",
		logger:   slog.Default(),
	}, mock
}

func TestPublishUsernameChanged(t *testing.T) {
	p, mock := mockProducer(t)

	event := domain.UsernameChangedEvent{
		EventID:      "evt-1",
		ChatIdentity: "chat-1",
		OldUsername:  "OldName",
		NewUsername:  "NewName",
		OccurredAt:   time.Now().UTC(),
	}

	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		require.NoError(t, err)
		// Keyed by chat identity so one participant's events stay ordered.
		assert.Equal(t, "chat-1", string(key))
		assert.Equal(t, "player-events", msg.Topic)

		value, err := msg.Value.Encode()
		require.NoError(t, err)
		var m message
		require.NoError(t, json.Unmarshal(value, &m))
		assert.Equal(t, domain.EventTypeUsernameChanged, m.Type)

		var decoded domain.UsernameChangedEvent
		require.NoError(t, json.Unmarshal(m.Payload, &decoded))
		assert.Equal(t, "NewName", decoded.NewUsername)
		return nil
	})

	require.NoError(t, p.PublishUsernameChanged(context.Background(), event))
	require.NoError(t, p.Close())
}

func TestPublishPlayerRefreshed(t *testing.T) {
	p, mock := mockProducer(t)

	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		value, err := msg.Value.Encode()
		require.NoError(t, err)
		var m message
		require.NoError(t, json.Unmarshal(value, &m))
		assert.Equal(t, domain.EventTypePlayerRefreshed, m.Type)
		return nil
	})

	err := p.PublishPlayerRefreshed(context.Background(), domain.PlayerRefreshedEvent{
		ChatIdentity:  "chat-1",
		GameAccountID: "acct-1",
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestPublishSurfacesBrokerErrors(t *testing.T) {
	p, mock := mockProducer(t)

	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := p.PublishUsernameChanged(context.Background(), domain.UsernameChangedEvent{
		EventID:      "evt-1",
		ChatIdentity: "chat-1",
		NewUsername:  "NewName",
	})
	assert.Error(t, err)
	require.NoError(t, p.Close())
}
