package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type event struct {
	TargetID string `json:"target_id"`
}

func (e event) Attributes() map[string]string {
	return map[string]string{"target_id": e.TargetID, "empty": ""}
}

func TestNewMessageCarriesAttributes(t *testing.T) {
	t.Parallel()

	msg, err := newMessage("matches", event{TargetID: "t1"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"content_type": "application/json", "topic": "matches", "target_id": "t1"}, msg.Attributes)

	var decoded event
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.Equal(t, "t1", decoded.TargetID)
}

func TestNewMessageRejectsUnmarshalable(t *testing.T) {
	t.Parallel()

	_, err := newMessage("", make(chan int))
	require.Error(t, err)
}

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "matches", event{})
	require.Error(t, err)
}
