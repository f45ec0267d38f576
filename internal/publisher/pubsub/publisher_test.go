package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const projectID = "test-project"

func newFakeClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublisherPublishesJSON(t *testing.T) {
	t.Parallel()

	client, srv := newFakeClient(t)
	topic := fmt.Sprintf("projects/%s/topics/link-review", projectID)
	_, err := client.TopicAdminClient.CreateTopic(context.Background(), &pubsubpb.Topic{Name: topic})
	require.NoError(t, err)

	pub := New(client)
	t.Cleanup(pub.Close)

	payload := map[string]any{"product_id": "p-1", "confidence": 0.85}
	id, err := pub.Publish(context.Background(), topic, payload)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = pub.Publish(context.Background(), topic, map[string]any{"product_id": "p-2"})
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "application/json", msgs[0].Attributes["content_type"])
	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "p-1", got["product_id"])
}

func TestPublisherRejectsMissingTopicAndClosed(t *testing.T) {
	t.Parallel()

	client, _ := newFakeClient(t)
	pub := New(client)

	_, err := pub.Publish(context.Background(), "", "x")
	require.Error(t, err)

	pub.Close()
	_, err = pub.Publish(context.Background(), "anything", "x")
	require.ErrorContains(t, err, "closed")
}

func TestPublisherWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "topic", "x")
	require.ErrorContains(t, err, "not configured")
}
