package sink

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/statement-crawler/internal/crawler"
)

func fakePubSub(t *testing.T) (*pstest.Server, []option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, []option.ClientOption{option.WithGRPCConn(conn)}
}

func TestPubSubPublishesRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv, opts := fakePubSub(t)

	admin, err := pubsub.NewClient(ctx, "project-id", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = admin.Close() })
	_, err = admin.CreateTopic(ctx, "records")
	require.NoError(t, err)

	s, err := NewPubSub(ctx, "project-id", "records", opts...)
	require.NoError(t, err)

	rec := crawler.NewRecord(crawler.WorkItem{Symbol: "NVDA", PageType: crawler.PageFinancials}, "2024", "Revenue", "60,922")
	require.NoError(t, s.Emit(ctx, rec))
	require.NoError(t, s.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "NVDA", msgs[0].Attributes["symbol"])
	require.Equal(t, "financials", msgs[0].Attributes["page_type"])

	var got crawler.Record
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, rec.Fields(), got.Fields())
}

func TestPubSubMissingTopic(t *testing.T) {
	t.Parallel()

	_, opts := fakePubSub(t)
	_, err := NewPubSub(context.Background(), "project-id", "absent", opts...)
	require.ErrorContains(t, err, "does not exist")
}

func TestPubSubFromTopicWithoutTopic(t *testing.T) {
	t.Parallel()

	s := NewPubSubFromTopic(nil)
	require.Error(t, s.Emit(context.Background(), crawler.Record{}))
	require.NoError(t, s.Close())
}
