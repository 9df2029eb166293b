package pubsub

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/harvester/internal/scrape"
	"github.com/JakeFAU/harvester/internal/telemetry"
)

const (
	testProject = "test-project"
	testTopic   = "jobs"
	testSub     = "jobs-workers"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

// emulatorConn dials a fresh connection to the in-process Pub/Sub server.
// The queue and the test fixture need separate connections because each
// client closes the one it owns.
func emulatorConn(t *testing.T, srv *pstest.Server) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newEmulatorQueue(t *testing.T) (*Queue, *pubsub.Client) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	ctx := context.Background()
	admin, err := pubsub.NewClient(ctx, testProject, option.WithGRPCConn(emulatorConn(t, srv)))
	require.NoError(t, err)
	topic, err := admin.CreateTopic(ctx, testTopic)
	require.NoError(t, err)
	_, err = admin.CreateSubscription(ctx, testSub, pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	cfg := Config{ProjectID: testProject, TopicID: testTopic, SubscriptionID: testSub, Buffer: 4}
	q, err := New(ctx, cfg, zap.NewNop(), option.WithGRPCConn(emulatorConn(t, srv)))
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q, admin
}

func TestQueueRoundTrip(t *testing.T) {
	q, _ := newEmulatorQueue(t)

	item := scrape.QueueItem{
		JobID:     "job-1",
		Type:      scrape.TypeTwitterThread,
		Config:    scrape.JobConfig{Target: "1234567890", Limit: 25},
		Attempt:   1,
		Submitted: 1740800000,
	}
	require.NoError(t, q.Enqueue(context.Background(), item))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, item, got)
}

func TestQueueDropsMalformedMessages(t *testing.T) {
	q, admin := newEmulatorQueue(t)

	// Publish garbage straight to the topic, bypassing Enqueue.
	topic := admin.Topic(testTopic)
	_, err := topic.Publish(context.Background(), &pubsub.Message{Data: []byte("not json")}).Get(context.Background())
	require.NoError(t, err)

	item := scrape.QueueItem{JobID: "job-2", Type: scrape.TypeRedditPost, Config: scrape.JobConfig{Target: "abc123"}}
	require.NoError(t, q.Enqueue(context.Background(), item))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-2", got.JobID)
}

func TestQueueCloseUnblocksDequeue(t *testing.T) {
	q, _ := newEmulatorQueue(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond) // allow the dequeue to block
	q.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, scrape.ErrQueueClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("dequeue did not unblock after close")
	}
}

func TestQueueDequeueHonoursContext(t *testing.T) {
	q, _ := newEmulatorQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{ProjectID: "p"}, zap.NewNop())
	require.Error(t, err)
}

func TestNewRejectsMissingTopic(t *testing.T) {
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	cfg := Config{ProjectID: testProject, TopicID: "absent", SubscriptionID: testSub}
	_, err := New(context.Background(), cfg, zap.NewNop(), option.WithGRPCConn(emulatorConn(t, srv)))
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not exist")
}
