package mongostore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/agentrt/model"
	"goa.design/agentrt/storage"
)

var (
	testClient    *mongo.Client
	testContainer testcontainers.Container
	skipTests     bool
)

func setupMongo(t *testing.T) {
	t.Helper()
	if testClient != nil || skipTests {
		return
	}
	ctx := context.Background()
	func() {
		defer func() {
			if r := recover(); r != nil {
				skipTests = true
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		var err error
		testContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
		if err != nil {
			skipTests = true
			return
		}
		host, err := testContainer.Host(ctx)
		if err != nil {
			skipTests = true
			return
		}
		port, err := testContainer.MappedPort(ctx, "27017")
		if err != nil {
			skipTests = true
			return
		}
		uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
		testClient, err = mongo.Connect(options.Client().ApplyURI(uri))
		if err != nil {
			skipTests = true
			return
		}
		if err := testClient.Ping(ctx, nil); err != nil {
			skipTests = true
		}
	}()
	if skipTests {
		t.Skip("docker not available, skipping mongostore integration test")
	}
}

func TestConfigStoreSaveLoadDelete(t *testing.T) {
	setupMongo(t)
	ctx := context.Background()
	opts := Options{Database: "agentrt_test_" + t.Name()}
	st, err := NewConfigStore(ctx, testClient, opts)
	require.NoError(t, err)
	defer func() { _ = st.coll.Drop(ctx) }()

	cfg := storage.AgentConfig{AgentUUID: "agent-1", Model: "claude-sonnet-4-5", MaxSteps: 10, MaxTokens: 4096}
	require.NoError(t, st.Save(ctx, cfg))

	loaded, err := st.Load(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, cfg.Model, loaded.Model)
	require.False(t, loaded.CreatedAt.IsZero())

	require.NoError(t, st.SetTitle(ctx, "agent-1", "renamed"))
	loaded, err = st.Load(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, "renamed", loaded.Title)

	list, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, st.Delete(ctx, "agent-1"))
	_, err = st.Load(ctx, "agent-1")
	require.ErrorIs(t, err, storage.ErrConfigNotFound)
}

func TestConversationStoreSequenceOrdering(t *testing.T) {
	setupMongo(t)
	ctx := context.Background()
	opts := Options{Database: "agentrt_test_" + t.Name()}
	st, err := NewConversationStore(ctx, testClient, opts)
	require.NoError(t, err)
	defer func() { _ = st.records.Drop(ctx) }()

	for i := 0; i < 3; i++ {
		rec, err := st.Save(ctx, "agent-1", model.Message{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: fmt.Sprintf("msg-%d", i)}}})
		require.NoError(t, err)
		require.Equal(t, int64(i+1), rec.Sequence)
	}

	page, hasMore, err := st.LoadCursor(ctx, "agent-1", 0, 2)
	require.NoError(t, err)
	require.True(t, hasMore)
	require.Len(t, page, 2)
	require.Equal(t, int64(3), page[0].Sequence)
	require.Equal(t, int64(2), page[1].Sequence)
}

func TestRunLogStoreAppendOrder(t *testing.T) {
	setupMongo(t)
	ctx := context.Background()
	opts := Options{Database: "agentrt_test_" + t.Name()}
	st, err := NewRunLogStore(ctx, testClient, opts)
	require.NoError(t, err)
	defer func() { _ = st.coll.Drop(ctx) }()

	for i := 0; i < 2; i++ {
		require.NoError(t, st.Save(ctx, storage.RunLogLine{AgentUUID: "agent-1", RunID: "run-1", Type: "step_started", Step: i, Timestamp: time.Now()}))
	}

	lines, err := st.Load(ctx, "agent-1", "run-1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, int64(1), lines[0].Seq)
	require.Equal(t, int64(2), lines[1].Seq)
}
