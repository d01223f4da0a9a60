//go:build integration

package recordstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ChuLiYu/analysis-dispatch/pkg/types"
)

// setupMongo 啟動單節點 replica set（change stream 需要）
func setupMongo(t *testing.T) *mongo.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			Cmd:          []string{"--replSet", "rs0", "--bind_ip_all"},
			WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	code, _, err := container.Exec(ctx, []string{"mongosh", "--quiet", "--eval",
		`rs.initiate({_id: "rs0", members: [{_id: 0, host: "localhost:27017"}]})`})
	require.NoError(t, err)
	require.Equal(t, 0, code)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "27017/tcp")
	require.NoError(t, err)

	uri := fmt.Sprintf("mongodb://%s:%s/?directConnection=true", host, port.Port())
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	// 等待成為 primary
	require.Eventually(t, func() bool {
		return client.Ping(ctx, nil) == nil
	}, 60*time.Second, 500*time.Millisecond)
	return client
}

func TestMongoStore_Contract(t *testing.T) {
	client := setupMongo(t)
	n := 0
	runContract(t, func(t *testing.T) Store {
		n++
		inst := types.StoreInstance{
			InstanceID: "default",
			Database:   "web_db",
			Collection: fmt.Sprintf("recordings_%d", n),
		}
		return NewMongoStore(client, inst, Fields{})
	})
}
