//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/persistence/relational"
	"github.com/hitrack/hitrack-scanner/test/integration/persistence"
)

const postgresPort = nat.Port("5432/tcp")

// TestStore is an integration test for the relational gateway on PostgreSQL.
func TestStore(t *testing.T) {
	if testing.Short() {
		t.Skip("An integration test")
	}

	ctx := context.Background()
	postgresC, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{string(postgresPort)},
			Env: map[string]string{
				"POSTGRES_USER":     "hitrack",
				"POSTGRES_PASSWORD": "hitrack",
				"POSTGRES_DB":       "hitrack",
			},
			WaitingFor: wait.ForSQL(postgresPort, "pgx", func(host string, port nat.Port) string {
				return fmt.Sprintf("postgres://hitrack:hitrack@%s:%s/hitrack?sslmode=disable", host, port.Port())
			}),
		},
		Started: true,
	})
	require.NoError(t, err, "should start postgres container")
	defer func() {
		_ = postgresC.Terminate(ctx)
	}()

	host, err := postgresC.Host(ctx)
	require.NoError(t, err)
	port, err := postgresC.MappedPort(ctx, postgresPort)
	require.NoError(t, err)

	db, err := relational.Open(etc.Database{
		Dialect:      "postgres",
		DSN:          fmt.Sprintf("host=%s port=%s user=hitrack password=hitrack dbname=hitrack sslmode=disable", host, port.Port()),
		MaxOpenConns: 5,
		MaxIdleConns: 1,
		AutoMigrate:  true,
	})
	require.NoError(t, err)

	persistence.TestGatewayInterface(t, relational.NewStore(db))
}
