package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var postgresService shared

// GetPostgresDSN returns a pgx connection string for a shared Postgres
// container.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	return postgresService.get(t, "postgres", startPostgres)
}

func postgresDSN(hostPort string) string {
	return fmt.Sprintf("postgres://geoflow:geoflow@%s/geoflow_test?sslmode=disable", hostPort)
}

func startPostgres(ctx context.Context) (string, error) {
	postgresC, err := testcontainers.Run(
		ctx, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return postgresDSN(host + ":" + port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "geoflow",
			"POSTGRES_PASSWORD": "geoflow",
			"POSTGRES_DB":       "geoflow_test",
		}),
	)
	if err != nil {
		return "", err
	}

	endpoint, err := postgresC.Endpoint(ctx, "")
	if err != nil {
		_ = postgresC.Terminate(context.Background()) // best-effort cleanup
		return "", err
	}
	return postgresDSN(endpoint), nil
}
