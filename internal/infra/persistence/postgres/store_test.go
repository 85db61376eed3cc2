package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pushbeam/beam/internal/domain/devicestore"
	"github.com/pushbeam/beam/internal/domain/eventstore"
	"github.com/pushbeam/beam/internal/infra/persistence/migrations"
	pgstore "github.com/pushbeam/beam/internal/infra/persistence/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	if os.Getenv("BEAM_CONTRACT_TESTS") == "" {
		fmt.Fprintln(os.Stderr, "postgres contract tests skipped: set BEAM_CONTRACT_TESTS=1 to enable")
		os.Exit(0)
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "beam"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	exitCode := 0
	if err := initialiseDatabase(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests setup failed: %v\n", err)
		exitCode = 1
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgresql://postgres:secret@%s:%s/beam?sslmode=disable", host, port.Port())
	if err := migrations.Apply(ctx, dsn, nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgstore.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	testPool = pool
	return nil
}

func truncate(t *testing.T) {
	t.Helper()
	_, err := testPool.Exec(context.Background(), "TRUNCATE pending_events RESTART IDENTITY; TRUNCATE device_state;")
	require.NoError(t, err)
}

func TestEventStoreContract(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	store := pgstore.NewEventStore(testPool)

	deviceID := "dev-1"
	first, err := store.Enqueue(ctx, eventstore.Event{
		Type:       "re.notifica.event.application.Open",
		Timestamp:  time.Now().UnixMilli(),
		DeviceID:   &deviceID,
		Data:       map[string]string{"source": "contract"},
		TTLSeconds: 86400,
	})
	require.NoError(t, err)
	require.Positive(t, first.ID)
	require.Zero(t, first.RetryCount)

	second, err := store.Enqueue(ctx, eventstore.Event{Type: "custom", Timestamp: 1, TTLSeconds: 60})
	require.NoError(t, err)
	require.Greater(t, second.ID, first.ID)

	listed, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, first.ID, listed[0].ID)
	require.Equal(t, "contract", listed[0].Data["source"])

	require.NoError(t, store.UpdateRetryCount(ctx, first.ID, 2))
	listed, err = store.ListAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, listed[0].RetryCount)

	require.NoError(t, store.Remove(ctx, first.ID))
	require.Error(t, store.Remove(ctx, first.ID))
}

func TestDeviceStoreContract(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	store := pgstore.NewDeviceStore(testPool)

	got, err := store.Device(ctx)
	require.NoError(t, err)
	require.Nil(t, got)

	userID := "user-1"
	require.NoError(t, store.PutDevice(ctx, devicestore.DeviceRecord{
		ID:        "dev-1",
		UserID:    &userID,
		Transport: devicestore.TransportGeneric,
		LongLived: true,
	}))
	got, err = store.Device(ctx)
	require.NoError(t, err)
	require.Equal(t, "dev-1", got.ID)
	require.True(t, got.LongLived)

	require.NoError(t, store.PutCredentials(ctx, devicestore.Credentials{AccessToken: "at", RefreshToken: "rt", ExpiresAt: 99}))
	creds, err := store.Credentials(ctx)
	require.NoError(t, err)
	require.Equal(t, "rt", creds.RefreshToken)
}

func TestDeviceStoreContractSelfHealsCorruptBlob(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	store := pgstore.NewDeviceStore(testPool)

	_, err := testPool.Exec(ctx,
		"INSERT INTO device_state (state_key, payload) VALUES ('device', $1)", []byte("{broken"))
	require.NoError(t, err)

	got, err := store.Device(ctx)
	require.NoError(t, err)
	require.Nil(t, got)

	var count int
	require.NoError(t, testPool.QueryRow(ctx,
		"SELECT COUNT(*) FROM device_state WHERE state_key = 'device'").Scan(&count))
	require.Zero(t, count)
}

func TestDeviceStoreContractMigratesLegacyBlob(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	store := pgstore.NewDeviceStore(testPool)

	legacy := []byte(`{"deviceID":"legacy-1","registeredForNotifications":false,"timeZoneOffset":2}`)
	_, err := testPool.Exec(ctx,
		"INSERT INTO device_state (state_key, payload) VALUES ('device_legacy', $1)", legacy)
	require.NoError(t, err)

	got, err := store.Device(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "legacy-1", got.ID)
	require.True(t, got.LongLived)

	var count int
	require.NoError(t, testPool.QueryRow(ctx,
		"SELECT COUNT(*) FROM device_state WHERE state_key = 'device_legacy'").Scan(&count))
	require.Zero(t, count)
}
