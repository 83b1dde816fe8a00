package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/google/uuid"

	"carbonbot/internal/domain"
)

// The network drivers run the shared contract when a server is reachable:
//
//	CARBONBOT_TEST_REDIS_ADDR     (default localhost:6379)
//	CARBONBOT_TEST_POSTGRES_DSN   (dedicated database; tables are truncated)
//	DATASTORE_EMULATOR_HOST + CARBONBOT_TEST_DATASTORE_PROJECT

func TestRedisStore(t *testing.T) {
	t.Parallel()
	addr := os.Getenv("CARBONBOT_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	st, err := openRedis(RedisConfig{Addr: addr, Prefix: "carbonbot-test:" + uuid.NewString() + ":"})
	if err != nil {
		t.Fatalf("openRedis: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		keys, _ := st.client.Keys(context.Background(), st.prefix+"*").Result()
		if len(keys) > 0 {
			_ = st.client.Del(context.Background(), keys...).Err()
		}
	})
	exerciseStore(t, st)
}

func TestPostgresStore(t *testing.T) {
	t.Parallel()
	dsn := os.Getenv("CARBONBOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CARBONBOT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := openPostgres(ctx, PostgresConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("openPostgres: %v", err)
	}
	defer st.Close()
	if _, err := st.pool.Exec(ctx, `TRUNCATE carbon_subscribers, carbon_measurements, carbon_roles`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	exerciseStore(t, st)
}

func TestDatastoreStore(t *testing.T) {
	t.Parallel()
	project := os.Getenv("CARBONBOT_TEST_DATASTORE_PROJECT")
	if os.Getenv("DATASTORE_EMULATOR_HOST") == "" || project == "" {
		t.Skip("datastore emulator not configured")
	}
	suffix := uuid.NewString()
	st, err := openDatastore(context.Background(), DatastoreConfig{
		ProjectID:       project,
		SubscriberKind:  "subscribers_" + suffix,
		MeasurementKind: "measurements_" + suffix,
		RoleKind:        "roles_" + suffix,
	})
	if err != nil {
		t.Fatalf("openDatastore: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestDatastoreSubscriberEntityIsFlagged(t *testing.T) {
	t.Parallel()
	props, err := datastore.SaveStruct(newSubscriberEntity(domain.SubscriberID("42"), time.Unix(0, 0)))
	if err != nil {
		t.Fatalf("SaveStruct: %v", err)
	}
	got := map[string]any{}
	for _, p := range props {
		got[p.Name] = p.Value
	}
	if got["subscribed"] != true || got["chat_id"] != "42" {
		t.Fatalf("properties=%v", got)
	}
}
