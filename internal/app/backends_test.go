package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yihaochen/urban-growth/internal/config"
	"github.com/yihaochen/urban-growth/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStorage_Memory(t *testing.T) {
	ctx := context.Background()
	s, err := OpenStorage(ctx, &config.Config{StoreBackend: config.StoreMemory}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Objects.Put(ctx, "ndbi/a.png", []byte("png"), "image/png"))
	got, err := s.Objects.Get(ctx, "ndbi/a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), got)
	assert.Equal(t, "memory://ndbi/a.png", s.URL("ndbi/a.png"))

	_, err = s.Store.Ledger(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, s.Ready().CheckReadiness(ctx))
}

func TestOpenStorage_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := OpenStorage(context.Background(), &config.Config{StoreBackend: config.StoreRedis, RedisAddr: addr}, discardLogger())
	require.Error(t, err)
}

func TestOpenStorage_UnknownBackend(t *testing.T) {
	_, err := OpenStorage(context.Background(), &config.Config{StoreBackend: "etcd"}, discardLogger())
	require.ErrorContains(t, err, `unknown store backend "etcd"`)
}

func TestOpenQueue(t *testing.T) {
	cfg := &config.Config{
		QueueBackend:  config.QueueKafka,
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaJobTopic: "scene-jobs",
		KafkaGroupID:  "workers",
	}

	pub, closer, err := OpenPublisher(cfg, discardLogger())
	require.NoError(t, err)
	assert.NotNil(t, pub)
	require.NoError(t, closer.Close())

	consumer, closer, err := OpenConsumer(cfg, discardLogger())
	require.NoError(t, err)
	assert.NotNil(t, consumer)
	require.NoError(t, closer.Close())

	cfg.QueueBackend = "sqs"
	_, _, err = OpenPublisher(cfg, discardLogger())
	require.Error(t, err)
	_, _, err = OpenConsumer(cfg, discardLogger())
	require.Error(t, err)
}
