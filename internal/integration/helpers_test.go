//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/yihaochen/urban-growth/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKafka runs a single-node KRaft broker and returns its address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	c, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("urban-growth-test"))
	testcontainers.CleanupContainer(t, c)
	require.NoError(t, err, "start kafka container")

	brokers, err := c.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

// createTopic creates a topic through the cluster controller.
func createTopic(t *testing.T, broker, topic string, partitions int) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	cc, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cc.Close()

	require.NoError(t, cc.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}))
}

// startPostgres runs Postgres and returns a DSN.
func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()
	c, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("urban_growth"),
		tcpostgres.WithUsername("urban"),
		tcpostgres.WithPassword("urban"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, c)
	require.NoError(t, err, "start postgres container")

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

var testScenes = []domain.SceneDescriptor{
	{AcquiredAt: time.Date(2019, 7, 11, 18, 57, 0, 0, time.UTC), ProductID: "LC08_L1TP_046027_20190711_20190719_01_T1", CloudCoverPct: 1.2},
	{AcquiredAt: time.Date(2019, 8, 28, 18, 57, 0, 0, time.UTC), ProductID: "LC08_L1TP_047027_20190828_20190903_01_T1", CloudCoverPct: 4.5},
	{AcquiredAt: time.Date(2019, 9, 13, 18, 57, 0, 0, time.UTC), ProductID: "LC08_L1TP_047027_20190913_20190917_01_T1", CloudCoverPct: 8.0},
}

// catalogServer answers STAC searches with testScenes.
func catalogServer(t *testing.T) *httptest.Server {
	t.Helper()
	type props struct {
		Datetime   time.Time `json:"datetime"`
		ProductID  string    `json:"landsat:product_id"`
		CloudCover float64   `json:"eo:cloud_cover"`
	}
	type feature struct {
		ID         string `json:"id"`
		Properties props  `json:"properties"`
	}
	features := make([]feature, 0, len(testScenes))
	for _, s := range testScenes {
		features = append(features, feature{ID: s.ProductID, Properties: props{s.AcquiredAt, s.ProductID, s.CloudCoverPct}})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/geo+json")
		_ = json.NewEncoder(w).Encode(map[string]any{"type": "FeatureCollection", "features": features})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// bandServer serves a clear 4x4 raster per scene, and a fully cloudy one for
// the products in cloudy.
func bandServer(t *testing.T, cloudy map[string]bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProductID string `json:"product_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		qa := uint16(0)
		if cloudy[req.ProductID] {
			qa = 0b0110_0000
		}
		raster := domain.SceneRaster{Width: 4, Height: 4}
		for range 16 {
			raster.SWIR = append(raster.SWIR, 300)
			raster.NIR = append(raster.NIR, 100)
			raster.Quality = append(raster.Quality, qa)
			raster.InGeometry = append(raster.InGeometry, true)
		}
		_ = json.NewEncoder(w).Encode(raster)
	}))
	t.Cleanup(srv.Close)
	return srv
}
