package bands

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yihaochen/urban-growth/internal/domain"
)

const productID = "LC08_L1TP_047027_20190828_20190903_01_T1"

func testRequest() domain.BandRequest {
	return domain.BandRequest{
		ProductID: productID,
		Boundary:  domain.NewBoundary(domain.BBox{-122.34, 47.60, -122.33, 47.61}.Polygon()),
	}
}

func TestFetch(t *testing.T) {
	want := domain.SceneRaster{
		Width:      2,
		Height:     1,
		SWIR:       []float64{0.3, 0.4},
		NIR:        []float64{0.2, 0.1},
		Quality:    []uint16{2720, 2800},
		InGeometry: []bool{true, false},
	}

	var got fetchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/bands", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	raster, err := New(srv.URL, time.Second).Fetch(context.Background(), testRequest())
	require.NoError(t, err)
	if diff := cmp.Diff(want, raster); diff != "" {
		t.Errorf("raster mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, productID, got.ProductID)
	prefix := "c1/L8/047/027/" + productID + "/" + productID
	assert.Equal(t, bandKeys{NIR: prefix + "_B5.TIF", SWIR: prefix + "_B6.TIF", Quality: prefix + "_BQA.TIF"}, got.Bands)
	assert.Equal(t, domain.BBox{-122.34, 47.60, -122.33, 47.61}, got.Boundary.BBox())
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{name: "server error", want: domain.ErrTransientProcessing, handler: func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "gdal failed", http.StatusInternalServerError)
		}},
		{name: "throttled", want: domain.ErrTransientProcessing, handler: func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "slow down", http.StatusTooManyRequests)
		}},
		{name: "bad json", want: domain.ErrTransientProcessing, handler: func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"width":`)
		}},
		{name: "scene missing", want: domain.ErrMalformedInput, handler: func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "no such scene", http.StatusNotFound)
		}},
		{name: "short band", want: domain.ErrMalformedInput, handler: func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"width":2,"height":1,"swir":[1],"nir":[1,1],"quality":[0,0],"in_geometry":[true,true]}`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := New(srv.URL, time.Second).Fetch(context.Background(), testRequest())
			require.ErrorIs(t, err, tt.want)
			if tt.want == domain.ErrMalformedInput {
				assert.NotErrorIs(t, err, domain.ErrTransientProcessing)
			}
		})
	}
}

func TestFetchBadProductID(t *testing.T) {
	_, err := New("http://unused", time.Second).Fetch(context.Background(), domain.BandRequest{ProductID: "nope"})
	require.ErrorIs(t, err, domain.ErrMalformedInput)
}

func TestFetchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, time.Second).Fetch(context.Background(), testRequest())
	require.ErrorIs(t, err, domain.ErrTransientProcessing)
}
