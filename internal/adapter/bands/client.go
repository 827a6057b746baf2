// Package bands fetches cropped, geometry-masked Landsat bands from the
// external band service.
package bands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yihaochen/urban-growth/internal/domain"
)

// Client implements domain.BandSource over HTTP.
type Client struct {
	http *http.Client
	url  string
}

// New creates a client for the service rooted at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}, url: baseURL}
}

type bandKeys struct {
	NIR     string `json:"nir"`
	SWIR    string `json:"swir"`
	Quality string `json:"quality"`
}

type fetchRequest struct {
	ProductID string          `json:"product_id"`
	Bands     bandKeys        `json:"bands"`
	Boundary  domain.Boundary `json:"boundary"`
}

func newFetchRequest(req domain.BandRequest) (fetchRequest, error) {
	keys := make([]string, 3)
	for i, band := range []string{domain.BandNIR, domain.BandSWIR, domain.BandQuality} {
		key, err := domain.BandKey(req.ProductID, band)
		if err != nil {
			return fetchRequest{}, err
		}
		keys[i] = key
	}
	return fetchRequest{
		ProductID: req.ProductID,
		Bands:     bandKeys{NIR: keys[0], SWIR: keys[1], Quality: keys[2]},
		Boundary:  req.Boundary,
	}, nil
}

// Fetch returns the scene's bands cropped to the request boundary. Failures
// that a retry cannot fix (an unkeyable product, a rejected request, a raster
// of the wrong shape) wrap domain.ErrMalformedInput; all others wrap
// domain.ErrTransientProcessing.
func (c *Client) Fetch(ctx context.Context, req domain.BandRequest) (domain.SceneRaster, error) {
	payload, err := newFetchRequest(req)
	if err != nil {
		return domain.SceneRaster{}, fmt.Errorf("band keys: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.SceneRaster{}, fmt.Errorf("encode band request: %w: %w", domain.ErrTransientProcessing, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/bands", bytes.NewReader(body))
	if err != nil {
		return domain.SceneRaster{}, fmt.Errorf("build band request: %w: %w", domain.ErrTransientProcessing, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return domain.SceneRaster{}, fmt.Errorf("band service: %w: %w", domain.ErrTransientProcessing, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.SceneRaster{}, fmt.Errorf("band service returned %s: %w: %s",
			resp.Status, statusErr(resp.StatusCode), bytes.TrimSpace(msg))
	}

	var raster domain.SceneRaster
	if err := json.NewDecoder(resp.Body).Decode(&raster); err != nil {
		return domain.SceneRaster{}, fmt.Errorf("decode bands: %w: %w", domain.ErrTransientProcessing, err)
	}
	if err := checkShape(raster); err != nil {
		return domain.SceneRaster{}, fmt.Errorf("%s: %w", req.ProductID, err)
	}
	return raster, nil
}

// statusErr classifies a non-200 response. Throttling, timeouts and server
// errors are retried; any other client error is final.
func statusErr(code int) error {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return domain.ErrTransientProcessing
	case code >= 400:
		return domain.ErrMalformedInput
	}
	return domain.ErrTransientProcessing
}

func checkShape(r domain.SceneRaster) error {
	n := r.Len()
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: raster is %dx%d", domain.ErrMalformedInput, r.Width, r.Height)
	}
	if len(r.SWIR) != n || len(r.NIR) != n || len(r.Quality) != n || len(r.InGeometry) != n {
		return fmt.Errorf("%w: band lengths %d/%d/%d/%d, want %d", domain.ErrMalformedInput,
			len(r.SWIR), len(r.NIR), len(r.Quality), len(r.InGeometry), n)
	}
	return nil
}
