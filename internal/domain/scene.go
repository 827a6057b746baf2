package domain

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SceneDescriptor is one catalog hit for a region search.
type SceneDescriptor struct {
	AcquiredAt    time.Time `json:"acquisition_datetime"`
	ProductID     string    `json:"product_id"`
	CloudCoverPct float64   `json:"cloud_cover_pct"`
}

// ProductMeta is the metadata encoded in a Landsat product id.
type ProductMeta struct {
	ProductID       string
	Sensor          string
	Satellite       string
	Path            string
	Row             string
	AcquisitionDate time.Time
	// Collection is "c1" for Collection-1 ids and empty for pre-collection ids.
	Collection string
	Category   string
	// Key is the archive prefix of the scene's band files.
	Key string
}

// SceneKey returns the scene_date_wrs key: YYYYMMDD_PPPRRR.
func (m ProductMeta) SceneKey() string {
	return m.AcquisitionDate.Format("20060102") + "_" + m.Path + m.Row
}

var (
	collectionPattern = regexp.MustCompile(
		`(?i)^L([COTEM])(\d{2})_(\w{4})_(\d{3})(\d{3})_(\d{4})(\d{2})(\d{2})_\d{8}_(\d{2})_(T1|T2|RT)$`)
	preCollectionPattern = regexp.MustCompile(
		`(?i)^L([COTEM])(8)(\d{3})(\d{3})(\d{4})(\d{3})([A-Z]{3})(\d{2})$`)
)

// ParseProductID decodes a Collection-1 or pre-collection Landsat 8 product id.
func ParseProductID(productID string) (ProductMeta, error) {
	if m := collectionPattern.FindStringSubmatch(productID); m != nil {
		date, err := time.Parse("20060102", m[6]+m[7]+m[8])
		if err != nil {
			return ProductMeta{}, fmt.Errorf("%w: product id %q: %v", ErrMalformedInput, productID, err)
		}
		num, _ := strconv.Atoi(m[9])
		meta := ProductMeta{
			ProductID:       productID,
			Sensor:          strings.ToUpper(m[1]),
			Satellite:       m[2],
			Path:            m[4],
			Row:             m[5],
			AcquisitionDate: date,
			Collection:      "c" + strconv.Itoa(num),
			Category:        strings.ToUpper(m[10]),
		}
		meta.Key = path.Join(meta.Collection, "L8", meta.Path, meta.Row, productID, productID)
		return meta, nil
	}

	if m := preCollectionPattern.FindStringSubmatch(productID); m != nil {
		year, _ := strconv.Atoi(m[5])
		doy, _ := strconv.Atoi(m[6])
		if doy < 1 || doy > 366 {
			return ProductMeta{}, fmt.Errorf("%w: product id %q: day of year %d", ErrMalformedInput, productID, doy)
		}
		meta := ProductMeta{
			ProductID:       productID,
			Sensor:          strings.ToUpper(m[1]),
			Satellite:       m[2],
			Path:            m[3],
			Row:             m[4],
			AcquisitionDate: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, doy-1),
		}
		meta.Key = path.Join("L8", meta.Path, meta.Row, productID, productID)
		return meta, nil
	}

	return ProductMeta{}, fmt.Errorf("%w: unrecognised product id %q", ErrMalformedInput, productID)
}

// SceneDateWRS returns the scene_date_wrs key for a product id.
func SceneDateWRS(productID string) (string, error) {
	meta, err := ParseProductID(productID)
	if err != nil {
		return "", err
	}
	return meta.SceneKey(), nil
}

// Band names used by the processor.
const (
	BandNIR     = "B5"
	BandSWIR    = "B6"
	BandQuality = "BQA"
)

// BandKey returns the archive key of one band file, e.g.
// c1/L8/047/027/<id>/<id>_B6.TIF.
func BandKey(productID, band string) (string, error) {
	meta, err := ParseProductID(productID)
	if err != nil {
		return "", err
	}
	return meta.Key + "_" + band + ".TIF", nil
}
