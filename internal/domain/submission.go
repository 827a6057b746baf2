package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Submission is one of ByBoundingBox, ByBoundary or ByStoredBoundaryReference.
type Submission interface {
	submission()
}

// ByBoundingBox submits an explicit box.
type ByBoundingBox struct {
	BBox BBox
}

// ByBoundary submits a polygon set.
type ByBoundary struct {
	Boundary Boundary
}

// ByStoredBoundaryReference submits the key of a boundary already in the object store.
type ByStoredBoundaryReference struct {
	Ref string
}

func (ByBoundingBox) submission()             {}
func (ByBoundary) submission()                {}
func (ByStoredBoundaryReference) submission() {}

// CloudCoverRange is a closed percentage range [Lo, Hi].
type CloudCoverRange struct {
	Lo float64
	Hi float64
}

// DefaultCloudCover is used when a submission does not name a range.
var DefaultCloudCover = CloudCoverRange{Lo: 0, Hi: 10}

// Validate checks 0 <= Lo <= Hi <= 100.
func (r CloudCoverRange) Validate() error {
	if r.Lo < 0 || r.Hi > 100 || r.Lo > r.Hi {
		return fmt.Errorf("%w: cloud cover range [%g, %g]", ErrMalformedInput, r.Lo, r.Hi)
	}
	return nil
}

// Contains reports whether pct lies in the closed range.
func (r CloudCoverRange) Contains(pct float64) bool {
	return pct >= r.Lo && pct <= r.Hi
}

// MarshalJSON encodes the range as a two-element array.
func (r CloudCoverRange) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{r.Lo, r.Hi})
}

// UnmarshalJSON decodes a two-element array.
func (r *CloudCoverRange) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("%w: cloud cover range: %v", ErrMalformedInput, err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("%w: cloud cover range needs 2 values, got %d", ErrMalformedInput, len(pair))
	}
	r.Lo, r.Hi = pair[0], pair[1]
	return nil
}

// SubmissionRequest is a decoded submission plus its cloud cover filter.
// The range is used as given; [0,0] selects cloud-free scenes only.
type SubmissionRequest struct {
	Submission Submission
	CloudCover CloudCoverRange
}

type submissionPayload struct {
	BBox            *BBox            `json:"bbox"`
	Boundary        json.RawMessage  `json:"boundary"`
	BoundaryRef     string           `json:"boundary_reference"`
	CloudCoverRange *CloudCoverRange `json:"cloud_cover_range"`
}

// DecodeSubmission parses a JSON submission. Exactly one of "bbox",
// "boundary" or "boundary_reference" must be present; "cloud_cover_range"
// defaults to DefaultCloudCover.
func DecodeSubmission(data []byte) (SubmissionRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p submissionPayload
	if err := dec.Decode(&p); err != nil {
		return SubmissionRequest{}, fmt.Errorf("%w: decode submission: %v", ErrMalformedInput, err)
	}

	req := SubmissionRequest{CloudCover: DefaultCloudCover}
	if p.CloudCoverRange != nil {
		req.CloudCover = *p.CloudCoverRange
	}
	if err := req.CloudCover.Validate(); err != nil {
		return SubmissionRequest{}, err
	}

	variants := 0
	if p.BBox != nil {
		variants++
		if err := p.BBox.Validate(); err != nil {
			return SubmissionRequest{}, err
		}
		req.Submission = ByBoundingBox{BBox: *p.BBox}
	}
	if len(p.Boundary) > 0 {
		variants++
		b, err := ParseBoundary(p.Boundary)
		if err != nil {
			return SubmissionRequest{}, err
		}
		req.Submission = ByBoundary{Boundary: b}
	}
	if p.BoundaryRef != "" {
		variants++
		req.Submission = ByStoredBoundaryReference{Ref: p.BoundaryRef}
	}
	if variants != 1 {
		return SubmissionRequest{}, fmt.Errorf("%w: submission needs exactly one of bbox, boundary, boundary_reference", ErrMalformedInput)
	}
	return req, nil
}
