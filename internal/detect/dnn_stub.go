//go:build !gocv

package detect

import (
	"context"
	"errors"
	"image"
)

var errNoGoCV = errors.New("gocv build tag is not enabled")

// DNNSegmenter is unavailable without the gocv build tag.
type DNNSegmenter struct{}

func NewDNNSegmenter(modelPath, configPath, labelsPath string, inputSize int) (*DNNSegmenter, error) {
	return nil, errNoGoCV
}

func (d *DNNSegmenter) Labels() []string { return nil }

func (d *DNNSegmenter) Segment(ctx context.Context, img *image.NRGBA) (*SegmentationMap, error) {
	return nil, errNoGoCV
}

func (d *DNNSegmenter) Close() error { return nil }
