//go:build gocv

package detect

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"os"
	"strings"
	"sync"

	"gocv.io/x/gocv"
)

// DNNSegmenter runs a semantic segmentation network through OpenCV's DNN
// module. The network must output per-class scores shaped [1, C, H, W].
type DNNSegmenter struct {
	mu        sync.Mutex // gocv.Net is not safe for concurrent Forward calls
	net       gocv.Net
	labels    []string
	inputSize int
}

// NewDNNSegmenter loads model weights (and an optional config file) plus a
// newline-separated label file.
func NewDNNSegmenter(modelPath, configPath, labelsPath string, inputSize int) (*DNNSegmenter, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("dnn: model path is empty")
	}
	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return nil, fmt.Errorf("dnn: failed to load model %s", modelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	labels, err := readLabels(labelsPath)
	if err != nil {
		net.Close()
		return nil, err
	}
	if inputSize <= 0 {
		inputSize = 512
	}
	return &DNNSegmenter{net: net, labels: labels, inputSize: inputSize}, nil
}

func (d *DNNSegmenter) Labels() []string { return d.labels }

func (d *DNNSegmenter) Segment(ctx context.Context, img *image.NRGBA) (*SegmentationMap, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("dnn: convert image: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(d.inputSize, d.inputSize), gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Forward returns a view of the network's output blob; clone it before
	// another worker runs the net again.
	d.mu.Lock()
	d.net.SetInput(blob, "")
	raw := d.net.Forward("")
	out := raw.Clone()
	raw.Close()
	d.mu.Unlock()
	defer out.Close()

	dims := out.Size()
	if len(dims) != 4 {
		return nil, fmt.Errorf("dnn: unexpected output rank %d", len(dims))
	}
	classes, oh, ow := dims[1], dims[2], dims[3]
	scores, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("dnn: read output: %w", err)
	}

	argmax := make([]int, oh*ow)
	plane := oh * ow
	for i := 0; i < plane; i++ {
		best, bestScore := 0, scores[i]
		for c := 1; c < classes; c++ {
			if s := scores[c*plane+i]; s > bestScore {
				best, bestScore = c, s
			}
		}
		argmax[i] = best
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	segMap := &SegmentationMap{W: w, H: h, Classes: make([]int, w*h)}
	for y := 0; y < h; y++ {
		sy := y * oh / h
		for x := 0; x < w; x++ {
			segMap.Classes[y*w+x] = argmax[sy*ow+x*ow/w]
		}
	}
	return segMap, nil
}

// Close releases the network.
func (d *DNNSegmenter) Close() error {
	return d.net.Close()
}

func readLabels(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dnn: open labels: %w", err)
	}
	defer f.Close()

	var labels []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		labels = append(labels, strings.TrimSpace(sc.Text()))
	}
	return labels, sc.Err()
}
