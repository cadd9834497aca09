package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/wavelength-social/wavelength/service/logger"
)

const embedBatchSize = 32

// EmbedInput is one document handed to the embedding model: the post text plus any
// image URLs and their alt texts.
type EmbedInput struct {
	URI       string   `json:"uri"`
	Text      string   `json:"text"`
	ImageURLs []string `json:"image_urls,omitempty"`
	AltText   []string `json:"alt_text,omitempty"`
}

type embedOutput struct {
	URI    string    `json:"uri"`
	Vector []float32 `json:"vector"`
}

// Embedder shells out to the external embedding tool, which maps text and images to
// 512-dimensional vectors.
type Embedder struct {
	binPath   string
	modelPath string
}

func NewEmbedder(binPath, modelPath string) *Embedder {
	return &Embedder{binPath: binPath, modelPath: modelPath}
}

// Embed runs the tool over the inputs in batches and returns vectors keyed by URI.
// Zero vectors mean the model produced nothing useful and are dropped.
func (e *Embedder) Embed(ctx context.Context, inputs []EmbedInput) (map[string][]float32, error) {
	vectors := make(map[string][]float32, len(inputs))

	for start := 0; start < len(inputs); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(inputs) {
			end = len(inputs)
		}

		batch, err := e.embedBatch(ctx, inputs[start:end])
		if err != nil {
			return nil, err
		}
		for uri, vec := range batch {
			vectors[uri] = vec
		}
	}

	return vectors, nil
}

func (e *Embedder) embedBatch(ctx context.Context, batch []EmbedInput) (map[string][]float32, error) {
	inputPath, err := writeJSON("embed-input-*.json", batch)
	if err != nil {
		return nil, err
	}
	defer os.Remove(inputPath)

	outputFile, err := os.CreateTemp("", "embed-output-*.json")
	if err != nil {
		return nil, err
	}
	outputPath := outputFile.Name()
	outputFile.Close()
	defer os.Remove(outputPath)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.binPath, inputPath, outputPath,
		"--model-path", e.modelPath, "--batch-size", strconv.Itoa(embedBatchSize))
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("embedder failed: %w: %s", err, stderr.String())
	}

	raw, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, err
	}
	var outputs []embedOutput
	if err := json.Unmarshal(raw, &outputs); err != nil {
		return nil, fmt.Errorf("embedder output unreadable: %w", err)
	}

	vectors := make(map[string][]float32, len(outputs))
	for _, out := range outputs {
		if len(out.Vector) != vectorSize || isZeroVector(out.Vector) {
			logger.For(ctx).Debugf("rejecting empty embedding for %s", out.URI)
			continue
		}
		vectors[out.URI] = out.Vector
	}
	return vectors, nil
}

func isZeroVector(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

func writeJSON(pattern string, v interface{}) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(v); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
