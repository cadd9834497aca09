package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
)

// Interaction weights for profile clustering. Stronger signals pull their
// cluster's centroid harder.
const (
	weightLike        = 1.0
	weightRepost      = 1.5
	weightRequestMore = 2.0
)

// ClusterInput is one weighted vector handed to the clusterer.
type ClusterInput struct {
	Vector          []float32 `json:"vector"`
	Weight          float64   `json:"weight,omitempty"`
	InteractionType string    `json:"interactionType,omitempty"`
}

// Centroid is one area of interest in a user's profile.
type Centroid struct {
	ClusterID int       `json:"clusterId"`
	Centroid  []float32 `json:"centroid"`
	Weight    float64   `json:"weight"`
	PostCount int       `json:"postCount"`
}

// Clusterer shells out to the external density-clustering tool. A typical user
// yields one to five centroids; tiny inputs collapse to a single weighted average.
type Clusterer struct {
	binPath string
}

func NewClusterer(binPath string) *Clusterer {
	return &Clusterer{binPath: binPath}
}

// Cluster runs the tool and parses its centroids.
func (c *Clusterer) Cluster(ctx context.Context, inputs []ClusterInput) ([]Centroid, error) {
	inputPath, err := writeJSON("cluster-input-*.json", inputs)
	if err != nil {
		return nil, err
	}
	defer os.Remove(inputPath)

	outputFile, err := os.CreateTemp("", "cluster-output-*.json")
	if err != nil {
		return nil, err
	}
	outputPath := outputFile.Name()
	outputFile.Close()
	defer os.Remove(outputPath)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.binPath, inputPath, outputPath)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("clusterer failed: %w: %s", err, stderr.String())
	}

	raw, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, err
	}
	var centroids []Centroid
	if err := json.Unmarshal(raw, &centroids); err != nil {
		return nil, fmt.Errorf("clusterer output unreadable: %w", err)
	}
	return centroids, nil
}
