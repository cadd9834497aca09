package keywords

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ExtractedKeyword is one (keyword, score) pair from the extractor.
type ExtractedKeyword struct {
	Keyword string
	Score   float64
}

// Extractor shells out to the external keyword extraction tool. The tool takes a
// liked corpus and a background corpus as text files (one document per line) and
// writes tab-separated keyword/score pairs to stdout.
type Extractor struct {
	binPath string
}

func NewExtractor(binPath string) *Extractor {
	return &Extractor{binPath: binPath}
}

// Extract runs the tool over the two corpora and parses its output. Keywords are
// lowercased and trimmed; malformed lines are skipped.
func (x *Extractor) Extract(ctx context.Context, likedTexts, backgroundTexts []string) ([]ExtractedKeyword, error) {
	likedPath, err := writeCorpus("liked-corpus-*.txt", likedTexts)
	if err != nil {
		return nil, err
	}
	defer os.Remove(likedPath)

	backgroundPath, err := writeCorpus("background-corpus-*.txt", backgroundTexts)
	if err != nil {
		return nil, err
	}
	defer os.Remove(backgroundPath)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, x.binPath, likedPath, backgroundPath)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("keyword extractor failed: %w: %s", err, stderr.String())
	}

	var out []ExtractedKeyword
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), "\t", 2)
		if len(parts) != 2 {
			continue
		}
		keyword := strings.ToLower(strings.TrimSpace(parts[0]))
		if keyword == "" {
			continue
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			continue
		}
		out = append(out, ExtractedKeyword{Keyword: keyword, Score: score})
	}
	return out, scanner.Err()
}

func writeCorpus(pattern string, texts []string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, text := range texts {
		// One document per line.
		w.WriteString(strings.ReplaceAll(text, "\n", " "))
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
