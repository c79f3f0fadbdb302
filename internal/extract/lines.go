package extract

import (
	"sort"
	"strings"
)

// reconstructedLine is a text line rebuilt from word geometry, with the mean
// confidence of its words.
type reconstructedLine struct {
	text       string
	confidence float64
}

// topLines rebuilds the lines in the top region of the page from word
// geometry. Words whose vertical positions fall within the cluster tolerance
// of each other are grouped onto one line, ordered top-to-bottom then
// left-to-right.
func (e *Engine) topLines(words []Word) []reconstructedLine {
	if len(words) == 0 {
		return nil
	}

	var pageHeight float64
	for _, w := range words {
		if bottom := w.Top + w.Height; bottom > pageHeight {
			pageHeight = bottom
		}
	}
	if pageHeight <= 0 {
		return nil
	}

	limit := pageHeight * e.cfg.TopRegionFraction
	top := make([]Word, 0, len(words))
	for _, w := range words {
		if w.Top <= limit && strings.TrimSpace(w.Text) != "" {
			top = append(top, w)
		}
	}
	if len(top) == 0 {
		return nil
	}

	sort.SliceStable(top, func(i, j int) bool { return top[i].Top < top[j].Top })

	var lines []reconstructedLine
	cluster := []Word{top[0]}
	anchor := top[0].Top
	for _, w := range top[1:] {
		if w.Top-anchor <= e.cfg.LineClusterTolerance {
			cluster = append(cluster, w)
			continue
		}
		lines = append(lines, joinCluster(cluster))
		cluster = []Word{w}
		anchor = w.Top
	}
	lines = append(lines, joinCluster(cluster))
	return lines
}

func joinCluster(cluster []Word) reconstructedLine {
	sort.SliceStable(cluster, func(i, j int) bool { return cluster[i].Left < cluster[j].Left })
	parts := make([]string, 0, len(cluster))
	var sum float64
	for _, w := range cluster {
		parts = append(parts, strings.TrimSpace(w.Text))
		sum += w.Confidence
	}
	return reconstructedLine{
		text:       strings.Join(parts, " "),
		confidence: sum / float64(len(cluster)),
	}
}
