// Package layout translates document (line, col) coordinates to screen
// coordinates and back, given metrics fed incrementally by the rendering
// layer. Editor reflow is asynchronous relative to cursor messages, so
// unknown metrics degrade to configured averages instead of erroring.
package layout

import (
	"encoding/binary"
	"hash/fnv"
)

// LineMetrics describes one laid-out line: its pixel height and the runes
// it holds, in display order.
type LineMetrics struct {
	Height float64
	Runes  []rune
}

// Point is a screen coordinate.
type Point struct {
	X float64
	Y float64
}

const (
	// DefaultAvgCharWidth is used for runes with no measured width.
	DefaultAvgCharWidth = 8.0
	// DefaultLineHeight is used for lines with no metrics.
	DefaultLineHeight = 16.0
	// DefaultCacheSize bounds the memoized translations.
	DefaultCacheSize = 4096
)

type cacheKey struct {
	line int
	col  int
	hash uint64
}

// Translator converts between document and screen coordinates.
// Translations are memoized in a bounded cache keyed by a hash of the
// metrics in effect, so metrics updates invalidate affected entries by
// changing their key.
type Translator struct {
	lines  map[int]LineMetrics
	widths map[rune]float64

	avgWidth   float64
	lineHeight float64

	fontRev uint64 // bumped on every font metrics update
	lineRev map[int]uint64

	cache     map[cacheKey]Point
	cacheSize int
}

// NewTranslator returns a translator with the given fallback estimates;
// non-positive values pick defaults.
func NewTranslator(avgWidth, lineHeight float64) *Translator {
	if avgWidth <= 0 {
		avgWidth = DefaultAvgCharWidth
	}
	if lineHeight <= 0 {
		lineHeight = DefaultLineHeight
	}
	return &Translator{
		lines:      make(map[int]LineMetrics),
		widths:     make(map[rune]float64),
		avgWidth:   avgWidth,
		lineHeight: lineHeight,
		lineRev:    make(map[int]uint64),
		cache:      make(map[cacheKey]Point),
		cacheSize:  DefaultCacheSize,
	}
}

// UpdateLineMetrics replaces the metrics for one line.
func (t *Translator) UpdateLineMetrics(line int, m LineMetrics) {
	t.lines[line] = m
	t.lineRev[line]++
}

// UpdateFontMetrics merges per-rune advance widths.
func (t *Translator) UpdateFontMetrics(widths map[rune]float64) {
	for r, w := range widths {
		t.widths[r] = w
	}
	t.fontRev++
}

// DocToScreen returns the screen position of the given document
// coordinate.
func (t *Translator) DocToScreen(line, col int) Point {
	key := cacheKey{line: line, col: col, hash: t.metricsHash(line)}
	if p, ok := t.cache[key]; ok {
		return p
	}

	p := Point{X: t.lineX(line, col), Y: t.lineY(line)}
	t.memoize(key, p)
	return p
}

// ScreenToDoc returns the document coordinate containing the given screen
// position.
func (t *Translator) ScreenToDoc(x, y float64) (line, col int) {
	var top float64
	for line = 0; ; line++ {
		h := t.lineHeightOf(line)
		if y < top+h {
			break
		}
		top += h
	}

	var left float64
	m, known := t.lines[line]
	for {
		w := t.charWidth(m, known, col)
		if x < left+w/2 {
			break
		}
		left += w
		col++
		if known && col >= len(m.Runes) {
			break
		}
	}
	return line, col
}

func (t *Translator) lineY(line int) float64 {
	var y float64
	for l := 0; l < line; l++ {
		y += t.lineHeightOf(l)
	}
	return y
}

func (t *Translator) lineX(line, col int) float64 {
	m, known := t.lines[line]
	var x float64
	for c := 0; c < col; c++ {
		x += t.charWidth(m, known, c)
	}
	return x
}

// charWidth returns the advance width of column c on the line, falling
// back to the average estimate when the rune or its width is unmeasured.
func (t *Translator) charWidth(m LineMetrics, known bool, c int) float64 {
	if !known || c >= len(m.Runes) {
		return t.avgWidth
	}
	if w, ok := t.widths[m.Runes[c]]; ok {
		return w
	}
	return t.avgWidth
}

func (t *Translator) lineHeightOf(line int) float64 {
	if m, ok := t.lines[line]; ok && m.Height > 0 {
		return m.Height
	}
	return t.lineHeight
}

// metricsHash folds the revisions of everything that can move the given
// line: its own metrics and the font table.
func (t *Translator) metricsHash(line int) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], t.fontRev)
	h.Write(buf[:])
	for l := 0; l <= line; l++ {
		binary.LittleEndian.PutUint64(buf[:], t.lineRev[l])
		h.Write(buf[:])
	}
	return h.Sum64()
}

func (t *Translator) memoize(key cacheKey, p Point) {
	if len(t.cache) >= t.cacheSize {
		// Stale keys dominate once metrics churn; dropping an arbitrary
		// entry keeps the cache bounded without tracking recency.
		for k := range t.cache {
			delete(t.cache, k)
			break
		}
	}
	t.cache[key] = p
}
