/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
#
# The Initial Developer of the Original Code is the Mozilla Foundation.
# Portions created by the Initial Developer are Copyright (C) 2013
# the Initial Developer. All Rights Reserved.
#
# Contributor(s):
#   Mike Trinkala (trink@mozilla.com)
#
# ***** END LICENSE BLOCK *****/

// Package cbuf implements the time-bucketed circular buffer datatype
// (spec.md §4.3): a fixed-size ring of rows x columns of float64 samples
// indexed by timestamp, with per-column headers, range aggregation, delta
// tracking, and the textual wire form used by the output/injection path.
//
// This package holds only the data structure and its math; the Lua
// userdata binding (metatable, argument checking) lives in sandbox/lua, so
// the buffer itself stays testable without an interpreter.
package cbuf

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Aggregation is the per-column aggregation method stored in a column's
// header and written into the textual output's column_info. Compute takes
// its function name as an argument and does not read it.
type Aggregation int

const (
	AggSum Aggregation = iota
	AggMin
	AggMax
	AggAvg
	AggNone
)

var aggregationNames = map[Aggregation]string{
	AggSum:  "sum",
	AggMin:  "min",
	AggMax:  "max",
	AggAvg:  "avg",
	AggNone: "none",
}

var aggregationsByName = map[string]Aggregation{
	"sum":  AggSum,
	"min":  AggMin,
	"max":  AggMax,
	"avg":  AggAvg,
	"none": AggNone,
}

func (a Aggregation) String() string {
	if s, ok := aggregationNames[a]; ok {
		return s
	}
	return "sum"
}

// ParseAggregation maps a script-supplied aggregation name to its enum.
func ParseAggregation(name string) (Aggregation, error) {
	a, ok := aggregationsByName[name]
	if !ok {
		return 0, fmt.Errorf("invalid aggregation method: %s", name)
	}
	return a, nil
}

// ColumnHeader is the per-column metadata (spec.md §3).
type ColumnHeader struct {
	Name        string
	Unit        string
	Aggregation Aggregation
}

const (
	maxNameLen    = 15
	maxUnitLen    = 7
	secondsInHour = 3600
)

var nameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_]`)
var unitSanitizer = regexp.MustCompile(`[^A-Za-z0-9/*]`)

func sanitizeName(s string) string {
	s = nameSanitizer.ReplaceAllString(s, "_")
	if len(s) > maxNameLen {
		s = s[:maxNameLen]
	}
	return s
}

func sanitizeUnit(s string) string {
	s = unitSanitizer.ReplaceAllString(s, "_")
	if len(s) > maxUnitLen {
		s = s[:maxUnitLen]
	}
	return s
}

// Buffer is the circular buffer value. Zero value is not usable; build one
// with New or FromString into an already-New'd Buffer.
type Buffer struct {
	rows          int
	columns       int
	secondsPerRow int
	currentTime   int64 // seconds, aligned to a multiple of secondsPerRow
	currentRow    int
	headers       []ColumnHeader
	values        []float64 // rows*columns, row-major
	deltaMode     bool
	deltas        map[int64][]float64 // bucket (seconds) -> per-column accumulated delta
	format        string              // "cbuf" or "cbufd"
}

// New allocates a circular buffer the way circular_buffer.new(rows,
// columns, seconds_per_row, delta?) does: rows R>1, columns C>0,
// seconds_per_row S in (0, 3600], current time T := S*(R-1), current row
// r := R-1, matrix zeroed, headers defaulted to Column_<i>/count/sum.
func New(rows, columns, secondsPerRow int, delta bool) (*Buffer, error) {
	if rows <= 1 {
		return nil, fmt.Errorf("rows must be > 1")
	}
	if columns <= 0 {
		return nil, fmt.Errorf("columns must be > 0")
	}
	if secondsPerRow <= 0 || secondsPerRow > secondsInHour {
		return nil, fmt.Errorf("seconds_per_row is out of range")
	}
	b := &Buffer{
		rows:          rows,
		columns:       columns,
		secondsPerRow: secondsPerRow,
		currentTime:   int64(secondsPerRow) * int64(rows-1),
		currentRow:    rows - 1,
		headers:       make([]ColumnHeader, columns),
		values:        make([]float64, rows*columns),
		deltaMode:     delta,
		format:        "cbuf",
	}
	if delta {
		b.deltas = make(map[int64][]float64)
	}
	for i := range b.headers {
		b.headers[i] = ColumnHeader{Name: fmt.Sprintf("Column_%d", i+1), Unit: "count", Aggregation: AggSum}
	}
	return b, nil
}

func (b *Buffer) Rows() int             { return b.rows }
func (b *Buffer) Columns() int          { return b.columns }
func (b *Buffer) SecondsPerRow() int    { return b.secondsPerRow }
func (b *Buffer) CurrentTime() int64    { return b.currentTime }
func (b *Buffer) CurrentRow() int       { return b.currentRow }
func (b *Buffer) DeltaMode() bool       { return b.deltaMode }
func (b *Buffer) Header(col int) ColumnHeader { return b.headers[col] }

// WindowStart is the oldest timestamp (seconds) the window currently
// covers: T - S*(R-1).
func (b *Buffer) WindowStart() int64 {
	return b.currentTime - int64(b.secondsPerRow)*int64(b.rows-1)
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

// bucket quantizes a nanosecond timestamp down to a multiple of
// secondsPerRow, per spec.md §3: b = (ns/1e9) - ((ns/1e9) mod S).
func (b *Buffer) bucket(ns int64) int64 {
	secs := ns / 1e9
	s := int64(b.secondsPerRow)
	m := secs % s
	if m < 0 {
		m += s
	}
	return secs - m
}

// resolveRow computes the ring-buffer row for bucket bkt. If advance is
// true and bkt is ahead of the current window, the buffer is advanced,
// zeroing every row swept over (including wrap-around). Returns (-1,
// false) if the bucket falls entirely outside the window.
func (b *Buffer) resolveRow(bkt int64, advance bool) (int, bool) {
	s := int64(b.secondsPerRow)
	currentIdx := b.currentTime / s
	requestedIdx := bkt / s
	delta := requestedIdx - currentIdx

	if delta > 0 {
		if !advance {
			// A read of a bucket beyond the current window without
			// advancing still misses: nothing has ever been written there.
			return -1, false
		}
		b.advance(int(delta))
		currentIdx = b.currentTime / s
		delta = requestedIdx - currentIdx
	}

	if -delta >= int64(b.rows) {
		return -1, false
	}
	row := mod(b.currentRow+int(delta), b.rows)
	return row, true
}

// advance sweeps the window forward by numRows rows, zeroing each row it
// passes over (wrapping around the ring), and updates currentTime/currentRow.
func (b *Buffer) advance(numRows int) {
	if numRows <= 0 {
		return
	}
	if numRows >= b.rows {
		for i := range b.values {
			b.values[i] = 0
		}
	} else {
		row := b.currentRow
		for i := 0; i < numRows; i++ {
			row++
			if row >= b.rows {
				row = 0
			}
			base := row * b.columns
			for c := 0; c < b.columns; c++ {
				b.values[base+c] = 0
			}
		}
	}
	b.currentTime += int64(b.secondsPerRow) * int64(numRows)
	b.currentRow = mod(b.currentRow+numRows, b.rows)
}

func (b *Buffer) checkColumn(col int) error {
	return b.CheckColumn(col)
}

// CheckColumn validates a zero-based column index. Add, Set, Get and
// Compute report an out-of-range column the same way as an out-of-window
// timestamp (ok is false, which the Lua binding returns as nil); SetHeader
// returns the error, which the binding raises as a script error.
func (b *Buffer) CheckColumn(col int) error {
	if col < 0 || col >= b.columns {
		return fmt.Errorf("column out of range")
	}
	return nil
}

func (b *Buffer) recordDelta(bkt int64, col int, delta float64) {
	if !b.deltaMode || delta == 0 {
		return
	}
	row, ok := b.deltas[bkt]
	if !ok {
		row = make([]float64, b.columns)
		b.deltas[bkt] = row
	}
	row[col] += delta
}

// Add increments the cell at (ns, col) by v and returns the new value, or
// (0, false) if the timestamp falls outside the window.
func (b *Buffer) Add(ns int64, col int, v float64) (float64, bool) {
	if err := b.checkColumn(col); err != nil {
		return 0, false
	}
	bkt := b.bucket(ns)
	row, ok := b.resolveRow(bkt, true)
	if !ok {
		return 0, false
	}
	i := row*b.columns + col
	b.values[i] += v
	b.recordDelta(bkt, col, v)
	return b.values[i], true
}

// Set overwrites the cell at (ns, col) with v and returns v, or (0, false)
// if the timestamp falls outside the window.
func (b *Buffer) Set(ns int64, col int, v float64) (float64, bool) {
	if err := b.checkColumn(col); err != nil {
		return 0, false
	}
	bkt := b.bucket(ns)
	row, ok := b.resolveRow(bkt, true)
	if !ok {
		return 0, false
	}
	i := row*b.columns + col
	old := b.values[i]
	b.values[i] = v
	b.recordDelta(bkt, col, v-old)
	return v, true
}

// Get reads the cell at (ns, col) without advancing the window.
func (b *Buffer) Get(ns int64, col int) (float64, bool) {
	if err := b.checkColumn(col); err != nil {
		return 0, false
	}
	bkt := b.bucket(ns)
	row, ok := b.resolveRow(bkt, false)
	if !ok {
		return 0, false
	}
	return b.values[row*b.columns+col], true
}

// SetHeader sanitizes and stores a column's name/unit/aggregation.
func (b *Buffer) SetHeader(col int, name, unit, aggregation string) error {
	if err := b.checkColumn(col); err != nil {
		return err
	}
	agg, err := ParseAggregation(aggregation)
	if err != nil {
		return err
	}
	b.headers[col] = ColumnHeader{
		Name: sanitizeName(name),
		Unit: sanitizeUnit(unit),
		Aggregation: agg,
	}
	return nil
}

// Format selects the textual output form: "cbuf" (full matrix) or "cbufd"
// (accumulated deltas only).
func (b *Buffer) Format(fmtName string) error {
	if fmtName != "cbuf" && fmtName != "cbufd" {
		return fmt.Errorf("invalid format: %s", fmtName)
	}
	b.format = fmtName
	return nil
}

func (b *Buffer) CurrentFormat() string { return b.format }

// physicalRows returns the window's cells in oldest-to-newest physical
// order, regardless of where the ring cursor currently sits.
func (b *Buffer) physicalRows() [][]float64 {
	out := make([][]float64, b.rows)
	row := mod(b.currentRow+1, b.rows)
	for i := 0; i < b.rows; i++ {
		base := row * b.columns
		out[i] = b.values[base : base+b.columns]
		row++
		if row >= b.rows {
			row = 0
		}
	}
	return out
}

// Compute applies fn in {sum, avg, sd, min, max} to column col over
// [startNs, endNs] (or the whole window if nil), iterating rows in ring
// order. Returns (0, false) if either endpoint falls outside the window.
func (b *Buffer) Compute(fn string, col int, startNs, endNs *int64) (float64, bool) {
	if err := b.checkColumn(col); err != nil {
		return 0, false
	}
	startRow, endRow := 0, b.rows-1
	if startNs != nil {
		r, ok := b.resolveRow(b.bucket(*startNs), false)
		if !ok {
			return 0, false
		}
		startRow = mod(r-b.currentRow-1, b.rows)
	}
	if endNs != nil {
		r, ok := b.resolveRow(b.bucket(*endNs), false)
		if !ok {
			return 0, false
		}
		endRow = mod(r-b.currentRow-1, b.rows)
	}
	if startRow > endRow {
		return 0, false
	}

	rows := b.physicalRows()
	var sum, minV, maxV float64
	minV = math.Inf(1)
	maxV = math.Inf(-1)
	count := 0
	for i := startRow; i <= endRow; i++ {
		v := rows[i][col]
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
		count++
	}
	if count == 0 {
		return 0, false
	}
	switch fn {
	case "sum":
		return sum, true
	case "avg":
		return sum / float64(count), true
	case "min":
		return minV, true
	case "max":
		return maxV, true
	case "sd":
		avg := sum / float64(count)
		var variance float64
		for i := startRow; i <= endRow; i++ {
			d := rows[i][col] - avg
			variance += d * d
		}
		variance /= float64(count)
		return newtonSqrt(variance), true
	default:
		return 0, false
	}
}

// newtonSqrt computes a square root via Newton's method, matching the
// original sandbox's avoidance of libm sqrt for this computation.
func newtonSqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 40; i++ {
		next := z - (z*z-x)/(2*z)
		if math.Abs(next-z) < 1e-12*z {
			return next
		}
		z = next
	}
	return z
}

// String renders the buffer in its currently selected format: "cbuf"
// emits the full R x C matrix; "cbufd" emits only the accumulated delta
// rows and then clears the delta side-table.
func (b *Buffer) String() string {
	if b.format == "cbufd" {
		return b.stringDelta()
	}
	return b.stringFull()
}

func (b *Buffer) header() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `{"time":%d,"rows":%d,"columns":%d,"seconds_per_row":%d,"column_info":[`,
		b.WindowStart(), b.rows, b.columns, b.secondsPerRow)
	for i, h := range b.headers {
		if i != 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, `{"name":"%s","unit":"%s","aggregation":"%s"}`, h.Name, h.Unit, h.Aggregation)
	}
	sb.WriteString("]}\n")
	return sb.String()
}

func (b *Buffer) stringFull() string {
	var sb strings.Builder
	sb.WriteString(b.header())
	for _, row := range b.physicalRows() {
		for i, v := range row {
			if i != 0 {
				sb.WriteByte('\t')
			}
			sb.WriteString(strconv.FormatFloat(v, 'g', 9, 64))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (b *Buffer) stringDelta() string {
	var sb strings.Builder
	sb.WriteString(b.header())
	keys := make([]int64, 0, len(b.deltas))
	for k := range b.deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		row := b.deltas[k]
		fmt.Fprintf(&sb, "%d", k)
		for _, v := range row {
			sb.WriteByte('\t')
			sb.WriteString(strconv.FormatFloat(v, 'g', 9, 64))
		}
		sb.WriteByte('\n')
	}
	b.deltas = make(map[int64][]float64)
	return sb.String()
}

// FromString restores the buffer's mutable state from the payload produced
// alongside serialization-into-script form: "T r v0 v1 ... vN deltas...".
// It consumes exactly rows*columns values for the matrix, then, if delta
// mode is on, decodes trailing groups of (1 + columns) values as pending
// delta rows until the input is exhausted.
func (b *Buffer) FromString(text string) error {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return fmt.Errorf("fromstring() invalid time/row")
	}
	t, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return fmt.Errorf("fromstring() invalid time/row")
	}
	row, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("fromstring() invalid time/row")
	}
	b.currentTime = t
	b.currentRow = row

	need := b.rows * b.columns
	rest := fields[2:]
	if len(rest) < need {
		return fmt.Errorf("fromstring() too few values")
	}
	for i := 0; i < need; i++ {
		v, err := strconv.ParseFloat(rest[i], 64)
		if err != nil {
			return fmt.Errorf("fromstring() invalid value")
		}
		b.values[i] = v
	}
	rest = rest[need:]

	if !b.deltaMode || len(rest) == 0 {
		return nil
	}
	if b.deltas == nil {
		b.deltas = make(map[int64][]float64)
	}
	group := 1 + b.columns
	for len(rest) >= group {
		ts, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return fmt.Errorf("fromstring() invalid delta timestamp")
		}
		vals := make([]float64, b.columns)
		for c := 0; c < b.columns; c++ {
			v, err := strconv.ParseFloat(rest[1+c], 64)
			if err != nil {
				return fmt.Errorf("fromstring() invalid delta value")
			}
			vals[c] = v
		}
		b.deltas[ts] = vals
		rest = rest[group:]
	}
	if len(rest) != 0 {
		return fmt.Errorf("fromstring() too many values")
	}
	return nil
}

// Serialize emits the self-executing restoration fragment from spec.md
// §4.3: a guarded new, per-column set_header, and a fromstring payload
// containing the matrix plus any pending deltas.
func (b *Buffer) Serialize(key string) string {
	var sb strings.Builder
	deltaArg := ""
	if b.deltaMode {
		deltaArg = ", true"
	}
	fmt.Fprintf(&sb, "if %s == nil then %s = circular_buffer.new(%d, %d, %d%s) end\n",
		key, key, b.rows, b.columns, b.secondsPerRow, deltaArg)
	for i, h := range b.headers {
		fmt.Fprintf(&sb, "%s:set_header(%d, \"%s\", \"%s\", \"%s\")\n", key, i+1, h.Name, h.Unit, h.Aggregation)
	}
	fmt.Fprintf(&sb, "%s:fromstring(\"%d %d", key, b.currentTime, b.currentRow)
	for _, v := range b.values {
		fmt.Fprintf(&sb, " %s", strconv.FormatFloat(v, 'g', -1, 64))
	}
	if b.deltaMode {
		keys := make([]int64, 0, len(b.deltas))
		for k := range b.deltas {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, k := range keys {
			fmt.Fprintf(&sb, " %d", k)
			for _, v := range b.deltas[k] {
				fmt.Fprintf(&sb, " %s", strconv.FormatFloat(v, 'g', -1, 64))
			}
		}
	}
	sb.WriteString("\")\n")
	return sb.String()
}
