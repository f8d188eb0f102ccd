// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"
)

// Page geometry in points (US Letter).
const (
	pageHeight   = 792.0
	margin       = 72.0
	titleSize    = 18.0
	bodySize     = 10.0
	leading      = 12.0
	titleSpacing = 30.0
)

// Field is a labelled value on the report.
type Field struct {
	Label string
	Value string
}

// Document is the content of one report page.
type Document struct {
	Title  string
	Fields []Field
	Body   string
}

// Lines lays out the document body: each field wrapped to width with a
// "Label: " prefix and 4-space continuation, then the body text.
func (d Document) Lines(width int) []string {
	var lines []string
	for _, f := range d.Fields {
		for i, seg := range wrap(toLatin1(f.Value), width) {
			if i == 0 {
				lines = append(lines, f.Label+": "+seg)
			} else {
				lines = append(lines, "    "+seg)
			}
		}
	}
	if d.Body != "" {
		lines = append(lines, "", "Body:")
		lines = append(lines, wrap(toLatin1(d.Body), width)...)
	}
	return lines
}

// Render produces a single-page PDF. Lines that do not fit on the page are
// dropped.
func Render(d Document, width int) ([]byte, error) {
	title := d.Title
	if strings.TrimSpace(title) == "" {
		title = "Email Analysis"
	}

	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetTitle(title, true)
	pdf.SetCreator("mailpipe", false)
	pdf.SetAutoPageBreak(false, margin)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "", titleSize)
	pdf.Text(margin, margin, toLatin1(title))

	pdf.SetFont("Helvetica", "", bodySize)
	y := margin + titleSpacing
	for _, line := range d.Lines(width) {
		if y > pageHeight-margin {
			break
		}
		pdf.Text(margin, y, line)
		y += leading
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// wrap splits s on whitespace into lines of at most width bytes. A word
// longer than width gets a line of its own. The result has at least one
// line.
func wrap(s string, width int) []string {
	if width <= 0 {
		width = 100
	}
	var out []string
	var cur strings.Builder
	for _, word := range strings.Fields(s) {
		if cur.Len() > 0 && cur.Len()+len(word)+1 > width {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	if len(out) == 0 {
		return []string{""}
	}
	return out
}

var latin1Substitutes = map[rune]string{
	'\u2018': "'", '\u2019': "'", '\u201a': "'", '\u201b': "'",
	'\u201c': `"`, '\u201d': `"`, '\u201e': `"`, '\u201f': `"`,
	'\u2013': "-", '\u2014': "-", '\u2015': "-", '\u2212': "-",
	'\u2026': "...", '\u2022': "*", '\u00a0': " ", '\u2009': " ",
	'\u202f': " ", '\u200b': "", '\u20ac': "EUR",
}

// toLatin1 reduces s to ISO-8859-1, one byte per character, which the
// core Helvetica font can show. Unmappable runes become '?'.
func toLatin1(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if sub, ok := latin1Substitutes[r]; ok {
			b.WriteString(sub)
			continue
		}
		if r < 0x100 {
			b.WriteByte(byte(r))
			continue
		}
		b.WriteByte('?')
	}
	return b.String()
}
