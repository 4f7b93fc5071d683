package parser

import (
	"fmt"
	"regexp"
	"strings"

	"traceai/internal/ir"
)

// TableRef is one table reference extracted from SQL text. Regex
// extraction is best-effort lineage: each reference carries a
// calibrated confidence instead of asserting completeness.
type TableRef struct {
	Schema     string
	Name       string
	Confidence float64
}

var sqlReadPatterns = []struct {
	re   *regexp.Regexp
	base float64
}{
	{regexp.MustCompile(`(?i)\bFROM\s+([A-Za-z_\[][\w\.\[\]]*)`), 0.80},
	{regexp.MustCompile(`(?i)\bJOIN\s+([A-Za-z_\[][\w\.\[\]]*)`), 0.75},
}

var sqlWritePatterns = []struct {
	re   *regexp.Regexp
	base float64
}{
	{regexp.MustCompile(`(?i)\bINSERT\s+INTO\s+([A-Za-z_\[][\w\.\[\]]*)`), 0.85},
	{regexp.MustCompile(`(?i)\bUPDATE\s+([A-Za-z_\[][\w\.\[\]]*)`), 0.85},
	{regexp.MustCompile(`(?i)\bMERGE\s+(?:INTO\s+)?([A-Za-z_\[][\w\.\[\]]*)`), 0.80},
	{regexp.MustCompile(`(?i)\bDELETE\s+FROM\s+([A-Za-z_\[][\w\.\[\]]*)`), 0.80},
	{regexp.MustCompile(`(?i)\bSELECT\b.*?\bINTO\s+([A-Za-z_\[][\w\.\[\]]*)`), 0.70},
}

var dynamicSQLRe = regexp.MustCompile(`(?i)\bEXEC(UTE)?\s*\(|sp_executesql`)

var deleteFromRe = regexp.MustCompile(`(?i)\bDELETE\s+FROM\b`)

// sqlKeywords excludes captures that are SQL keywords rather than table
// names. "DELETE FROM" re-matching FROM is handled by deleteFromRe.
var sqlKeywords = map[string]bool{
	"select": true, "where": true, "inner": true, "outer": true,
	"left": true, "right": true, "full": true, "cross": true,
	"values": true, "set": true, "on": true, "as": true, "dual": true,
}

// looksLikeSQL is a cheap gate before running the pattern battery.
func looksLikeSQL(text string) bool {
	upper := strings.ToUpper(text)
	for _, kw := range []string{"SELECT", "INSERT", "UPDATE", "DELETE", "MERGE", "FROM"} {
		if strings.Contains(upper, kw) {
			return true
		}
	}
	return false
}

// ScanSQL extracts read and write table references from SQL text.
// CTEs and dynamic SQL under-report; a dynamic-SQL marker lowers every
// confidence in the statement.
func ScanSQL(sql string) (reads, writes []TableRef) {
	if !looksLikeSQL(sql) {
		return nil, nil
	}
	penalty := 0.0
	if dynamicSQLRe.MatchString(sql) {
		penalty = 0.15
	}

	// DELETE FROM is a write; mask it so the FROM read pattern does not
	// reclassify the same table as a read.
	readText := deleteFromRe.ReplaceAllString(sql, "DELETE_FROM")

	collect := func(text string, patterns []struct {
		re   *regexp.Regexp
		base float64
	}) []TableRef {
		var out []TableRef
		seen := make(map[string]bool)
		for _, p := range patterns {
			for _, m := range p.re.FindAllStringSubmatch(text, -1) {
				schema, name := ir.SplitQualifiedTable(m[1])
				if name == "" || sqlKeywords[strings.ToLower(name)] {
					continue
				}
				key := strings.ToLower(schema + "." + name)
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, TableRef{
					Schema:     schema,
					Name:       name,
					Confidence: clampConfidence(p.base - penalty),
				})
			}
		}
		return out
	}

	return collect(readText, sqlReadPatterns), collect(sql, sqlWritePatterns)
}

func clampConfidence(v float64) float64 {
	if v < 0.1 {
		return 0.1
	}
	if v > 0.99 {
		return 0.99
	}
	return v
}

// sqlEntity converts a TableRef into an interned DataEntity with the
// confidence recorded on its properties.
func sqlEntity(ref TableRef) ir.DataEntity {
	return ir.DataEntity{
		ID:     ir.DataEntityID(ref.Schema, ref.Name),
		Name:   ref.Name,
		Kind:   ir.EntityTable,
		Schema: ref.Schema,
		Properties: map[string]string{
			"confidence": fmt.Sprintf("%.2f", ref.Confidence),
		},
	}
}
