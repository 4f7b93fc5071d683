package ir

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/minio/highwayhash"
)

// Fixed key so fingerprints are stable across processes and restarts.
var hashKey = []byte("traceai.identity.v1.0123456789ab")

var whitespaceRe = regexp.MustCompile(`\s+`)

// Fingerprint hashes an ordered set of identity fields into a short
// stable hex digest.
func Fingerprint(fields ...string) string {
	h, err := highwayhash.New128(hashKey)
	if err != nil {
		// Key length is a compile-time constant; New128 cannot fail.
		panic(fmt.Sprintf("ir: highwayhash init: %v", err))
	}
	for i, f := range fields {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash hashes raw file bytes.
func ContentHash(data []byte) string {
	h, err := highwayhash.New128(hashKey)
	if err != nil {
		panic(fmt.Sprintf("ir: highwayhash init: %v", err))
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeName lowercases and collapses whitespace. Used for entity
// names, program names and lineage lookups.
func NormalizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	return whitespaceRe.ReplaceAllString(name, " ")
}

// NormalizeLocator canonicalizes a connection string, DSN or path so
// equal endpoints intern to one node: lowercase, collapsed whitespace,
// trailing separators stripped.
func NormalizeLocator(locator string) string {
	locator = NormalizeName(locator)
	locator = strings.ReplaceAll(locator, "\\", "/")
	return strings.TrimRight(locator, "/.")
}

// DocumentID derives the Document identity from the absolute source
// path and the content hash, so unchanged files re-ingest as no-ops and
// changed files produce a fresh document identity.
func DocumentID(absPath, contentHash string) string {
	return "doc:" + Fingerprint("document", absPath, contentHash)
}

// ComponentID scopes a component name to its owning document.
func ComponentID(documentID, localName string) string {
	return documentID + "/" + NormalizeName(localName)
}

// ParameterID scopes a parameter name to its owning document.
func ParameterID(documentID, name string) string {
	return documentID + "/param/" + NormalizeName(name)
}

// DataSourceID interns a source by (kind, normalized locator).
func DataSourceID(kind SourceKind, locator string) string {
	return "src:" + Fingerprint("source", string(kind), NormalizeLocator(locator))
}

// DataEntityID interns an entity by (normalized schema, normalized name).
// The schema is part of the fingerprint, so "dbo.Customer" and a bare
// "Customer" are distinct entities.
func DataEntityID(schema, name string) string {
	return "ent:" + Fingerprint("entity", NormalizeName(schema), NormalizeName(name))
}

// SplitQualifiedTable splits "schema.table" into its parts; a bare name
// yields an empty schema. Bracket and quote delimiters are stripped.
func SplitQualifiedTable(raw string) (schema, name string) {
	raw = strings.NewReplacer("[", "", "]", "", `"`, "", "`", "").Replace(strings.TrimSpace(raw))
	if i := strings.LastIndex(raw, "."); i > 0 {
		return raw[:i], raw[i+1:]
	}
	return "", raw
}
