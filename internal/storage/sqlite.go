package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"traceai/internal/graph"
	"traceai/internal/ir"
	"traceai/internal/knowledge"
)

// SQLiteStore keeps nodes, edges, document hashes and embedding chunks
// in one database file. Embeddings are little-endian float32 BLOBs;
// similarity search decodes and scores in process, which holds up well
// into tens of thousands of chunks.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			kind TEXT,
			name TEXT,
			doc_id TEXT,
			props JSON
		);`,
		`CREATE TABLE IF NOT EXISTS edges (
			from_id TEXT,
			to_id TEXT,
			kind TEXT,
			props JSON,
			PRIMARY KEY (from_id, to_id, kind)
		);`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			content_hash TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS deferred (
			from_id TEXT,
			program TEXT,
			reason TEXT,
			PRIMARY KEY (from_id, program)
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			text TEXT,
			metadata JSON,
			embedding BLOB
		);`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_doc ON nodes(doc_id);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// SaveGraph replaces the stored graph with the dump atomically.
func (s *SQLiteStore) SaveGraph(ctx context.Context, dump *graph.Dump) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"nodes", "edges", "documents", "deferred"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?), ('created_at', ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		fmt.Sprintf("%d", dump.SchemaVersion), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	nodeStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO nodes (id, kind, name, doc_id, props) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer nodeStmt.Close()
	for _, n := range dump.Nodes {
		props, _ := json.Marshal(n.Props)
		if _, err := nodeStmt.ExecContext(ctx, n.ID, string(n.Kind), n.Name, n.DocID, props); err != nil {
			return err
		}
	}

	edgeStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO edges (from_id, to_id, kind, props) VALUES (?, ?, ?, ?)
		 ON CONFLICT(from_id, to_id, kind) DO NOTHING`)
	if err != nil {
		return err
	}
	defer edgeStmt.Close()
	for _, e := range dump.Edges {
		props, _ := json.Marshal(e.Props)
		if _, err := edgeStmt.ExecContext(ctx, e.From, e.To, string(e.Kind), props); err != nil {
			return err
		}
	}

	docStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO documents (id, content_hash) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer docStmt.Close()
	for id, hash := range dump.DocumentHashes {
		if _, err := docStmt.ExecContext(ctx, id, hash); err != nil {
			return err
		}
	}

	defStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO deferred (from_id, program, reason) VALUES (?, ?, ?)
		 ON CONFLICT(from_id, program) DO UPDATE SET reason=excluded.reason`)
	if err != nil {
		return err
	}
	defer defStmt.Close()
	for _, d := range dump.Deferred {
		if _, err := defStmt.ExecContext(ctx, d.FromID, d.Program, d.Reason); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadGraph reads the stored dump. An older schema_version loads fine;
// a newer one is rejected by the builder's Import.
func (s *SQLiteStore) LoadGraph(ctx context.Context) (*graph.Dump, error) {
	dump := &graph.Dump{
		SchemaVersion:  graph.DumpSchemaVersion,
		DocumentHashes: make(map[string]string),
	}

	var version string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		// Fresh database.
		return dump, nil
	case err != nil:
		return nil, err
	}
	fmt.Sscanf(version, "%d", &dump.SchemaVersion)

	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, name, doc_id, props FROM nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var n graph.Node
		var kind string
		var props []byte
		if err := rows.Scan(&n.ID, &kind, &n.Name, &n.DocID, &props); err != nil {
			return nil, err
		}
		n.Kind = graph.NodeKind(kind)
		if len(props) > 0 {
			_ = json.Unmarshal(props, &n.Props)
		}
		dump.Nodes = append(dump.Nodes, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	edgeRows, err := s.db.QueryContext(ctx, `SELECT from_id, to_id, kind, props FROM edges`)
	if err != nil {
		return nil, err
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var e graph.Edge
		var kind string
		var props []byte
		if err := edgeRows.Scan(&e.From, &e.To, &kind, &props); err != nil {
			return nil, err
		}
		e.Kind = ir.DependencyKind(kind)
		if len(props) > 0 {
			_ = json.Unmarshal(props, &e.Props)
		}
		dump.Edges = append(dump.Edges, &e)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, err
	}

	docRows, err := s.db.QueryContext(ctx, `SELECT id, content_hash FROM documents`)
	if err != nil {
		return nil, err
	}
	defer docRows.Close()
	for docRows.Next() {
		var id, hash string
		if err := docRows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		dump.DocumentHashes[id] = hash
	}
	if err := docRows.Err(); err != nil {
		return nil, err
	}

	defRows, err := s.db.QueryContext(ctx, `SELECT from_id, program, reason FROM deferred`)
	if err != nil {
		return nil, err
	}
	defer defRows.Close()
	for defRows.Next() {
		var d graph.UnresolvedRef
		if err := defRows.Scan(&d.FromID, &d.Program, &d.Reason); err != nil {
			return nil, err
		}
		dump.Deferred = append(dump.Deferred, d)
	}
	return dump, defRows.Err()
}

// --- knowledge.Index implementation ---

func (s *SQLiteStore) Upsert(ctx context.Context, items []knowledge.VectorItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, text, metadata, embedding) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET text=excluded.text, metadata=excluded.metadata, embedding=excluded.embedding`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, item := range items {
		metadata, err := json.Marshal(item.Metadata)
		if err != nil {
			continue
		}
		buf := new(bytes.Buffer)
		if err := binary.Write(buf, binary.LittleEndian, item.Embedding); err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, item.ID, item.Text, metadata, buf.Bytes()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM chunks WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Search(ctx context.Context, query []float32, k int, filter map[string]string) ([]knowledge.Match, error) {
	if k <= 0 {
		return []knowledge.Match{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, metadata, embedding FROM chunks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []knowledge.Match
	for rows.Next() {
		var id string
		var metadataJSON, blob []byte
		if err := rows.Scan(&id, &metadataJSON, &blob); err != nil {
			return nil, err
		}
		var metadata map[string]string
		if len(metadataJSON) > 0 {
			_ = json.Unmarshal(metadataJSON, &metadata)
		}
		if !metadataMatches(metadata, filter) {
			continue
		}
		embedding := make([]float32, len(blob)/4)
		if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &embedding); err != nil {
			continue
		}
		matches = append(matches, knowledge.Match{
			ID:       id,
			Score:    knowledge.CosineSimilarity(query, embedding),
			Metadata: metadata,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func metadataMatches(metadata, filter map[string]string) bool {
	for key, want := range filter {
		if metadata[key] != want {
			return false
		}
	}
	return true
}
