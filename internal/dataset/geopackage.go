package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	// registers the "sqlite" driver
	_ "modernc.org/sqlite"

	"github.com/schaermu/layersync/internal/feature"
)

const (
	// AuditTable records the commit each exported table was checked out from
	AuditTable = "geogig_audited_tables"

	contentsTable = "gpkg_contents"
	metaTable     = "layersync_meta"
	fidColumn     = "fid"
	geomColumn    = "geom"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Extension is the file extension of exported GeoPackages
const Extension = ".gpkg"

// WriteOptions control how a GeoPackage file is created
type WriteOptions struct {
	// CommitID is stored as the audit record; empty skips the audit table
	CommitID string
	// Heads are the branch heads recorded next to the audit commit
	Heads    map[string]string
	ReadOnly bool
}

// GeoPackage is a SQLite backed dataset holding one feature table
type GeoPackage struct {
	path  string
	layer string
	db    *sql.DB
}

// OpenGeoPackage opens the feature table layer of an existing GeoPackage file
func OpenGeoPackage(path, layer string) (*GeoPackage, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open geopackage: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	g := &GeoPackage{path: path, layer: layer, db: db}

	tables, err := listLayers(context.Background(), db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	found := false
	for _, t := range tables {
		if t == layer {
			found = true
		}
	}
	if !found {
		_ = db.Close()
		return nil, fmt.Errorf("layer %q not found in %s", layer, path)
	}
	return g, nil
}

// WriteGeoPackage materializes layer as a new GeoPackage file at path. The file
// is built next to the target and renamed over it, replacing any previous file.
func WriteGeoPackage(ctx context.Context, path string, layer *feature.Layer, opts WriteOptions) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath)

	db, err := openDB(tmpPath)
	if err != nil {
		return err
	}
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		if err := createSchema(ctx, tx); err != nil {
			return err
		}
		if err := writeLayer(ctx, tx, layer); err != nil {
			return err
		}
		if opts.CommitID != "" {
			if err := setAudit(ctx, tx, layer.Name, opts.CommitID); err != nil {
				return err
			}
		}
		if opts.Heads != nil {
			if err := setHeads(ctx, tx, layer.Name, opts.Heads); err != nil {
				return err
			}
		}
		if opts.ReadOnly {
			if _, err := tx.ExecContext(ctx, `INSERT INTO `+metaTable+` (key, value) VALUES ('read_only', '1')`); err != nil {
				return err
			}
		}
		return nil
	})
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write geopackage %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename geopackage: %w", err)
	}
	return nil
}

// Layers lists the feature tables of a GeoPackage file
func Layers(ctx context.Context, path string) ([]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return listLayers(ctx, db)
}

func (g *GeoPackage) Kind() Kind        { return KindGeoPackage }
func (g *GeoPackage) Path() string      { return g.path }
func (g *GeoPackage) LayerName() string { return g.layer }
func (g *GeoPackage) Close() error      { return g.db.Close() }

// Source returns the connection string path|layername=layer
func (g *GeoPackage) Source() string {
	return g.path + "|layername=" + g.layer
}

// ReadOnly reports whether the file was exported read only
func (g *GeoPackage) ReadOnly(ctx context.Context) (bool, error) {
	var v string
	err := g.db.QueryRowContext(ctx, `SELECT value FROM `+metaTable+` WHERE key = 'read_only'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read metadata: %w", err)
	}
	return v == "1", nil
}

func (g *GeoPackage) ReadFeatures(ctx context.Context) (*feature.Layer, error) {
	fields, err := tableFields(ctx, g.db, g.layer)
	if err != nil {
		return nil, err
	}

	cols := []string{quote(fidColumn), quote(geomColumn)}
	for _, f := range fields {
		cols = append(cols, quote(f.Name))
	}
	rows, err := g.db.QueryContext(ctx, `SELECT `+strings.Join(cols, ", ")+` FROM `+quote(g.layer))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", g.layer, err)
	}
	defer rows.Close()

	layer := feature.NewLayer(g.layer, fields)
	for rows.Next() {
		var id string
		var geom sql.NullString
		values := make([]any, len(fields))
		dest := []any{&id, &geom}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", g.layer, err)
		}
		f := &feature.Feature{ID: id, Geometry: geom.String, Attributes: make(map[string]any, len(fields))}
		for i, field := range fields {
			f.Attributes[field.Name] = fromColumn(field.Type, values[i])
		}
		layer.Put(f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", g.layer, err)
	}
	return layer, nil
}

func (g *GeoPackage) WriteFeatures(ctx context.Context, layer *feature.Layer, commitID string) error {
	if err := g.checkWritable(ctx); err != nil {
		return err
	}
	l := layer.Clone()
	l.Name = g.layer
	return withTx(ctx, g.db, func(tx *sql.Tx) error {
		if err := createSchema(ctx, tx); err != nil {
			return err
		}
		if err := writeLayer(ctx, tx, l); err != nil {
			return err
		}
		if commitID == "" {
			return nil
		}
		return setAudit(ctx, tx, g.layer, commitID)
	})
}

func (g *GeoPackage) ReadAuditCommit(ctx context.Context) (string, error) {
	var commit string
	err := g.db.QueryRowContext(ctx, `SELECT commit_id FROM `+AuditTable+` WHERE table_name = ?`, g.layer).Scan(&commit)
	if errors.Is(err, sql.ErrNoRows) || (err != nil && strings.Contains(err.Error(), "no such table")) {
		return "", fmt.Errorf("%w: %s", ErrNoAudit, g.Source())
	}
	if err != nil {
		return "", fmt.Errorf("failed to read audit record: %w", err)
	}
	return commit, nil
}

// ReadBranchHeads returns the recorded branch heads, or nil when the file has
// no record
func (g *GeoPackage) ReadBranchHeads(ctx context.Context) (map[string]string, error) {
	var raw string
	err := g.db.QueryRowContext(ctx, `SELECT value FROM `+metaTable+` WHERE key = ?`, headsKey(g.layer)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) || (err != nil && strings.Contains(err.Error(), "no such table")) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read branch heads: %w", err)
	}
	heads := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &heads); err != nil {
		return nil, fmt.Errorf("failed to decode branch heads of %s: %w", g.Source(), err)
	}
	return heads, nil
}

func (g *GeoPackage) WriteBranchHeads(ctx context.Context, heads map[string]string) error {
	if err := g.checkWritable(ctx); err != nil {
		return err
	}
	return withTx(ctx, g.db, func(tx *sql.Tx) error {
		if err := createSchema(ctx, tx); err != nil {
			return err
		}
		return setHeads(ctx, tx, g.layer, heads)
	})
}

func (g *GeoPackage) PutFeature(ctx context.Context, f *feature.Feature) error {
	if err := g.checkWritable(ctx); err != nil {
		return err
	}
	fields, err := tableFields(ctx, g.db, g.layer)
	if err != nil {
		return err
	}
	return withTx(ctx, g.db, func(tx *sql.Tx) error {
		return insertFeature(ctx, tx, g.layer, fields, f.Normalized(), true)
	})
}

func (g *GeoPackage) DeleteFeature(ctx context.Context, id string) error {
	if err := g.checkWritable(ctx); err != nil {
		return err
	}
	res, err := g.db.ExecContext(ctx, `DELETE FROM `+quote(g.layer)+` WHERE `+quote(fidColumn)+` = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete feature %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrFeatureNotFound, id)
	}
	return nil
}

func (g *GeoPackage) checkWritable(ctx context.Context) error {
	ro, err := g.ReadOnly(ctx)
	if err != nil {
		return err
	}
	if ro {
		return fmt.Errorf("%w: %s", ErrReadOnly, g.path)
	}
	return nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func createSchema(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + contentsTable + ` (table_name TEXT PRIMARY KEY, data_type TEXT NOT NULL, identifier TEXT)`,
		`CREATE TABLE IF NOT EXISTS ` + AuditTable + ` (table_name TEXT PRIMARY KEY, commit_id TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS ` + metaTable + ` (key TEXT PRIMARY KEY, value TEXT)`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// writeLayer recreates the feature table of layer and fills it
func writeLayer(ctx context.Context, tx *sql.Tx, layer *feature.Layer) error {
	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quote(layer.Name)); err != nil {
		return fmt.Errorf("failed to drop %s: %w", layer.Name, err)
	}
	cols := []string{quote(fidColumn) + " TEXT PRIMARY KEY", quote(geomColumn) + " TEXT"}
	for _, f := range layer.Fields {
		cols = append(cols, quote(f.Name)+" "+columnType(f.Type))
	}
	if _, err := tx.ExecContext(ctx, `CREATE TABLE `+quote(layer.Name)+` (`+strings.Join(cols, ", ")+`)`); err != nil {
		return fmt.Errorf("failed to create %s: %w", layer.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO `+contentsTable+` (table_name, data_type, identifier) VALUES (?, 'features', ?)`, layer.Name, layer.Name); err != nil {
		return fmt.Errorf("failed to register %s: %w", layer.Name, err)
	}
	for _, id := range layer.IDs() {
		if err := insertFeature(ctx, tx, layer.Name, layer.Fields, layer.Get(id), false); err != nil {
			return err
		}
	}
	return nil
}

func insertFeature(ctx context.Context, tx *sql.Tx, table string, fields []feature.Field, f *feature.Feature, replace bool) error {
	cols := []string{quote(fidColumn), quote(geomColumn)}
	args := []any{f.ID, nullString(f.Geometry)}
	for _, field := range fields {
		cols = append(cols, quote(field.Name))
		args = append(args, toColumn(f.Attributes[field.Name]))
	}
	verb := "INSERT"
	if replace {
		verb = "INSERT OR REPLACE"
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	q := verb + ` INTO ` + quote(table) + ` (` + strings.Join(cols, ", ") + `) VALUES (` + marks + `)`
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to write feature %s: %w", f.ID, err)
	}
	return nil
}

func setAudit(ctx context.Context, tx *sql.Tx, table, commitID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO `+AuditTable+` (table_name, commit_id) VALUES (?, ?)`, table, commitID)
	if err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

func headsKey(table string) string {
	return "branch_heads:" + table
}

func setHeads(ctx context.Context, tx *sql.Tx, table string, heads map[string]string) error {
	data, err := json.Marshal(heads)
	if err != nil {
		return fmt.Errorf("failed to encode branch heads: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO `+metaTable+` (key, value) VALUES (?, ?)`, headsKey(table), string(data))
	if err != nil {
		return fmt.Errorf("failed to write branch heads: %w", err)
	}
	return nil
}

func listLayers(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT table_name FROM `+contentsTable+` WHERE data_type = 'features'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list layers: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	sort.Strings(names)
	return names, rows.Err()
}

// tableFields derives the layer schema from the declared column types
func tableFields(ctx context.Context, db *sql.DB, table string) ([]feature.Field, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema of %s: %w", table, err)
	}
	defer rows.Close()
	var fields []feature.Field
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		if name == fidColumn || name == geomColumn {
			continue
		}
		fields = append(fields, feature.Field{Name: name, Type: fieldType(typ)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if fields == nil {
		var n int
		if err := db.QueryRowContext(ctx, `SELECT count(*) FROM pragma_table_info(?)`, table).Scan(&n); err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("table %s does not exist", table)
		}
	}
	return fields, nil
}

func columnType(t feature.FieldType) string {
	switch t {
	case feature.FieldNumber:
		return "REAL"
	case feature.FieldBoolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

func fieldType(decl string) feature.FieldType {
	switch strings.ToUpper(decl) {
	case "REAL", "DOUBLE", "FLOAT", "INTEGER", "INT", "MEDIUMINT", "SMALLINT", "TINYINT":
		return feature.FieldNumber
	case "BOOLEAN":
		return feature.FieldBoolean
	default:
		return feature.FieldString
	}
}

func toColumn(v any) any {
	switch t := feature.Normalize(v).(type) {
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	default:
		return t
	}
}

func fromColumn(t feature.FieldType, v any) any {
	if v == nil {
		return nil
	}
	if t == feature.FieldBoolean {
		switch b := v.(type) {
		case int64:
			return b != 0
		case bool:
			return b
		}
	}
	return feature.Normalize(v)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
