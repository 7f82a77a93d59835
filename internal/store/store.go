// Package store persists the aggregated Redfish resource tree in sqlite,
// along with the users and sessions used by the optional auth layer.
//
// Resources are stored one row per path with the raw JSON body. Tree
// mutations (write, replace, patch, remove) are serialized by a single
// writer lock and committed in one transaction, so readers never observe a
// half-applied collection update.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"sunfish/pkg/redfish"

	_ "modernc.org/sqlite"
)

// Store wraps the database connection and provides access to the resource
// tree.
type Store struct {
	conn *sql.DB
	root string

	// mu serializes all tree mutations.
	mu sync.Mutex
}

// New opens (or creates) the database at dbPath. root is the service root
// path of the aggregated tree, normally "/redfish/v1".
func New(dbPath, root string) (*Store, error) {
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{conn: conn, root: redfish.NormalizePath(root)}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Root returns the service root path.
func (s *Store) Root() string {
	return s.root
}

// Migrate creates the schema and seeds the service root tree.
func (s *Store) Migrate(ctx context.Context) error {
	slog.Info("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS resources (
			path TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS resource_writes (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL,
			op TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT DEFAULT 'user',
			enabled BOOLEAN DEFAULT true,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			token TEXT NOT NULL UNIQUE,
			expires_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_token ON sessions(token)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, migration := range migrations {
		if _, err := tx.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return s.seed(ctx)
}

// seed inserts the fixed service tree that every Sunfish instance exposes,
// skipping objects that already exist.
func (s *Store) seed(ctx context.Context) error {
	root := s.root
	seeds := []redfish.Resource{
		{
			"@odata.id":      root,
			"@odata.type":    "#ServiceRoot.v1_9_0.ServiceRoot",
			"Id":             "RootService",
			"Name":           "Sunfish Service Root",
			"RedfishVersion": "1.9.0",
			"EventService":       map[string]any{"@odata.id": root + "/EventService"},
			"AggregationService": map[string]any{"@odata.id": root + "/AggregationService"},
			"SessionService":     map[string]any{"@odata.id": root + "/SessionService"},
			"Links":              map[string]any{},
		},
		{
			"@odata.id":   root + "/EventService",
			"@odata.type": "#EventService.v1_7_0.EventService",
			"Id":          "EventService",
			"Name":        "Event Service",
			"ServiceEnabled": true,
			"Subscriptions":  map[string]any{"@odata.id": root + "/EventService/Subscriptions"},
		},
		{
			"@odata.id":           root + "/EventService/Subscriptions",
			"@odata.type":         "#EventDestinationCollection.EventDestinationCollection",
			"Name":                "Event Subscriptions Collection",
			"Members":             []any{},
			"Members@odata.count": 0,
		},
		{
			"@odata.id":   root + "/AggregationService",
			"@odata.type": "#AggregationService.v1_0_1.AggregationService",
			"Id":          "AggregationService",
			"Name":        "Aggregation Service",
			"ServiceEnabled":     true,
			"AggregationSources": map[string]any{"@odata.id": root + "/AggregationService/AggregationSources"},
			"ConnectionMethods":  map[string]any{"@odata.id": root + "/AggregationService/ConnectionMethods"},
		},
		{
			"@odata.id":           root + "/AggregationService/AggregationSources",
			"@odata.type":         "#AggregationSourceCollection.AggregationSourceCollection",
			"Name":                "Aggregation Source Collection",
			"Members":             []any{},
			"Members@odata.count": 0,
		},
		{
			"@odata.id":           root + "/AggregationService/ConnectionMethods",
			"@odata.type":         "#ConnectionMethodCollection.ConnectionMethodCollection",
			"Name":                "Connection Method Collection",
			"Members":             []any{},
			"Members@odata.count": 0,
		},
		{
			"@odata.id":   root + "/SessionService",
			"@odata.type": "#SessionService.v1_1_8.SessionService",
			"Id":          "SessionService",
			"Name":        "Session Service",
			"Sessions":    map[string]any{"@odata.id": root + "/SessionService/Sessions"},
		},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, obj := range seeds {
		path := obj.ODataID()
		exists, err := existsTx(ctx, tx, path)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := putTx(ctx, tx, path, obj, "seed"); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Read returns the resource stored at path.
func (s *Store) Read(ctx context.Context, path string) (redfish.Resource, error) {
	path = redfish.NormalizePath(path)

	var body string
	err := s.conn.QueryRowContext(ctx, `SELECT body FROM resources WHERE path = ?`, path).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, &redfish.ResourceNotFoundError{Path: path}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read resource: %w", err)
	}

	var obj redfish.Resource
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return nil, fmt.Errorf("failed to decode resource %s: %w", path, err)
	}
	return obj, nil
}

// Exists reports whether a resource is stored at path.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	var one int
	err := s.conn.QueryRowContext(ctx, `SELECT 1 FROM resources WHERE path = ?`, redfish.NormalizePath(path)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check resource: %w", err)
	}
	return true, nil
}

// Write inserts a new resource at its @odata.id, maintaining the parent
// collection: the collection is created lazily if absent, the new member is
// appended, and Members@odata.count is updated. All ancestors above the
// parent collection must already exist.
func (s *Store) Write(ctx context.Context, obj redfish.Resource) (redfish.Resource, error) {
	path := redfish.NormalizePath(obj.ODataID())
	if path == "" {
		return nil, &redfish.InvalidPathError{Path: path}
	}
	segs, ok := redfish.RelativeSegments(s.root, path)
	if !ok {
		return nil, &redfish.InvalidPathError{Path: path}
	}
	if len(segs) == 0 {
		return nil, &redfish.ActionNotAllowedError{Reason: "cannot write the service root"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := existsTx(ctx, tx, path)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &redfish.AlreadyExistsError{Path: path}
	}

	// Every ancestor above the parent collection must exist already. The
	// parent collection itself may be created lazily below.
	for i := 1; i < len(segs)-1; i++ {
		anc := s.root + "/" + strings.Join(segs[:i], "/")
		ok, err := existsTx(ctx, tx, anc)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &redfish.ActionNotAllowedError{Reason: "ancestor " + anc + " does not exist"}
		}
	}

	if len(segs) >= 2 {
		if err := s.attachToParentTx(ctx, tx, path, obj); err != nil {
			return nil, err
		}
	}

	if err := putTx(ctx, tx, path, obj, "create"); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return obj, nil
}

// attachToParentTx appends path to its parent collection, creating the
// collection (and its link in the grandparent) when missing.
func (s *Store) attachToParentTx(ctx context.Context, tx *sql.Tx, path string, obj redfish.Resource) error {
	parentPath := redfish.ParentPath(path)
	parent, found, err := getTx(ctx, tx, parentPath)
	if err != nil {
		return err
	}

	if !found {
		parent = newCollection(parentPath, obj)
		grandPath := redfish.ParentPath(parentPath)
		grand, gfound, err := getTx(ctx, tx, grandPath)
		if err != nil {
			return err
		}
		if gfound {
			name := redfish.LastSegment(parentPath)
			if _, ok := grand[name]; !ok {
				grand[name] = map[string]any{"@odata.id": parentPath}
				if err := putTx(ctx, tx, grandPath, grand, "update"); err != nil {
					return err
				}
			}
		}
	}

	if !parent.IsCollection() {
		// Singleton child of an entity (e.g. a service under the root):
		// nothing to maintain on the parent.
		return nil
	}

	members, _ := parent["Members"].([]any)
	for _, m := range members {
		ref, _ := m.(map[string]any)
		if ref != nil && ref["@odata.id"] == path {
			return &redfish.AlreadyExistsError{Path: path}
		}
	}
	parent["Members"] = append(members, map[string]any{"@odata.id": path})
	parent["Members@odata.count"] = len(members) + 1
	return putTx(ctx, tx, parentPath, parent, "update")
}

// newCollection synthesizes an empty collection for the given path, naming
// its schema after the member's type when known.
func newCollection(path string, member redfish.Resource) redfish.Resource {
	name := redfish.LastSegment(path)
	collType := name
	if token := member.TypeToken(); token != "" && !strings.Contains(token, "Collection") {
		collType = token + "Collection"
	}
	return redfish.Resource{
		"@odata.id":           path,
		"@odata.type":         "#" + collType + "." + collType,
		"Name":                name + " Collection",
		"Members":             []any{},
		"Members@odata.count": 0,
	}
}

// Replace overwrites the resource at the payload's @odata.id.
func (s *Store) Replace(ctx context.Context, obj redfish.Resource) (redfish.Resource, error) {
	path := redfish.NormalizePath(obj.ODataID())
	if path == "" {
		return nil, &redfish.InvalidPathError{Path: path}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := existsTx(ctx, tx, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &redfish.ResourceNotFoundError{Path: path}
	}

	if err := putTx(ctx, tx, path, obj, "replace"); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return obj, nil
}

// Patch merges the payload's top-level keys into the stored resource. The
// stored @odata.id always wins over one carried in the payload.
func (s *Store) Patch(ctx context.Context, path string, payload redfish.Resource) (redfish.Resource, error) {
	path = redfish.NormalizePath(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	obj, found, err := getTx(ctx, tx, path)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &redfish.ResourceNotFoundError{Path: path}
	}

	for k, v := range payload {
		obj[k] = v
	}
	obj["@odata.id"] = path

	if err := putTx(ctx, tx, path, obj, "patch"); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return obj, nil
}

// Remove deletes the resource at path together with its subtree, detaches it
// from its parent, and prunes dangling Links references to it from every
// remaining resource. Relation keys whose last reference was pruned are
// deleted.
func (s *Store) Remove(ctx context.Context, path string) error {
	path = redfish.NormalizePath(path)
	segs, ok := redfish.RelativeSegments(s.root, path)
	if !ok {
		return &redfish.InvalidPathError{Path: path}
	}
	if len(segs) == 0 {
		return &redfish.ActionNotAllowedError{Reason: "cannot remove the service root"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := existsTx(ctx, tx, path)
	if err != nil {
		return err
	}
	if !exists {
		return &redfish.ResourceNotFoundError{Path: path}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM resources WHERE path = ? OR path LIKE ?`, path, path+"/%"); err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO resource_writes (path, op) VALUES (?, ?)`, path, "delete"); err != nil {
		return fmt.Errorf("failed to record write: %w", err)
	}

	if err := s.detachFromParentTx(ctx, tx, path); err != nil {
		return err
	}
	if err := pruneLinksTx(ctx, tx, path); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) detachFromParentTx(ctx context.Context, tx *sql.Tx, path string) error {
	parentPath := redfish.ParentPath(path)
	parent, found, err := getTx(ctx, tx, parentPath)
	if err != nil || !found {
		return err
	}

	changed := false
	if parent.IsCollection() {
		members, _ := parent["Members"].([]any)
		kept := make([]any, 0, len(members))
		for _, m := range members {
			ref, _ := m.(map[string]any)
			if ref != nil && ref["@odata.id"] == path {
				changed = true
				continue
			}
			kept = append(kept, m)
		}
		if changed {
			parent["Members"] = kept
			parent["Members@odata.count"] = len(kept)
		}
	} else {
		for k, v := range parent {
			if k == "@odata.id" {
				continue
			}
			ref, _ := v.(map[string]any)
			if ref != nil && ref["@odata.id"] == path {
				delete(parent, k)
				changed = true
			}
		}
	}

	if !changed {
		return nil
	}
	return putTx(ctx, tx, parentPath, parent, "update")
}

// pruneLinksTx removes references to the deleted path (or anything below it)
// from the Links object of every stored resource.
func pruneLinksTx(ctx context.Context, tx *sql.Tx, deleted string) error {
	rows, err := tx.QueryContext(ctx, `SELECT path, body FROM resources`)
	if err != nil {
		return fmt.Errorf("failed to scan resources: %w", err)
	}
	defer rows.Close()

	type update struct {
		path string
		obj  redfish.Resource
	}
	var updates []update

	prefix := deleted + "/"
	matches := func(ref string) bool {
		return ref == deleted || strings.HasPrefix(ref, prefix)
	}

	for rows.Next() {
		var path, body string
		if err := rows.Scan(&path, &body); err != nil {
			return fmt.Errorf("failed to scan resource: %w", err)
		}
		var obj redfish.Resource
		if err := json.Unmarshal([]byte(body), &obj); err != nil {
			return fmt.Errorf("failed to decode resource %s: %w", path, err)
		}
		if pruneLinks(obj, matches) {
			updates = append(updates, update{path: path, obj: obj})
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range updates {
		if err := putTx(ctx, tx, u.path, u.obj, "update"); err != nil {
			return err
		}
	}
	return nil
}

// pruneLinks drops matching references from obj's Links relations, deleting
// relation keys left empty. Reports whether anything changed.
func pruneLinks(obj redfish.Resource, matches func(string) bool) bool {
	links := obj.Links()
	if links == nil {
		return false
	}

	changed := false
	for rel, v := range links {
		switch t := v.(type) {
		case []any:
			kept := make([]any, 0, len(t))
			for _, m := range t {
				if ref, _ := m.(map[string]any); ref != nil {
					if id, _ := ref["@odata.id"].(string); matches(id) {
						changed = true
						continue
					}
				} else if id, ok := m.(string); ok && matches(id) {
					changed = true
					continue
				}
				kept = append(kept, m)
			}
			if len(kept) == 0 && len(t) > 0 {
				delete(links, rel)
			} else if len(kept) != len(t) {
				links[rel] = kept
			}
		case map[string]any:
			if id, _ := t["@odata.id"].(string); matches(id) {
				delete(links, rel)
				changed = true
			}
		}
	}
	return changed
}

// Paths returns every stored resource path in lexicographic order.
func (s *Store) Paths(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT path FROM resources ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to query paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// ForEach calls fn for every stored resource in lexicographic path order.
func (s *Store) ForEach(ctx context.Context, fn func(path string, obj redfish.Resource) error) error {
	rows, err := s.conn.QueryContext(ctx, `SELECT path, body FROM resources ORDER BY path`)
	if err != nil {
		return fmt.Errorf("failed to query resources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path, body string
		if err := rows.Scan(&path, &body); err != nil {
			return fmt.Errorf("failed to scan resource: %w", err)
		}
		var obj redfish.Resource
		if err := json.Unmarshal([]byte(body), &obj); err != nil {
			return fmt.Errorf("failed to decode resource %s: %w", path, err)
		}
		if err := fn(path, obj); err != nil {
			return err
		}
	}
	return rows.Err()
}

// WriteRecord is one entry in the tree's write-order log.
type WriteRecord struct {
	Seq  int64
	Path string
	Op   string
}

// WriteLog returns the mutation log in commit order.
func (s *Store) WriteLog(ctx context.Context) ([]WriteRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT seq, path, op FROM resource_writes ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query write log: %w", err)
	}
	defer rows.Close()

	var recs []WriteRecord
	for rows.Next() {
		var r WriteRecord
		if err := rows.Scan(&r.Seq, &r.Path, &r.Op); err != nil {
			return nil, fmt.Errorf("failed to scan write record: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Reset drops the whole resource tree and reseeds the fixed service objects.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM resources`); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to clear resources: %w", err)
	}
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM resource_writes`); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to clear write log: %w", err)
	}
	s.mu.Unlock()
	return s.seed(ctx)
}

// Import stores a resource at its @odata.id without collection bookkeeping.
// Used when reloading a tree whose collections are already consistent.
func (s *Store) Import(ctx context.Context, obj redfish.Resource) error {
	path := redfish.NormalizePath(obj.ODataID())
	if path == "" {
		return &redfish.InvalidPathError{Path: path}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := putTx(ctx, tx, path, obj, "load"); err != nil {
		return err
	}
	return tx.Commit()
}

func existsTx(ctx context.Context, tx *sql.Tx, path string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM resources WHERE path = ?`, path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check resource: %w", err)
	}
	return true, nil
}

func getTx(ctx context.Context, tx *sql.Tx, path string) (redfish.Resource, bool, error) {
	var body string
	err := tx.QueryRowContext(ctx, `SELECT body FROM resources WHERE path = ?`, path).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read resource: %w", err)
	}
	var obj redfish.Resource
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return nil, false, fmt.Errorf("failed to decode resource %s: %w", path, err)
	}
	return obj, true, nil
}

func putTx(ctx context.Context, tx *sql.Tx, path string, obj redfish.Resource, op string) error {
	body, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to encode resource %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO resources (path, body) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET body = excluded.body, updated_at = CURRENT_TIMESTAMP`,
		path, string(body)); err != nil {
		return fmt.Errorf("failed to store resource %s: %w", path, err)
	}
	if op == "update" {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO resource_writes (path, op) VALUES (?, ?)`, path, op); err != nil {
		return fmt.Errorf("failed to record write: %w", err)
	}
	return nil
}
