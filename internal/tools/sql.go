package tools

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/lib/pq"
)

// DatabaseSource holds the Postgres connection that init_database opens,
// for reuse by subsequent execute_sql/list_tables calls. Every tool given
// the same source shares that connection; cmd/swarmd builds one source for
// its registry, so all workers share it.
type DatabaseSource struct {
	mu sync.Mutex
	db *sql.DB
}

func (s *DatabaseSource) set(db *sql.DB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db = db
}

func (s *DatabaseSource) get() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("no database initialized; call init_database first")
	}
	return s.db, nil
}

// InitDatabaseTool opens a Postgres connection for subsequent SQL tools to
// share.
type InitDatabaseTool struct {
	Source *DatabaseSource
}

func (t *InitDatabaseTool) Name() string        { return "init_database" }
func (t *InitDatabaseTool) Description() string { return "Open a Postgres connection for subsequent SQL tool calls." }
func (t *InitDatabaseTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"dsn": map[string]interface{}{"type": "string", "description": "Postgres connection string"},
		},
		"required": []string{"dsn"},
	}
}

func (t *InitDatabaseTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	dsn, ok := argString(args, "dsn")
	if !ok {
		return "", fmt.Errorf("init_database: missing dsn argument")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return "", fmt.Errorf("init_database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return "", fmt.Errorf("init_database: %w", err)
	}
	t.Source.set(db)
	return "database connection established", nil
}

// ExecuteSQLTool runs one SQL statement and renders the result set (if
// any) as a simple text table.
type ExecuteSQLTool struct {
	Source *DatabaseSource
}

func (t *ExecuteSQLTool) Name() string        { return "execute_sql" }
func (t *ExecuteSQLTool) Description() string { return "Execute a SQL statement against the initialized database." }
func (t *ExecuteSQLTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string"},
		},
		"required": []string{"query"},
	}
}

func (t *ExecuteSQLTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	query, ok := argString(args, "query")
	if !ok {
		return "", fmt.Errorf("execute_sql: missing query argument")
	}
	db, err := t.Source.get()
	if err != nil {
		return "", err
	}

	trimmed := strings.TrimSpace(strings.ToUpper(query))
	if !strings.HasPrefix(trimmed, "SELECT") {
		result, err := db.ExecContext(ctx, query)
		if err != nil {
			return "", fmt.Errorf("execute_sql: %w", err)
		}
		affected, _ := result.RowsAffected()
		return fmt.Sprintf("OK, %d rows affected", affected), nil
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("execute_sql: %w", err)
	}
	defer rows.Close()
	return renderRows(rows)
}

// ListTablesTool lists every table in the public schema.
type ListTablesTool struct {
	Source *DatabaseSource
}

func (t *ListTablesTool) Name() string        { return "list_tables" }
func (t *ListTablesTool) Description() string { return "List tables in the public schema of the initialized database." }
func (t *ListTablesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *ListTablesTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	db, err := t.Source.get()
	if err != nil {
		return "", err
	}
	rows, err := db.QueryContext(ctx, "SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' ORDER BY table_name")
	if err != nil {
		return "", fmt.Errorf("list_tables: %w", err)
	}
	defer rows.Close()
	return renderRows(rows)
}

func renderRows(rows *sql.Rows) (string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var out strings.Builder
	out.WriteString(strings.Join(cols, "\t"))
	out.WriteString("\n")

	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	count := 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		cells := make([]string, len(cols))
		for i, v := range values {
			cells[i] = fmt.Sprintf("%v", v)
		}
		out.WriteString(strings.Join(cells, "\t"))
		out.WriteString("\n")
		count++
		if count >= 500 {
			out.WriteString("... (truncated)\n")
			break
		}
	}
	return out.String(), rows.Err()
}
