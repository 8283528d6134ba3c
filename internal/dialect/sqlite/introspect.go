package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/dialect/sqlbase"
	"github.com/Limetric/dbferry/internal/model"
)

func quoteLiteralIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func introspect(ctx context.Context, db *sql.DB, opts dialect.IntrospectOptions) (*dialect.RawSchema, error) {
	names, err := sqlbase.CollectStrings(ctx, db,
		"SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, &dialect.IntrospectionError{Object: "tables", Err: err}
	}

	raw := &dialect.RawSchema{}
	for _, name := range names {
		t := model.TableSchema{Name: name}

		cols, pk, err := introspectColumns(ctx, db, name)
		if err != nil {
			return nil, &dialect.IntrospectionError{Object: "columns of " + name, Err: err}
		}
		t.Columns = cols
		t.PrimaryKey = pk

		if t.Indexes, err = introspectIndexes(ctx, db, name); err != nil {
			return nil, &dialect.IntrospectionError{Object: "indexes of " + name, Err: err}
		}
		if t.ForeignKeys, err = introspectForeignKeys(ctx, db, name); err != nil {
			return nil, &dialect.IntrospectionError{Object: "foreign keys of " + name, Err: err}
		}
		// row counts are cheap enough to take exactly
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteLiteralIdent(name)).Scan(&t.EstimatedRows); err != nil {
			return nil, &dialect.IntrospectionError{Object: "row count of " + name, Err: err}
		}
		dialect.MarkKeys(&t, Syntax)
		raw.Tables = append(raw.Tables, t)
	}

	if opts.IncludeViews {
		rows, err := db.QueryContext(ctx, "SELECT name, COALESCE(sql, '') FROM sqlite_master WHERE type='view' ORDER BY name")
		if err != nil {
			return nil, &dialect.IntrospectionError{Object: "views", Err: err}
		}
		for rows.Next() {
			var v model.ViewSchema
			if err := rows.Scan(&v.Name, &v.Definition); err != nil {
				rows.Close()
				return nil, &dialect.IntrospectionError{Object: "views", Err: err}
			}
			v.Definition = dialect.ViewBody(v.Definition)
			raw.Views = append(raw.Views, v)
		}
		rows.Close()
	}
	if opts.IncludeTriggers {
		rows, err := db.QueryContext(ctx, "SELECT name, tbl_name, COALESCE(sql, '') FROM sqlite_master WHERE type='trigger' ORDER BY name")
		if err != nil {
			return nil, &dialect.IntrospectionError{Object: "triggers", Err: err}
		}
		for rows.Next() {
			var tr model.TriggerSchema
			if err := rows.Scan(&tr.Name, &tr.Table, &tr.Definition); err != nil {
				rows.Close()
				return nil, &dialect.IntrospectionError{Object: "triggers", Err: err}
			}
			tr.Timing, tr.Event = dialect.TriggerShape(tr.Definition)
			raw.Triggers = append(raw.Triggers, tr)
		}
		rows.Close()
	}
	// SQLite has no stored procedures.
	return raw, nil
}

func introspectColumns(ctx context.Context, db *sql.DB, tableName string) ([]model.ColumnSchema, []string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_xinfo(%s)", quoteLiteralIdent(tableName)))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	type pkCol struct {
		name string
		pos  int
	}
	var cols []model.ColumnSchema
	var pkCols []pkCol
	for rows.Next() {
		var cid, pk, notnull, hidden int
		var name, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notnull, &dflt, &pk, &hidden); err != nil {
			return nil, nil, err
		}
		// hidden columns of virtual tables are not data
		if hidden == 1 {
			continue
		}
		col := model.ColumnSchema{
			Name:       name,
			NativeType: strings.ToLower(strings.TrimSpace(colType)),
			Nullable:   notnull == 0,
			Default:    sqlbase.NullString(dflt),
			Position:   len(cols) + 1,
		}
		_, params := dialect.BaseType(colType)
		if len(params) >= 1 {
			col.Precision = params[0]
			col.Length = params[0]
		}
		if len(params) >= 2 {
			col.Scale = params[1]
		}
		if pk > 0 {
			pkCols = append(pkCols, pkCol{name: name, pos: pk})
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	slices.SortFunc(pkCols, func(a, b pkCol) int { return a.pos - b.pos })
	var pk []string
	for _, pc := range pkCols {
		pk = append(pk, pc.name)
	}

	// INTEGER PRIMARY KEY is a rowid alias and always auto-assigned.
	autoIncr := detectAutoIncrement(ctx, db, tableName)
	for i := range cols {
		c := &cols[i]
		if autoIncr[c.Name] || (len(pk) == 1 && pk[0] == c.Name && c.NativeType == "integer") {
			c.AutoIncrement = true
		}
	}
	return cols, pk, nil
}

func detectAutoIncrement(ctx context.Context, db *sql.DB, tableName string) map[string]bool {
	result := make(map[string]bool)
	var createSQL sql.NullString
	err := db.QueryRowContext(ctx,
		"SELECT sql FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&createSQL)
	if err != nil || !createSQL.Valid {
		return result
	}
	upper := strings.ToUpper(createSQL.String)
	idx := strings.Index(upper, "AUTOINCREMENT")
	if idx <= 0 {
		return result
	}
	// the column name precedes "INTEGER PRIMARY KEY"
	tokens := strings.Fields(strings.TrimRight(createSQL.String[:idx], " \t\n\r"))
	for i := len(tokens) - 1; i >= 0; i-- {
		switch strings.ToUpper(tokens[i]) {
		case "INTEGER", "PRIMARY", "KEY":
			continue
		}
		if name := strings.Trim(tokens[i], ",(\n\r\t \"`[]"); name != "" {
			result[name] = true
		}
		break
	}
	return result
}

func introspectIndexes(ctx context.Context, db *sql.DB, tableName string) ([]model.IndexSchema, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", quoteLiteralIdent(tableName)))
	if err != nil {
		return nil, err
	}
	var indexes []model.IndexSchema
	for rows.Next() {
		var seq int
		var name, origin string
		var unique, partial int
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return nil, err
		}
		// PK indexes come from table_xinfo
		if origin == "pk" {
			continue
		}
		indexes = append(indexes, model.IndexSchema{
			Name:    name,
			Unique:  unique == 1,
			Type:    "BTREE",
			Partial: partial == 1,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range indexes {
		idx := &indexes[i]
		colRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", quoteLiteralIdent(idx.Name)))
		if err != nil {
			return nil, err
		}
		for colRows.Next() {
			var seqno, cid int
			var colName sql.NullString
			if err := colRows.Scan(&seqno, &cid, &colName); err != nil {
				colRows.Close()
				return nil, err
			}
			if !colName.Valid {
				// expression index
				idx.Partial = true
				continue
			}
			idx.Columns = append(idx.Columns, colName.String)
		}
		colRows.Close()
	}
	slices.SortFunc(indexes, func(a, b model.IndexSchema) int { return strings.Compare(a.Name, b.Name) })
	return indexes, nil
}

func introspectForeignKeys(ctx context.Context, db *sql.DB, tableName string) ([]model.ForeignKeySchema, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoteLiteralIdent(tableName)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fkMap := make(map[int]*model.ForeignKeySchema)
	var order []int
	for rows.Next() {
		var id, seq int
		var refTable, from, onUpdate, onDelete, match string
		var to sql.NullString
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, err
		}
		fk, ok := fkMap[id]
		if !ok {
			fk = &model.ForeignKeySchema{
				Name:     fmt.Sprintf("fk_%s_%d", tableName, id),
				RefTable: refTable,
				OnUpdate: normalizeRule(onUpdate),
				OnDelete: normalizeRule(onDelete),
			}
			fkMap[id] = fk
			order = append(order, id)
		}
		fk.Columns = append(fk.Columns, from)
		// a NULL target column references the parent's primary key
		fk.RefColumns = append(fk.RefColumns, to.String)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fks := make([]model.ForeignKeySchema, 0, len(order))
	for _, id := range order {
		fks = append(fks, *fkMap[id])
	}
	return fks, nil
}

func normalizeRule(r string) string {
	r = strings.ToUpper(strings.TrimSpace(r))
	if r == "" {
		return "NO ACTION"
	}
	return r
}
