package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/dialect/sqlbase"
	"github.com/Limetric/dbferry/internal/model"
)

func introspect(ctx context.Context, db *sql.DB, opts dialect.IntrospectOptions) (*dialect.RawSchema, error) {
	dbName := opts.Schema
	tables, err := introspectTables(ctx, db, dbName)
	if err != nil {
		return nil, &dialect.IntrospectionError{Object: "tables", Err: err}
	}

	for i := range tables {
		t := &tables[i]

		cols, err := introspectColumns(ctx, db, dbName, t.Name)
		if err != nil {
			return nil, &dialect.IntrospectionError{Object: "columns of " + t.Name, Err: err}
		}
		t.Columns = cols

		indexes, pk, err := introspectIndexes(ctx, db, dbName, t.Name)
		if err != nil {
			return nil, &dialect.IntrospectionError{Object: "indexes of " + t.Name, Err: err}
		}
		t.Indexes = indexes
		t.PrimaryKey = pk

		fks, err := introspectForeignKeys(ctx, db, dbName, t.Name)
		if err != nil {
			return nil, &dialect.IntrospectionError{Object: "foreign keys of " + t.Name, Err: err}
		}
		t.ForeignKeys = fks
		dialect.MarkKeys(t, Dialect{Rules: Syntax})
	}

	raw := &dialect.RawSchema{Tables: tables}
	if opts.IncludeViews {
		if raw.Views, err = introspectViews(ctx, db, dbName); err != nil {
			return nil, &dialect.IntrospectionError{Object: "views", Err: err}
		}
	}
	if opts.IncludeProcedures {
		if raw.Procedures, err = introspectRoutines(ctx, db, dbName); err != nil {
			return nil, &dialect.IntrospectionError{Object: "routines", Err: err}
		}
	}
	if opts.IncludeTriggers {
		if raw.Triggers, err = introspectTriggers(ctx, db, dbName); err != nil {
			return nil, &dialect.IntrospectionError{Object: "triggers", Err: err}
		}
	}
	// CHECK_CONSTRAINTS exists from 8.0.16; older servers simply report none.
	raw.Constraints, _ = introspectChecks(ctx, db, dbName)
	return raw, nil
}

func introspectTables(ctx context.Context, db *sql.DB, dbName string) ([]model.TableSchema, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT TABLE_NAME, COALESCE(TABLE_ROWS, 0), COALESCE(DATA_LENGTH, 0) + COALESCE(INDEX_LENGTH, 0)
		 FROM INFORMATION_SCHEMA.TABLES
		 WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
		 ORDER BY TABLE_NAME`,
		dbName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []model.TableSchema
	for rows.Next() {
		var t model.TableSchema
		if err := rows.Scan(&t.Name, &t.EstimatedRows, &t.EstimatedBytes); err != nil {
			return nil, err
		}
		t.Schema = dbName
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func introspectColumns(ctx context.Context, db *sql.DB, dbName, tableName string) ([]model.ColumnSchema, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT COLUMN_NAME, COLUMN_TYPE,
		        COALESCE(CHARACTER_MAXIMUM_LENGTH, 0),
		        COALESCE(NUMERIC_PRECISION, 0),
		        COALESCE(NUMERIC_SCALE, 0),
		        IS_NULLABLE, COLUMN_DEFAULT, EXTRA, ORDINAL_POSITION,
		        COALESCE(COLLATION_NAME, '')
		 FROM INFORMATION_SCHEMA.COLUMNS
		 WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		 ORDER BY ORDINAL_POSITION`,
		dbName, tableName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []model.ColumnSchema
	for rows.Next() {
		var c model.ColumnSchema
		var nullable, extra string
		var dflt sql.NullString
		if err := rows.Scan(
			&c.Name, &c.NativeType,
			&c.Length, &c.Precision, &c.Scale,
			&nullable, &dflt, &extra, &c.Position,
			&c.Collation,
		); err != nil {
			return nil, err
		}
		c.NativeType = strings.ToLower(c.NativeType)
		c.Nullable = nullable == "YES"
		c.Default = sqlbase.NullString(dflt)
		c.AutoIncrement = strings.Contains(strings.ToLower(extra), "auto_increment")
		c.OnUpdateTimestamp = strings.Contains(strings.ToLower(extra), "on update current_timestamp")
		if strings.Contains(strings.ToUpper(extra), "GENERATED") {
			c.Generated = extra
		}
		if strings.HasPrefix(c.NativeType, "enum(") {
			vals, err := parseEnumValues(c.NativeType)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", c.Name, err)
			}
			c.EnumValues = vals
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func introspectIndexes(ctx context.Context, db *sql.DB, dbName, tableName string) ([]model.IndexSchema, []string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT INDEX_NAME, COLUMN_NAME, NON_UNIQUE, INDEX_TYPE, SUB_PART
		 FROM INFORMATION_SCHEMA.STATISTICS
		 WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		 ORDER BY INDEX_NAME, SEQ_IN_INDEX`,
		dbName, tableName,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	indexMap := make(map[string]*model.IndexSchema)
	var order []string
	var pk []string
	for rows.Next() {
		var idxName, indexType string
		var colName sql.NullString
		var subPart sql.NullInt64
		var nonUnique int
		if err := rows.Scan(&idxName, &colName, &nonUnique, &indexType, &subPart); err != nil {
			return nil, nil, err
		}
		if idxName == "PRIMARY" {
			if colName.Valid {
				pk = append(pk, colName.String)
			}
			continue
		}
		idx, ok := indexMap[idxName]
		if !ok {
			idx = &model.IndexSchema{Name: idxName, Unique: nonUnique == 0, Type: strings.ToUpper(indexType)}
			indexMap[idxName] = idx
			order = append(order, idxName)
		}
		// functional key parts and prefix indexes cannot be carried over as-is
		if !colName.Valid || subPart.Valid {
			idx.Partial = true
			if !colName.Valid {
				continue
			}
		}
		idx.Columns = append(idx.Columns, colName.String)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	indexes := make([]model.IndexSchema, 0, len(order))
	for _, name := range order {
		indexes = append(indexes, *indexMap[name])
	}
	return indexes, pk, nil
}

func introspectForeignKeys(ctx context.Context, db *sql.DB, dbName, tableName string) ([]model.ForeignKeySchema, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT kcu.CONSTRAINT_NAME, kcu.COLUMN_NAME,
		        kcu.REFERENCED_TABLE_SCHEMA, kcu.REFERENCED_TABLE_NAME, kcu.REFERENCED_COLUMN_NAME,
		        rc.UPDATE_RULE, rc.DELETE_RULE
		 FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
		 JOIN INFORMATION_SCHEMA.REFERENTIAL_CONSTRAINTS rc
		   ON kcu.CONSTRAINT_NAME = rc.CONSTRAINT_NAME
		   AND kcu.TABLE_SCHEMA = rc.CONSTRAINT_SCHEMA
		 WHERE kcu.TABLE_SCHEMA = ? AND kcu.TABLE_NAME = ?
		   AND kcu.REFERENCED_TABLE_NAME IS NOT NULL
		 ORDER BY kcu.CONSTRAINT_NAME, kcu.ORDINAL_POSITION`,
		dbName, tableName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fkMap := make(map[string]*model.ForeignKeySchema)
	var order []string
	for rows.Next() {
		var name, col, refSchema, refTable, refCol, updateRule, deleteRule string
		if err := rows.Scan(&name, &col, &refSchema, &refTable, &refCol, &updateRule, &deleteRule); err != nil {
			return nil, err
		}
		fk, ok := fkMap[name]
		if !ok {
			fk = &model.ForeignKeySchema{
				Name:      name,
				RefSchema: refSchema,
				RefTable:  refTable,
				OnUpdate:  updateRule,
				OnDelete:  deleteRule,
			}
			fkMap[name] = fk
			order = append(order, name)
		}
		fk.Columns = append(fk.Columns, col)
		fk.RefColumns = append(fk.RefColumns, refCol)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fks := make([]model.ForeignKeySchema, 0, len(order))
	for _, name := range order {
		fks = append(fks, *fkMap[name])
	}
	return fks, nil
}

func introspectViews(ctx context.Context, db *sql.DB, dbName string) ([]model.ViewSchema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT TABLE_NAME, COALESCE(VIEW_DEFINITION, '')
		FROM INFORMATION_SCHEMA.VIEWS
		WHERE TABLE_SCHEMA = ?
		ORDER BY TABLE_NAME`, dbName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var views []model.ViewSchema
	for rows.Next() {
		v := model.ViewSchema{Schema: dbName}
		if err := rows.Scan(&v.Name, &v.Definition); err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range views {
		tables, err := sqlbase.CollectStrings(ctx, db, `
			SELECT TABLE_NAME FROM INFORMATION_SCHEMA.VIEW_TABLE_USAGE
			WHERE VIEW_SCHEMA = ? AND VIEW_NAME = ?
			ORDER BY TABLE_NAME`, dbName, views[i].Name)
		if err != nil {
			// VIEW_TABLE_USAGE exists from 8.0.13
			break
		}
		views[i].Tables = tables
	}
	return views, nil
}

func introspectRoutines(ctx context.Context, db *sql.DB, dbName string) ([]model.ProcedureSchema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT ROUTINE_TYPE, ROUTINE_NAME, COALESCE(ROUTINE_DEFINITION, ''), COALESCE(EXTERNAL_LANGUAGE, 'SQL')
		FROM INFORMATION_SCHEMA.ROUTINES
		WHERE ROUTINE_SCHEMA = ?
		ORDER BY ROUTINE_TYPE, ROUTINE_NAME`, dbName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ProcedureSchema
	for rows.Next() {
		p := model.ProcedureSchema{Schema: dbName}
		if err := rows.Scan(&p.Kind, &p.Name, &p.Definition, &p.Language); err != nil {
			return nil, err
		}
		p.Kind = strings.ToUpper(p.Kind)
		out = append(out, p)
	}
	return out, rows.Err()
}

func introspectTriggers(ctx context.Context, db *sql.DB, dbName string) ([]model.TriggerSchema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT TRIGGER_NAME, EVENT_OBJECT_TABLE, ACTION_TIMING, EVENT_MANIPULATION, ACTION_STATEMENT
		FROM INFORMATION_SCHEMA.TRIGGERS
		WHERE TRIGGER_SCHEMA = ?
		ORDER BY TRIGGER_NAME`, dbName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TriggerSchema
	for rows.Next() {
		var tr model.TriggerSchema
		if err := rows.Scan(&tr.Name, &tr.Table, &tr.Timing, &tr.Event, &tr.Definition); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func introspectChecks(ctx context.Context, db *sql.DB, dbName string) ([]model.ConstraintSchema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT tc.CONSTRAINT_NAME, tc.TABLE_NAME, cc.CHECK_CLAUSE
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.CHECK_CONSTRAINTS cc
		  ON cc.CONSTRAINT_SCHEMA = tc.CONSTRAINT_SCHEMA
		 AND cc.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
		WHERE tc.TABLE_SCHEMA = ? AND tc.CONSTRAINT_TYPE = 'CHECK'
		ORDER BY tc.TABLE_NAME, tc.CONSTRAINT_NAME`, dbName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ConstraintSchema
	for rows.Next() {
		c := model.ConstraintSchema{Kind: "CHECK"}
		if err := rows.Scan(&c.Name, &c.Table, &c.Expression); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// parseEnumValues extracts the quoted members of an enum(...) or set(...)
// column type, honoring doubled quotes and backslash escapes.
func parseEnumValues(columnType string) ([]string, error) {
	open := strings.IndexByte(columnType, '(')
	end := strings.LastIndexByte(columnType, ')')
	if open < 0 || end <= open {
		return nil, fmt.Errorf("invalid enum/set column type %q", columnType)
	}

	inside := columnType[open+1 : end]
	var values []string
	i := 0
	for i < len(inside) {
		for i < len(inside) && (inside[i] == ' ' || inside[i] == ',') {
			i++
		}
		if i >= len(inside) {
			break
		}
		if inside[i] != '\'' {
			return nil, fmt.Errorf("invalid enum/set value list in %q", columnType)
		}
		i++

		var b strings.Builder
		for i < len(inside) {
			c := inside[i]
			if c == '\\' {
				if i+1 >= len(inside) {
					return nil, fmt.Errorf("invalid escape in %q", columnType)
				}
				b.WriteByte(inside[i+1])
				i += 2
				continue
			}
			if c == '\'' {
				if i+1 < len(inside) && inside[i+1] == '\'' {
					b.WriteByte('\'')
					i += 2
					continue
				}
				i++
				break
			}
			b.WriteByte(c)
			i++
		}
		values = append(values, b.String())
	}
	return values, nil
}
