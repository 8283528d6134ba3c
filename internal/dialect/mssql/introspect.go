package mssql

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
	schema := opts.Schema
	if schema == "" {
		schema = "dbo"
	}
	tables, err := introspectTables(ctx, db, schema)
	if err != nil {
		return nil, &dialect.IntrospectionError{Object: "tables", Err: err}
	}

	raw := &dialect.RawSchema{}
	for i := range tables {
		t := &tables[i]
		object := Syntax.QualifiedName(schema, t.Name)
		if t.Columns, err = introspectColumns(ctx, db, object); err != nil {
			return nil, &dialect.IntrospectionError{Object: "columns of " + t.Name, Err: err}
		}
		if t.Indexes, t.PrimaryKey, err = introspectIndexes(ctx, db, object); err != nil {
			return nil, &dialect.IntrospectionError{Object: "indexes of " + t.Name, Err: err}
		}
		if t.ForeignKeys, err = introspectForeignKeys(ctx, db, object); err != nil {
			return nil, &dialect.IntrospectionError{Object: "foreign keys of " + t.Name, Err: err}
		}
		checks, err := introspectChecks(ctx, db, object, t.Name)
		if err != nil {
			return nil, &dialect.IntrospectionError{Object: "checks of " + t.Name, Err: err}
		}
		raw.Constraints = append(raw.Constraints, checks...)
		dialect.MarkKeys(t, Syntax)
	}
	raw.Tables = tables

	if opts.IncludeViews {
		if raw.Views, err = introspectViews(ctx, db, schema); err != nil {
			return nil, &dialect.IntrospectionError{Object: "views", Err: err}
		}
	}
	if opts.IncludeProcedures {
		if raw.Procedures, err = introspectRoutines(ctx, db, schema); err != nil {
			return nil, &dialect.IntrospectionError{Object: "routines", Err: err}
		}
	}
	if opts.IncludeTriggers {
		if raw.Triggers, err = introspectTriggers(ctx, db, schema); err != nil {
			return nil, &dialect.IntrospectionError{Object: "triggers", Err: err}
		}
	}
	return raw, nil
}

func introspectTables(ctx context.Context, db *sql.DB, schema string) ([]model.TableSchema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT t.name,
		       COALESCE((SELECT SUM(p.rows) FROM sys.partitions p
		                 WHERE p.object_id = t.object_id AND p.index_id IN (0, 1)), 0),
		       COALESCE((SELECT SUM(au.used_pages) FROM sys.partitions p
		                 JOIN sys.allocation_units au ON au.container_id = p.hobt_id
		                 WHERE p.object_id = t.object_id), 0) * 8192
		FROM sys.tables t
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		WHERE s.name = @schema AND t.is_ms_shipped = 0
		ORDER BY t.name`, sql.Named("schema", schema))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TableSchema
	for rows.Next() {
		t := model.TableSchema{Schema: schema}
		if err := rows.Scan(&t.Name, &t.EstimatedRows, &t.EstimatedBytes); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func introspectColumns(ctx context.Context, db *sql.DB, object string) ([]model.ColumnSchema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.name, ty.name, c.max_length, c.precision, c.scale, c.is_nullable, c.is_identity, dc.definition
		FROM sys.columns c
		JOIN sys.types ty ON ty.user_type_id = c.user_type_id
		LEFT JOIN sys.default_constraints dc ON dc.object_id = c.default_object_id
		WHERE c.object_id = OBJECT_ID(@object)
		ORDER BY c.column_id`, sql.Named("object", object))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []model.ColumnSchema
	for rows.Next() {
		var (
			name, typ            string
			maxLen               int64
			precision, scale     int64
			nullable, isIdentity bool
			def                  sql.NullString
		)
		if err := rows.Scan(&name, &typ, &maxLen, &precision, &scale, &nullable, &isIdentity, &def); err != nil {
			return nil, err
		}
		col := model.ColumnSchema{
			Name:          name,
			NativeType:    nativeType(typ, maxLen, precision, scale),
			Nullable:      nullable,
			AutoIncrement: isIdentity,
			Position:      len(cols) + 1,
		}
		if def.Valid {
			d := unwrapDefault(def.String)
			col.Default = &d
		}
		col.Type = Syntax.NormalizeType(col.NativeType)
		switch col.Type {
		case model.FieldString:
			if _, params := dialect.BaseType(col.NativeType); len(params) > 0 {
				col.Length = params[0]
			}
		case model.FieldDecimal:
			col.Precision, col.Scale = precision, scale
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// nativeType rebuilds the declared type from sys.columns. max_length is in
// bytes and -1 means MAX.
func nativeType(typ string, maxLen, precision, scale int64) string {
	typ = strings.ToLower(typ)
	switch typ {
	case "varchar", "char", "varbinary", "binary":
		if maxLen < 0 {
			return typ + "(max)"
		}
		return fmt.Sprintf("%s(%d)", typ, maxLen)
	case "nvarchar", "nchar":
		if maxLen < 0 {
			return typ + "(max)"
		}
		return fmt.Sprintf("%s(%d)", typ, maxLen/2)
	case "decimal", "numeric":
		return fmt.Sprintf("%s(%d,%d)", typ, precision, scale)
	}
	return typ
}

// unwrapDefault strips the parentheses SQL Server stores around defaults:
// "((0))" becomes "0", "(getdate())" becomes "getdate()".
func unwrapDefault(def string) string {
	def = strings.TrimSpace(def)
	for len(def) >= 2 && def[0] == '(' && def[len(def)-1] == ')' && balanced(def[1:len(def)-1]) {
		def = strings.TrimSpace(def[1 : len(def)-1])
	}
	if strings.HasPrefix(def, "N'") {
		def = def[1:]
	}
	return def
}

func balanced(s string) bool {
	depth := 0
	for _, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

func introspectIndexes(ctx context.Context, db *sql.DB, object string) ([]model.IndexSchema, []string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT i.name, i.is_primary_key, i.is_unique, i.type_desc, i.has_filter, c.name
		FROM sys.indexes i
		JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
		JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
		WHERE i.object_id = OBJECT_ID(@object) AND i.name IS NOT NULL AND ic.is_included_column = 0
		ORDER BY i.name, ic.key_ordinal`, sql.Named("object", object))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var indexes []model.IndexSchema
	var pk []string
	byName := map[string]int{}
	for rows.Next() {
		var name, typeDesc, col string
		var isPK, unique, filtered bool
		if err := rows.Scan(&name, &isPK, &unique, &typeDesc, &filtered, &col); err != nil {
			return nil, nil, err
		}
		if isPK {
			pk = append(pk, col)
			continue
		}
		i, ok := byName[name]
		if !ok {
			i = len(indexes)
			byName[name] = i
			indexes = append(indexes, model.IndexSchema{Name: name, Unique: unique, Type: typeDesc, Partial: filtered})
		}
		indexes[i].Columns = append(indexes[i].Columns, col)
	}
	return indexes, pk, rows.Err()
}

func introspectForeignKeys(ctx context.Context, db *sql.DB, object string) ([]model.ForeignKeySchema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT fk.name,
		       OBJECT_SCHEMA_NAME(fk.referenced_object_id),
		       OBJECT_NAME(fk.referenced_object_id),
		       c.name, rc.name,
		       fk.update_referential_action_desc, fk.delete_referential_action_desc
		FROM sys.foreign_keys fk
		JOIN sys.foreign_key_columns fkc ON fkc.constraint_object_id = fk.object_id
		JOIN sys.columns c ON c.object_id = fkc.parent_object_id AND c.column_id = fkc.parent_column_id
		JOIN sys.columns rc ON rc.object_id = fkc.referenced_object_id AND rc.column_id = fkc.referenced_column_id
		WHERE fk.parent_object_id = OBJECT_ID(@object)
		ORDER BY fk.name, fkc.constraint_column_id`, sql.Named("object", object))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fks []model.ForeignKeySchema
	byName := map[string]int{}
	for rows.Next() {
		var name, refSchema, refTable, col, refCol, upd, del string
		if err := rows.Scan(&name, &refSchema, &refTable, &col, &refCol, &upd, &del); err != nil {
			return nil, err
		}
		i, ok := byName[name]
		if !ok {
			i = len(fks)
			byName[name] = i
			fks = append(fks, model.ForeignKeySchema{
				Name:      name,
				RefSchema: refSchema,
				RefTable:  refTable,
				OnUpdate:  strings.ReplaceAll(upd, "_", " "),
				OnDelete:  strings.ReplaceAll(del, "_", " "),
			})
		}
		fks[i].Columns = append(fks[i].Columns, col)
		fks[i].RefColumns = append(fks[i].RefColumns, refCol)
	}
	return fks, rows.Err()
}

func introspectChecks(ctx context.Context, db *sql.DB, object, table string) ([]model.ConstraintSchema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name, definition FROM sys.check_constraints
		WHERE parent_object_id = OBJECT_ID(@object)
		ORDER BY name`, sql.Named("object", object))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ConstraintSchema
	for rows.Next() {
		c := model.ConstraintSchema{Table: table, Kind: "CHECK"}
		if err := rows.Scan(&c.Name, &c.Expression); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func introspectViews(ctx context.Context, db *sql.DB, schema string) ([]model.ViewSchema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT v.name, COALESCE(m.definition, '')
		FROM sys.views v
		JOIN sys.schemas s ON s.schema_id = v.schema_id
		LEFT JOIN sys.sql_modules m ON m.object_id = v.object_id
		WHERE s.name = @schema
		ORDER BY v.name`, sql.Named("schema", schema))
	if err != nil {
		return nil, err
	}
	var views []model.ViewSchema
	for rows.Next() {
		v := model.ViewSchema{Schema: schema}
		if err := rows.Scan(&v.Name, &v.Definition); err != nil {
			rows.Close()
			return nil, err
		}
		v.Definition = dialect.ViewBody(v.Definition)
		views = append(views, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range views {
		v := &views[i]
		v.Tables, err = sqlbase.CollectStrings(ctx, db, `
			SELECT DISTINCT referenced_entity_name
			FROM sys.sql_expression_dependencies
			WHERE referencing_id = OBJECT_ID(@object)
			ORDER BY referenced_entity_name`, sql.Named("object", Syntax.QualifiedName(schema, v.Name)))
		if err != nil {
			return nil, err
		}
	}
	return views, nil
}

func introspectRoutines(ctx context.Context, db *sql.DB, schema string) ([]model.ProcedureSchema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT o.name, CASE o.type WHEN 'P' THEN 'PROCEDURE' ELSE 'FUNCTION' END, COALESCE(m.definition, '')
		FROM sys.objects o
		JOIN sys.schemas s ON s.schema_id = o.schema_id
		LEFT JOIN sys.sql_modules m ON m.object_id = o.object_id
		WHERE s.name = @schema AND o.type IN ('P', 'FN', 'IF', 'TF')
		ORDER BY o.name`, sql.Named("schema", schema))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ProcedureSchema
	for rows.Next() {
		p := model.ProcedureSchema{Schema: schema, Language: "T-SQL"}
		if err := rows.Scan(&p.Name, &p.Kind, &p.Definition); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func introspectTriggers(ctx context.Context, db *sql.DB, schema string) ([]model.TriggerSchema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT tr.name, OBJECT_NAME(tr.parent_id), COALESCE(m.definition, '')
		FROM sys.triggers tr
		LEFT JOIN sys.sql_modules m ON m.object_id = tr.object_id
		WHERE tr.parent_class = 1 AND OBJECT_SCHEMA_NAME(tr.parent_id) = @schema
		ORDER BY tr.name`, sql.Named("schema", schema))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TriggerSchema
	for rows.Next() {
		var tr model.TriggerSchema
		if err := rows.Scan(&tr.Name, &tr.Table, &tr.Definition); err != nil {
			return nil, err
		}
		tr.Timing, tr.Event = dialect.TriggerShape(tr.Definition)
		out = append(out, tr)
	}
	return out, rows.Err()
}
