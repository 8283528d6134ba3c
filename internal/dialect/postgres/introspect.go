package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func introspect(ctx context.Context, db querier, opts dialect.IntrospectOptions) (*dialect.RawSchema, error) {
	schema := opts.Schema
	tables, oids, err := introspectTables(ctx, db, schema)
	if err != nil {
		return nil, &dialect.IntrospectionError{Object: "tables", Err: err}
	}

	raw := &dialect.RawSchema{}
	for i := range tables {
		t := &tables[i]
		oid := oids[i]
		if t.Columns, err = introspectColumns(ctx, db, oid); err != nil {
			return nil, &dialect.IntrospectionError{Object: "columns of " + t.Name, Err: err}
		}
		if t.PrimaryKey, err = introspectPrimaryKey(ctx, db, oid); err != nil {
			return nil, &dialect.IntrospectionError{Object: "primary key of " + t.Name, Err: err}
		}
		if t.Indexes, err = introspectIndexes(ctx, db, oid); err != nil {
			return nil, &dialect.IntrospectionError{Object: "indexes of " + t.Name, Err: err}
		}
		if t.ForeignKeys, err = introspectForeignKeys(ctx, db, oid); err != nil {
			return nil, &dialect.IntrospectionError{Object: "foreign keys of " + t.Name, Err: err}
		}
		checks, err := introspectChecks(ctx, db, oid, t.Name)
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

func introspectTables(ctx context.Context, db querier, schema string) ([]model.TableSchema, []uint32, error) {
	rows, err := db.Query(ctx, `
		SELECT c.oid, c.relname, GREATEST(c.reltuples, 0)::bigint, pg_total_relation_size(c.oid)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relkind IN ('r', 'p') AND NOT c.relispartition
		ORDER BY c.relname`, schema)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var tables []model.TableSchema
	var oids []uint32
	for rows.Next() {
		var oid uint32
		t := model.TableSchema{Schema: schema}
		if err := rows.Scan(&oid, &t.Name, &t.EstimatedRows, &t.EstimatedBytes); err != nil {
			return nil, nil, err
		}
		tables = append(tables, t)
		oids = append(oids, oid)
	}
	return tables, oids, rows.Err()
}

func introspectColumns(ctx context.Context, db querier, oid uint32) ([]model.ColumnSchema, error) {
	rows, err := db.Query(ctx, `
		SELECT a.attname, format_type(a.atttypid, a.atttypmod), NOT a.attnotnull,
		       pg_get_expr(d.adbin, d.adrelid), a.attidentity <> '',
		       CASE WHEN t.typtype = 'e' THEN ARRAY(
		           SELECT e.enumlabel::text FROM pg_enum e WHERE e.enumtypid = t.oid ORDER BY e.enumsortorder)
		       END
		FROM pg_attribute a
		JOIN pg_type t ON t.oid = a.atttypid
		LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
		WHERE a.attrelid = $1 AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`, oid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []model.ColumnSchema
	for rows.Next() {
		var (
			name, native string
			nullable     bool
			def          *string
			identity     bool
			enumValues   []string
		)
		if err := rows.Scan(&name, &native, &nullable, &def, &identity, &enumValues); err != nil {
			return nil, err
		}
		cols = append(cols, catalogColumn(name, native, nullable, def, identity, enumValues, len(cols)+1))
	}
	return cols, rows.Err()
}

// catalogColumn builds a column from a pg_attribute row. Serial defaults
// become auto-increment columns with no default.
func catalogColumn(name, native string, nullable bool, def *string, identity bool, enumValues []string, pos int) model.ColumnSchema {
	col := model.ColumnSchema{
		Name:       name,
		NativeType: native,
		Nullable:   nullable,
		Default:    def,
		Position:   pos,
	}
	if enumValues != nil {
		col.Type = model.FieldEnum
		col.EnumValues = enumValues
	} else {
		col.Type = Syntax.NormalizeType(native)
	}
	_, params := dialect.BaseType(native)
	switch col.Type {
	case model.FieldString:
		if len(params) > 0 {
			col.Length = params[0]
		}
	case model.FieldDecimal:
		if len(params) > 0 {
			col.Precision = params[0]
		}
		if len(params) > 1 {
			col.Scale = params[1]
		}
	}
	if identity {
		col.AutoIncrement = true
	}
	if def != nil && strings.HasPrefix(*def, "nextval(") {
		col.AutoIncrement = true
		col.Default = nil
	}
	return col
}

func introspectPrimaryKey(ctx context.Context, db querier, oid uint32) ([]string, error) {
	return collect(ctx, db, `
		SELECT a.attname
		FROM pg_index i
		CROSS JOIN LATERAL unnest(i.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord)
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
		WHERE i.indrelid = $1 AND i.indisprimary
		ORDER BY k.ord`, oid)
}

func introspectIndexes(ctx context.Context, db querier, oid uint32) ([]model.IndexSchema, error) {
	rows, err := db.Query(ctx, `
		SELECT ic.relname, i.indisunique, upper(am.amname),
		       i.indpred IS NOT NULL OR i.indexprs IS NOT NULL,
		       ARRAY(
		           SELECT a.attname::text
		           FROM unnest(i.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord)
		           JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
		           ORDER BY k.ord)
		FROM pg_index i
		JOIN pg_class ic ON ic.oid = i.indexrelid
		JOIN pg_am am ON am.oid = ic.relam
		WHERE i.indrelid = $1 AND NOT i.indisprimary
		ORDER BY ic.relname`, oid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.IndexSchema
	for rows.Next() {
		var idx model.IndexSchema
		if err := rows.Scan(&idx.Name, &idx.Unique, &idx.Type, &idx.Partial, &idx.Columns); err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

func introspectForeignKeys(ctx context.Context, db querier, oid uint32) ([]model.ForeignKeySchema, error) {
	rows, err := db.Query(ctx, `
		SELECT con.conname, rn.nspname, rc.relname,
		       ARRAY(
		           SELECT a.attname::text FROM unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord)
		           JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
		           ORDER BY k.ord),
		       ARRAY(
		           SELECT a.attname::text FROM unnest(con.confkey) WITH ORDINALITY AS k(attnum, ord)
		           JOIN pg_attribute a ON a.attrelid = con.confrelid AND a.attnum = k.attnum
		           ORDER BY k.ord),
		       con.confupdtype::text, con.confdeltype::text
		FROM pg_constraint con
		JOIN pg_class rc ON rc.oid = con.confrelid
		JOIN pg_namespace rn ON rn.oid = rc.relnamespace
		WHERE con.conrelid = $1 AND con.contype = 'f'
		ORDER BY con.conname`, oid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ForeignKeySchema
	for rows.Next() {
		var fk model.ForeignKeySchema
		var upd, del string
		if err := rows.Scan(&fk.Name, &fk.RefSchema, &fk.RefTable, &fk.Columns, &fk.RefColumns, &upd, &del); err != nil {
			return nil, err
		}
		fk.OnUpdate = referentialAction(upd)
		fk.OnDelete = referentialAction(del)
		out = append(out, fk)
	}
	return out, rows.Err()
}

// referentialAction decodes pg_constraint.confupdtype/confdeltype.
func referentialAction(code string) string {
	switch code {
	case "r":
		return "RESTRICT"
	case "c":
		return "CASCADE"
	case "n":
		return "SET NULL"
	case "d":
		return "SET DEFAULT"
	default:
		return "NO ACTION"
	}
}

func introspectChecks(ctx context.Context, db querier, oid uint32, table string) ([]model.ConstraintSchema, error) {
	rows, err := db.Query(ctx, `
		SELECT conname, pg_get_constraintdef(oid)
		FROM pg_constraint
		WHERE conrelid = $1 AND contype = 'c'
		ORDER BY conname`, oid)
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

func introspectViews(ctx context.Context, db querier, schema string) ([]model.ViewSchema, error) {
	rows, err := db.Query(ctx, `
		SELECT c.relname, pg_get_viewdef(c.oid, true),
		       ARRAY(
		           SELECT DISTINCT t.relname::text
		           FROM pg_rewrite r
		           JOIN pg_depend d ON d.objid = r.oid
		           JOIN pg_class t ON t.oid = d.refobjid
		           WHERE r.ev_class = c.oid AND t.oid <> c.oid AND t.relkind IN ('r', 'p', 'v')
		           ORDER BY 1)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relkind = 'v'
		ORDER BY c.relname`, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ViewSchema
	for rows.Next() {
		v := model.ViewSchema{Schema: schema}
		if err := rows.Scan(&v.Name, &v.Definition, &v.Tables); err != nil {
			return nil, err
		}
		v.Definition = strings.TrimSuffix(strings.TrimSpace(v.Definition), ";")
		out = append(out, v)
	}
	return out, rows.Err()
}

func introspectRoutines(ctx context.Context, db querier, schema string) ([]model.ProcedureSchema, error) {
	rows, err := db.Query(ctx, `
		SELECT p.proname,
		       CASE p.prokind WHEN 'p' THEN 'PROCEDURE' ELSE 'FUNCTION' END,
		       l.lanname, pg_get_functiondef(p.oid)
		FROM pg_proc p
		JOIN pg_namespace n ON n.oid = p.pronamespace
		JOIN pg_language l ON l.oid = p.prolang
		WHERE n.nspname = $1 AND p.prokind IN ('f', 'p')
		ORDER BY p.proname`, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ProcedureSchema
	for rows.Next() {
		p := model.ProcedureSchema{Schema: schema}
		if err := rows.Scan(&p.Name, &p.Kind, &p.Language, &p.Definition); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func introspectTriggers(ctx context.Context, db querier, schema string) ([]model.TriggerSchema, error) {
	rows, err := db.Query(ctx, `
		SELECT t.tgname, c.relname, pg_get_triggerdef(t.oid, true)
		FROM pg_trigger t
		JOIN pg_class c ON c.oid = t.tgrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND NOT t.tgisinternal
		ORDER BY t.tgname`, schema)
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

func collect(ctx context.Context, db querier, query string, args ...any) ([]string, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
