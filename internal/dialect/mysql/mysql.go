// Package mysql registers the MySQL and MariaDB adapter.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/dialect/sqlbase"
	"github.com/Limetric/dbferry/internal/model"
)

// reservedWords are MySQL reserved words likely to appear as identifiers.
var reservedWords = map[string]bool{
	"add": true, "all": true, "alter": true, "and": true, "as": true, "asc": true,
	"between": true, "by": true, "call": true, "case": true, "change": true,
	"check": true, "column": true, "condition": true, "constraint": true,
	"create": true, "cross": true, "current_date": true, "current_time": true,
	"current_timestamp": true, "current_user": true, "database": true,
	"default": true, "delete": true, "desc": true, "describe": true,
	"distinct": true, "div": true, "drop": true, "else": true, "exists": true,
	"explain": true, "false": true, "fetch": true, "for": true, "force": true,
	"foreign": true, "from": true, "fulltext": true, "function": true,
	"grant": true, "group": true, "groups": true, "having": true, "if": true,
	"ignore": true, "in": true, "index": true, "inner": true, "insert": true,
	"interval": true, "into": true, "is": true, "join": true, "key": true,
	"keys": true, "kill": true, "lag": true, "lead": true, "left": true,
	"like": true, "limit": true, "lock": true, "match": true, "mod": true,
	"natural": true, "not": true, "null": true, "of": true, "on": true,
	"option": true, "or": true, "order": true, "outer": true, "partition": true,
	"primary": true, "range": true, "rank": true, "read": true, "references": true,
	"regexp": true, "rename": true, "replace": true, "require": true,
	"restrict": true, "return": true, "right": true, "rlike": true, "row": true,
	"rows": true, "schema": true, "select": true, "set": true, "show": true,
	"spatial": true, "sql": true, "system": true, "table": true, "then": true,
	"to": true, "trigger": true, "true": true, "union": true, "unique": true,
	"unlock": true, "unsigned": true, "update": true, "usage": true, "use": true,
	"using": true, "values": true, "when": true, "where": true, "window": true,
	"with": true, "write": true, "xor": true, "year_month": true,
}

// Syntax is the MySQL rule set.
var Syntax = &dialect.Rules{
	OpenQuote:  "`",
	CloseQuote: "`",
	Reserved:   reservedWords,
	Types: dialect.TypeTable{
		Normalize: map[string]model.FieldType{
			"char": model.FieldString, "varchar": model.FieldString,
			"tinytext": model.FieldString, "text": model.FieldString,
			"mediumtext": model.FieldString, "longtext": model.FieldString,
			"tinyint": model.FieldInteger, "smallint": model.FieldInteger,
			"mediumint": model.FieldInteger, "int": model.FieldInteger,
			"integer": model.FieldInteger, "year": model.FieldInteger,
			"bigint": model.FieldBigInt,
			"float":  model.FieldFloat, "real": model.FieldDouble, "double": model.FieldDouble,
			"double precision": model.FieldDouble,
			"decimal":          model.FieldDecimal, "numeric": model.FieldDecimal,
			"bool": model.FieldBoolean, "boolean": model.FieldBoolean, "bit": model.FieldBinary,
			"date": model.FieldDate, "datetime": model.FieldDateTime,
			"timestamp": model.FieldTimestamp, "time": model.FieldString,
			"json": model.FieldJSON,
			"binary": model.FieldBinary, "varbinary": model.FieldBinary,
			"tinyblob": model.FieldBinary, "blob": model.FieldBinary,
			"mediumblob": model.FieldBinary, "longblob": model.FieldBinary,
			"enum": model.FieldEnum, "set": model.FieldString,
		},
		Native: map[model.FieldType]string{
			model.FieldString:    "TEXT",
			model.FieldInteger:   "INT",
			model.FieldBigInt:    "BIGINT",
			model.FieldFloat:     "FLOAT",
			model.FieldDouble:    "DOUBLE",
			model.FieldDecimal:   "DECIMAL(65,30)",
			model.FieldBoolean:   "TINYINT(1)",
			model.FieldDate:      "DATE",
			model.FieldDateTime:  "DATETIME",
			model.FieldTimestamp: "TIMESTAMP",
			model.FieldJSON:      "JSON",
			model.FieldUUID:      "CHAR(36)",
			model.FieldBinary:    "LONGBLOB",
			model.FieldArray:     "JSON",
			model.FieldObject:    "JSON",
			model.FieldEnum:      "VARCHAR(255)",
		},
	},
	VarcharFormat:       "VARCHAR(%d)",
	DecimalFormat:       "DECIMAL(%d,%d)",
	Widest:              "LONGTEXT",
	AutoIncrementClause: "AUTO_INCREMENT",
	BindParams:          65535,
	Precision:           65,
	Varchar:             16383,
}

// Dialect is the registered MySQL adapter.
type Dialect struct{ *dialect.Rules }

func init() {
	dialect.Register(Dialect{Rules: Syntax})
}

func (Dialect) Tag() model.Dialect { return model.MySQL }

// NormalizeType treats tinyint(1) as boolean, the MySQL convention for BOOL.
func (d Dialect) NormalizeType(native string) model.FieldType {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(native)), "tinyint(1)") {
		return model.FieldBoolean
	}
	return d.Rules.NormalizeType(native)
}

// ParseConfig builds the driver config for cfg with the read options the
// adapter relies on.
func ParseConfig(cfg model.ConnectionConfig) (*mysql.Config, error) {
	uri, err := cfg.URI()
	if err != nil {
		return nil, err
	}
	mc, err := mysql.ParseDSN(uri)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	mc.ParseTime = true
	mc.InterpolateParams = true
	mc.Loc = time.UTC
	return mc, nil
}

func (d Dialect) Open(ctx context.Context, cfg model.ConnectionConfig) (dialect.Conn, error) {
	mc, err := ParseConfig(cfg)
	if err != nil {
		return nil, &dialect.ConnectionError{Dialect: model.MySQL, Err: err}
	}
	db, err := openDB(ctx, mc)
	if err != nil {
		return nil, &dialect.ConnectionError{Dialect: model.MySQL, Err: err}
	}
	return newConn(db, mc), nil
}

func newConn(db *sql.DB, mc *mysql.Config) *conn {
	return &conn{
		Conn: sqlbase.New(db, sqlbase.Options{
			Dialect:      model.MySQL,
			Syntax:       Dialect{Rules: Syntax},
			Database:     mc.DBName,
			Schema:       mc.DBName,
			VersionQuery: "SELECT VERSION()",
			Introspect:   introspect,
			ObjectExists: objectExists,
		}),
		cfg: mc,
	}
}

func openDB(ctx context.Context, mc *mysql.Config) (*sql.DB, error) {
	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// objectExists matches duplicate index (1061) and duplicate foreign key
// names: 1826 on MySQL 8, 1022 on 5.7 and MariaDB.
func objectExists(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	switch me.Number {
	case 1061, 1826, 1022:
		return true
	}
	return false
}

type conn struct {
	*sqlbase.Conn
	cfg *mysql.Config
}

// TruncateTable runs TRUNCATE with foreign_key_checks off on one session,
// since InnoDB refuses to truncate a referenced table otherwise.
func (c *conn) TruncateTable(ctx context.Context, table dialect.TableRef) error {
	sc, err := c.DB().Conn(ctx)
	if err != nil {
		return fmt.Errorf("truncate %s: %w", table, err)
	}
	defer sc.Close()
	if _, err := sc.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 0"); err != nil {
		return fmt.Errorf("truncate %s: %w", table, err)
	}
	defer sc.ExecContext(context.WithoutCancel(ctx), "SET FOREIGN_KEY_CHECKS = 1")
	stmt := "TRUNCATE TABLE " + Syntax.QualifiedName(table.Schema, table.Name)
	if _, err := sc.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("truncate %s: %w", table, err)
	}
	return nil
}

// SetConstraints toggles foreign_key_checks. The variable is per session, so
// the pool is reopened with it set as a connection parameter.
func (c *conn) SetConstraints(ctx context.Context, _ []dialect.TableRef, enabled bool) error {
	mc := c.cfg.Clone()
	if mc.Params == nil {
		mc.Params = map[string]string{}
	}
	if enabled {
		delete(mc.Params, "foreign_key_checks")
	} else {
		mc.Params["foreign_key_checks"] = "0"
	}
	db, err := openDB(ctx, mc)
	if err != nil {
		return fmt.Errorf("set foreign_key_checks=%t: %w", enabled, err)
	}
	c.cfg = mc
	return c.Swap(db)
}
