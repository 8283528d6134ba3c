// Package model holds the dialect-independent representation of schemas,
// migration plans, results and conversion projects shared by every stage of
// the engine.
package model

import (
	"fmt"
	"sort"
	"strings"
)

// Dialect tags a database engine. Adapters register under these tags.
type Dialect string

const (
	PostgreSQL Dialect = "postgres"
	MySQL      Dialect = "mysql"
	SQLite     Dialect = "sqlite"
	SQLServer  Dialect = "mssql"
	MongoDB    Dialect = "mongodb"
)

// FieldType is the normalized column type shared by all dialects.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldInteger   FieldType = "integer"
	FieldBigInt    FieldType = "bigint"
	FieldFloat     FieldType = "float"
	FieldDouble    FieldType = "double"
	FieldDecimal   FieldType = "decimal"
	FieldBoolean   FieldType = "boolean"
	FieldDate      FieldType = "date"
	FieldDateTime  FieldType = "datetime"
	FieldTimestamp FieldType = "timestamp"
	FieldJSON      FieldType = "json"
	FieldUUID      FieldType = "uuid"
	FieldBinary    FieldType = "binary"
	FieldArray     FieldType = "array"
	FieldObject    FieldType = "object"
	FieldEnum      FieldType = "enum"
)

// FieldTypes lists every FieldType in declaration order.
var FieldTypes = []FieldType{
	FieldString, FieldInteger, FieldBigInt, FieldFloat, FieldDouble, FieldDecimal,
	FieldBoolean, FieldDate, FieldDateTime, FieldTimestamp, FieldJSON, FieldUUID,
	FieldBinary, FieldArray, FieldObject, FieldEnum,
}

// Valid reports whether ft is a member of the closed enumeration.
func (ft FieldType) Valid() bool {
	for _, t := range FieldTypes {
		if t == ft {
			return true
		}
	}
	return false
}

// IsNumeric reports whether values of ft are numbers.
func (ft FieldType) IsNumeric() bool {
	switch ft {
	case FieldInteger, FieldBigInt, FieldFloat, FieldDouble, FieldDecimal:
		return true
	}
	return false
}

// IsTemporal reports whether values of ft are dates or times.
func (ft FieldType) IsTemporal() bool {
	switch ft {
	case FieldDate, FieldDateTime, FieldTimestamp:
		return true
	}
	return false
}

// ConnectionConfig describes how to reach one database. It is copied into a
// project at creation time and never mutated afterwards.
type ConnectionConfig struct {
	Dialect  Dialect           `json:"dialect" toml:"dialect"`
	DSN      string            `json:"dsn,omitempty" toml:"dsn"`
	Host     string            `json:"host,omitempty" toml:"host"`
	Port     int               `json:"port,omitempty" toml:"port"`
	User     string            `json:"user,omitempty" toml:"user"`
	Password string            `json:"password,omitempty" toml:"password"`
	Database string            `json:"database,omitempty" toml:"database"`
	Schema   string            `json:"schema,omitempty" toml:"schema"`
	FilePath string            `json:"file_path,omitempty" toml:"file_path"`
	Options  map[string]string `json:"options,omitempty" toml:"options"`
}

// URI returns the connection string in the dialect's canonical scheme. An
// explicit DSN always wins over discrete fields.
func (c ConnectionConfig) URI() (string, error) {
	if c.DSN != "" {
		return c.DSN, nil
	}
	switch c.Dialect {
	case PostgreSQL:
		port := c.Port
		if port == 0 {
			port = 5432
		}
		return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s%s",
			c.User, c.Password, c.Host, port, c.Database, c.query()), nil
	case MySQL:
		port := c.Port
		if port == 0 {
			port = 3306
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s%s",
			c.User, c.Password, c.Host, port, c.Database, c.query()), nil
	case SQLite:
		path := c.FilePath
		if path == "" {
			path = c.Database
		}
		if path == "" {
			return "", fmt.Errorf("sqlite needs a file path")
		}
		return "file:" + path + c.query(), nil
	case SQLServer:
		port := c.Port
		if port == 0 {
			port = 1433
		}
		q := "?database=" + c.Database
		for _, k := range sortedKeys(c.Options) {
			q += "&" + k + "=" + c.Options[k]
		}
		return fmt.Sprintf("sqlserver://%s:%s@%s:%d%s", c.User, c.Password, c.Host, port, q), nil
	case MongoDB:
		port := c.Port
		if port == 0 {
			port = 27017
		}
		auth := ""
		if c.User != "" {
			auth = c.User + ":" + c.Password + "@"
		}
		return fmt.Sprintf("mongodb://%s%s:%d/%s%s", auth, c.Host, port, c.Database, c.query()), nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", c.Dialect)
	}
}

func (c ConnectionConfig) query() string {
	if len(c.Options) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c.Options))
	for _, k := range sortedKeys(c.Options) {
		parts = append(parts, k+"="+c.Options[k])
	}
	return "?" + strings.Join(parts, "&")
}

// Redacted returns a copy safe for logs and generated documents.
func (c ConnectionConfig) Redacted() ConnectionConfig {
	out := c
	if out.Password != "" {
		out.Password = "****"
	}
	if out.DSN != "" {
		out.DSN = redactDSN(out.DSN)
	}
	out.Options = nil
	return out
}

func redactDSN(dsn string) string {
	at := strings.LastIndexByte(dsn, '@')
	if at < 0 {
		return dsn
	}
	head := dsn[:at]
	start := strings.Index(head, "://")
	if start >= 0 {
		start += 3
	} else {
		start = 0
	}
	colon := strings.IndexByte(head[start:], ':')
	if colon < 0 {
		return dsn
	}
	return head[:start+colon+1] + "****" + dsn[at:]
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
