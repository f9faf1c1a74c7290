// Package dbconn carries database connection descriptors between the CLI
// layer and the statement execution engine.
//
// A ConnInfo is read-only shared configuration: it is constructed once by
// the caller, passed by value into every engine, runner, and allocator call,
// and never parsed or mutated beyond reading. Each call site that needs a
// live session opens its own via Open and owns its lifetime; live handles
// are never shared across workers.
package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ConnInfo identifies a database and how to reach it.
type ConnInfo struct {
	// Driver is the database/sql driver name ("postgres" or "sqlite3").
	Driver string

	// ConnStr is the driver-specific connection string. For postgres this
	// is a libpq keyword/value string as produced by MakeConnString.
	ConnStr string
}

// Open establishes a new session against the described database and
// verifies it with a ping. The caller owns the returned handle and must
// close it; ConnInfo itself holds no live state.
func (c ConnInfo) Open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open(c.Driver, c.ConnStr)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", c.Driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to %s database: %w", c.Driver, err)
	}
	return db, nil
}

var (
	hostRe       = regexp.MustCompile(`host=(\S*)`)
	portRe       = regexp.MustCompile(`port=(\S*)`)
	dbnameRe     = regexp.MustCompile(`dbname=(\S*)`)
	userRe       = regexp.MustCompile(`user=(\S*)`)
	searchPathRe = regexp.MustCompile(`search_path=(.*?)[' ]`)
)

// LogAttrs extracts loggable connection details (user, host, port, dbname,
// search_path) from the connection string. The password is never included.
// Fields absent from the connection string are omitted.
func (c ConnInfo) LogAttrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 5)
	for _, f := range []struct {
		key string
		re  *regexp.Regexp
	}{
		{"user", userRe},
		{"host", hostRe},
		{"port", portRe},
		{"dbname", dbnameRe},
		{"search_path", searchPathRe},
	} {
		if m := f.re.FindStringSubmatch(c.ConnStr); m != nil && m[1] != "" {
			attrs = append(attrs, slog.String(f.key, m[1]))
		}
	}
	return attrs
}

// MakeConnString translates a postgresql:// URI into a libpq keyword/value
// connection string.
//
// If searchPath is non-empty it is carried in the options parameter as
// "-c search_path=...", overriding any search_path already present in the
// URI. If password is non-empty it overrides any password in the URI. Query
// parameters other than options are passed through unchanged, in sorted
// order for stability.
func MakeConnString(uri, searchPath, password string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse database uri: %w", err)
	}
	params := u.Query()

	var parts []string
	if h := u.Hostname(); h != "" {
		parts = append(parts, "host="+h)
	}
	if p := u.Port(); p != "" {
		parts = append(parts, "port="+p)
	}
	if u.Path != "" {
		parts = append(parts, "dbname="+strings.TrimPrefix(u.Path, "/"))
	}
	if u.User != nil && u.User.Username() != "" {
		parts = append(parts, "user="+u.User.Username())
	}
	if password != "" {
		parts = append(parts, "password="+password)
	} else if u.User != nil {
		if pw, ok := u.User.Password(); ok {
			parts = append(parts, "password="+pw)
		}
	}

	opts, err := parseOptions(params, searchPath)
	if err != nil {
		return "", err
	}
	if opts != "" {
		params["options"] = []string{opts}
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range params[k] {
			if strings.Contains(v, " ") {
				v = "'" + v + "'"
			}
			parts = append(parts, k+"="+v)
		}
	}

	return strings.Join(parts, " "), nil
}

// parseOptions folds an existing options query parameter together with the
// search path override into a single canonical "-c k=v ..." value.
func parseOptions(params url.Values, searchPath string) (string, error) {
	opts := map[string]string{}

	if vals, ok := params["options"]; ok {
		if len(vals) > 1 {
			return "", fmt.Errorf("more than one options query parameter in uri")
		}
		raw := strings.Trim(vals[0], "'")
		for _, opt := range strings.Split(raw, "-c ") {
			opt = strings.TrimSpace(opt)
			if opt == "" {
				continue
			}
			k, v, ok := strings.Cut(opt, "=")
			if !ok {
				return "", fmt.Errorf("malformed options entry %q in uri", opt)
			}
			opts[k] = v
		}
		delete(params, "options")
	}

	if searchPath != "" {
		opts["search_path"] = searchPath
	}

	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b []string
	for _, k := range keys {
		b = append(b, fmt.Sprintf("-c %s=%s", k, opts[k]))
	}
	return strings.Join(b, " "), nil
}
