// Package options assembles the process configuration from struct
// defaults, an optional .env file, and DM_* environment overrides, in that
// precedence order (environment wins).
package options

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/isometry/dirmand/internal/direrr"
	"github.com/isometry/dirmand/internal/ldap"
	"github.com/isometry/dirmand/internal/trash"
)

// Options is the full process configuration.
type Options struct {
	LDAP  ldap.Config
	Trash trash.Config

	// Listen is the HTTP bind address.
	Listen string `default:":8080"`
	// APIPrefix is where the HTTP surface mounts.
	APIPrefix string `default:"/api/v1"`

	// AuthTokens holds static "token:user" pairs for bearer authentication.
	AuthTokens []string
	// AuthUserHeader names a trusted identity header, e.g. X-Forwarded-User.
	// Empty disables header authentication.
	AuthUserHeader string
	// CORSOrigins is the allowed origin list for the CORS middleware.
	CORSOrigins string `default:"*"`

	// SchemaPaths lists the flat-entity schema files.
	SchemaPaths []string
	// AuthzConfig is the per-branch authorization rules file. Empty
	// disables the authz plugin.
	AuthzConfig string
	// OrgBase overrides the organization tree root; defaults to the LDAP
	// base.
	OrgBase string

	LogLevel  string `default:"info"`
	LogFormat string `default:"json"`

	// WatchConfig enables hot reload of schema and authz files.
	WatchConfig bool
}

// Load builds the configuration: defaults, then .env (when present), then
// DM_* environment variables.
func Load() (*Options, error) {
	// Missing .env is the common case, not an error.
	_ = godotenv.Load()

	o := &Options{}
	if err := defaults.Set(o); err != nil {
		return nil, direrr.Wrap(direrr.KindConfigInvalid, "options.load", "", err)
	}
	o.applyEnv()

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// applyEnv overlays DM_* variables onto the struct.
func (o *Options) applyEnv() {
	envStrings("DM_LDAP_URL", &o.LDAP.URLs)
	envString("DM_LDAP_BIND_DN", &o.LDAP.BindDN)
	envString("DM_LDAP_BIND_PASSWORD", &o.LDAP.BindPassword)
	if v, ok := os.LookupEnv("DM_LDAP_AUTH_METHOD"); ok {
		o.LDAP.AuthMethod = ldap.AuthMethod(v)
	}
	envString("DM_LDAP_BASE", &o.LDAP.Base)
	envInt("DM_LDAP_POOL_SIZE", &o.LDAP.PoolSize)
	envDuration("DM_LDAP_CONNECTION_TTL", &o.LDAP.ConnectionTTL)
	envInt64("DM_LDAP_QUERY_CONCURRENCY", &o.LDAP.QueryConcurrency)
	envInt("DM_LDAP_CACHE_MAX", &o.LDAP.CacheMax)
	envDuration("DM_LDAP_CACHE_TTL", &o.LDAP.CacheTTL)
	envDuration("DM_LDAP_TIME_LIMIT", &o.LDAP.TimeLimit)
	envDuration("DM_LDAP_CONNECT_TIMEOUT", &o.LDAP.ConnectTimeout)
	envString("DM_LDAP_USER_MAIN_ATTRIBUTE", &o.LDAP.UserMainAttribute)
	envUint32("DM_LDAP_PAGE_SIZE", &o.LDAP.PageSize)

	envString("DM_KERBEROS_REALM", &o.LDAP.KerberosRealm)
	envString("DM_KERBEROS_CONFIG", &o.LDAP.KerberosConfig)
	envString("DM_KERBEROS_KEYTAB", &o.LDAP.KerberosKeytab)
	envString("DM_KERBEROS_CCACHE", &o.LDAP.KerberosCCache)
	envString("DM_KERBEROS_SPN", &o.LDAP.KerberosSPN)

	envString("DM_TRASH_BASE", &o.Trash.TrashBase)
	envStrings("DM_TRASH_WATCHED_BASES", &o.Trash.WatchedBases)
	envBoolPtr("DM_TRASH_ADD_METADATA", &o.Trash.AddMetadata)
	envBoolPtr("DM_TRASH_AUTO_CREATE", &o.Trash.AutoCreate)

	envString("DM_LISTEN", &o.Listen)
	envString("DM_API_PREFIX", &o.APIPrefix)
	envStrings("DM_AUTH_TOKENS", &o.AuthTokens)
	envString("DM_AUTH_USER_HEADER", &o.AuthUserHeader)
	envString("DM_CORS_ORIGINS", &o.CORSOrigins)

	envStrings("DM_LDAP_FLAT_SCHEMA", &o.SchemaPaths)
	envString("DM_AUTHZ_PER_BRANCH_CONFIG", &o.AuthzConfig)
	envString("DM_ORG_BASE", &o.OrgBase)

	envString("DM_LOG_LEVEL", &o.LogLevel)
	envString("DM_LOG_FORMAT", &o.LogFormat)
	envBool("DM_WATCH_CONFIG", &o.WatchConfig)
}

// Validate checks the whole configuration. The first problem found is
// returned as CONFIG_INVALID.
func (o *Options) Validate() error {
	if err := o.LDAP.ApplyDefaults(); err != nil {
		return direrr.Wrap(direrr.KindConfigInvalid, "options.validate", "", err)
	}
	if err := o.LDAP.Validate(); err != nil {
		return err
	}
	if o.TrashEnabled() {
		if err := o.Trash.Validate(); err != nil {
			return err
		}
	}
	if !strings.HasPrefix(o.APIPrefix, "/") {
		return direrr.Newf(direrr.KindConfigInvalid, "options.validate", "",
			"apiPrefix %q must start with /", o.APIPrefix)
	}
	if _, err := zerolog.ParseLevel(o.LogLevel); err != nil {
		return direrr.Wrapf(direrr.KindConfigInvalid, "options.validate", "", err,
			"invalid log level %q", o.LogLevel)
	}
	if o.LogFormat != "json" && o.LogFormat != "console" {
		return direrr.Newf(direrr.KindConfigInvalid, "options.validate", "",
			"invalid log format %q (want json or console)", o.LogFormat)
	}
	for _, pair := range o.AuthTokens {
		if !strings.Contains(pair, ":") {
			return direrr.Newf(direrr.KindConfigInvalid, "options.validate", "",
				"auth token entry %q is not token:user", pair)
		}
	}
	return nil
}

// TrashEnabled reports whether the trash plugin should load.
func (o *Options) TrashEnabled() bool {
	return o.Trash.TrashBase != ""
}

// AuthzEnabled reports whether the authz plugin should load.
func (o *Options) AuthzEnabled() bool {
	return o.AuthzConfig != ""
}

// OrgTreeBase resolves the organization tree root.
func (o *Options) OrgTreeBase() string {
	if o.OrgBase != "" {
		return o.OrgBase
	}
	return o.LDAP.Base
}

// SchemaVars returns the {placeholder} substitutions available to schema
// files.
func (o *Options) SchemaVars() map[string]string {
	return map[string]string{
		"base_dn":    o.LDAP.Base,
		"trash_base": o.Trash.TrashBase,
		"org_base":   o.OrgTreeBase(),
	}
}

// TokenUsers parses AuthTokens into a token -> user map.
func (o *Options) TokenUsers() map[string]string {
	out := make(map[string]string, len(o.AuthTokens))
	for _, pair := range o.AuthTokens {
		if token, user, ok := strings.Cut(pair, ":"); ok {
			out[token] = user
		}
	}
	return out
}

// NewLogger builds the root logger from LogLevel and LogFormat.
func (o *Options) NewLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(o.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if o.LogFormat == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

func envString(key string, target *string) {
	if v, ok := os.LookupEnv(key); ok {
		*target = v
	}
}

func envStrings(key string, target *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*target = out
}

func envInt(key string, target *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envInt64(key string, target *int64) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

func envUint32(key string, target *uint32) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*target = uint32(n)
		}
	}
}

func envBool(key string, target *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func envBoolPtr(key string, target **bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = &b
		}
	}
}

// envDuration accepts Go duration strings and falls back to bare seconds.
func envDuration(key string, target *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*target = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*target = time.Duration(n) * time.Second
	}
}
