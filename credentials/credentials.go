// Package credentials resolves the secrets title-cache needs at startup: the
// API bearer token, the metadata provider key or read token, and the SQL
// store connection string.
//
// Secrets are written as a JSON text/template. Values come from the
// environment, from files (container secrets) or from registered secret
// providers such as 1Password:
//
//	{
//	  "auth_token": {{ env "TITLE_CACHE_TOKEN" | json }},
//	  "tmdb": {"read_token": {{ op "op://media/tmdb/read-token" | json }}},
//	  "database": {"driver": "postgres", "dsn": {{ file "/run/secrets/dsn" | json }}}
//	}
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"
)

// maxTemplateSize bounds the credentials template file (1MB).
const maxTemplateSize = 1 << 20

// Credentials holds all resolved credential values.
type Credentials struct {
	AuthToken string               `json:"auth_token,omitempty"`
	TMDB      *TMDBCredentials     `json:"tmdb,omitempty"`
	Database  *DatabaseCredentials `json:"database,omitempty"`
}

// TMDBCredentials authenticate with the metadata provider. Either key is
// sufficient; the read token is preferred when both are set.
type TMDBCredentials struct {
	APIKey    string `json:"api_key,omitempty"`
	ReadToken string `json:"read_token,omitempty"`
}

// DatabaseCredentials select and connect to a SQL metadata store.
type DatabaseCredentials struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// driverAliases maps accepted spellings to the store names the server uses.
var driverAliases = map[string]string{
	"sqlite":     "sqlite",
	"sqlite3":    "sqlite",
	"postgres":   "postgres",
	"postgresql": "postgres",
	"pgx":        "postgres",
}

// normalize trims pasted whitespace from secrets and canonicalises the
// database driver name.
func (c *Credentials) normalize() {
	c.AuthToken = strings.TrimSpace(c.AuthToken)
	if c.TMDB != nil {
		c.TMDB.APIKey = strings.TrimSpace(c.TMDB.APIKey)
		c.TMDB.ReadToken = strings.TrimSpace(c.TMDB.ReadToken)
	}
	if c.Database != nil {
		driver := strings.ToLower(strings.TrimSpace(c.Database.Driver))
		if canonical, ok := driverAliases[driver]; ok {
			driver = canonical
		}
		c.Database.Driver = driver
		c.Database.DSN = strings.TrimSpace(c.Database.DSN)
	}
}

// Validate checks that the resolved values are usable.
func (c *Credentials) Validate() error {
	if c.TMDB != nil && c.TMDB.APIKey == "" && c.TMDB.ReadToken == "" {
		return errors.New("tmdb credentials need an api_key or read_token")
	}
	if c.Database != nil {
		switch c.Database.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
		}
		if c.Database.DSN == "" {
			return errors.New("database credentials need a dsn")
		}
	}
	return nil
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver renders a credentials template and parses the result.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a secret provider as the template function name.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	return r.ResolveReader(ctx, f)
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxTemplateSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxTemplateSize)
	}

	rendered, err := r.render(ctx, string(data))
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := json.Unmarshal(rendered, &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}
	creds.normalize()
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	r.logger.Debug("credentials resolved",
		"auth_token", creds.AuthToken != "",
		"tmdb", creds.TMDB != nil,
		"database", creds.Database != nil)
	return &creds, nil
}

func (r *Resolver) render(ctx context.Context, text string) ([]byte, error) {
	s := &session{ctx: ctx, resolver: r, seen: make(map[string]string)}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(s.funcs()).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	return buf.Bytes(), nil
}

// session is one template execution. Provider lookups are memoized so a
// secret referenced twice is fetched once.
type session struct {
	ctx      context.Context
	resolver *Resolver
	seen     map[string]string
}

func (s *session) funcs() template.FuncMap {
	fm := template.FuncMap{
		"env":  lookupEnv,
		"file": readSecretFile,
		"json": jsonString,
	}
	for name, p := range s.resolver.providers {
		fm[name] = s.provider(name, p)
	}
	return fm
}

func (s *session) provider(name string, p SecretProvider) func(string) (string, error) {
	return func(ref string) (string, error) {
		key := name + ":" + ref
		if val, ok := s.seen[key]; ok {
			return val, nil
		}
		val, err := p(s.ctx, ref)
		if err != nil {
			return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
		}
		s.seen[key] = val
		return val, nil
	}
}

func lookupEnv(key string) (string, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("environment variable %q is not set", key)
	}
	return val, nil
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file %q: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func jsonString(v string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("JSON encoding value: %w", err)
	}
	return string(b), nil
}
