// Package tmdb is a small client for the TMDB v3 API covering the detail and
// trending endpoints the title cache needs.
package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"

	titlecache "github.com/wolfeidau/title-cache"
	"github.com/wolfeidau/title-cache/telemetry"
)

const (
	// DefaultBaseURL is the TMDB API host.
	DefaultBaseURL = "https://api.themoviedb.org"

	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 30 * time.Second

	// MaxCast and MaxCrew cap the people kept on a document.
	MaxCast = 20
	MaxCrew = 20
)

// ErrNotFound is returned when the title does not exist at the provider.
var ErrNotFound = errors.New("tmdb: not found")

var crewDepartments = []string{"Directing", "Writing", "Production"}

// Client fetches title metadata from TMDB.
type Client struct {
	baseURL     string
	apiKey      string
	bearerToken string
	language    string
	client      *http.Client
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL sets the API base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithAPIKey authenticates with the v3 api_key query parameter.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithBearerToken authenticates with a v4 read access token.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) {
		c.bearerToken = token
	}
}

// WithLanguage sets the response language, such as "en-US".
func WithLanguage(lang string) ClientOption {
	return func(c *Client) {
		c.language = lang
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithRateLimit allows n requests per interval. n <= 0 disables limiting.
func WithRateLimit(n int, per time.Duration) ClientOption {
	return func(c *Client) {
		if n <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(per/time.Duration(n)), n)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a TMDB client. The default limit is 40 requests every 10 seconds.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "tmdb"),
		},
		limiter: rate.NewLimiter(rate.Every(10*time.Second/40), 40),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "tmdb")
	return c
}

// FetchDetails fetches a title with its credits and normalizes it.
func (c *Client) FetchDetails(ctx context.Context, entityType titlecache.EntityType, id int64) (*titlecache.Document, error) {
	ref, err := titlecache.NewRef(entityType, id)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("append_to_response", "credits")

	var d details
	p := fmt.Sprintf("/3/%s/%d", entityType, id)
	if err := c.get(telemetry.WithEntityType(ctx, string(entityType)), p, q, &d); err != nil {
		return nil, err
	}

	return normalize(ref, &d), nil
}

// Trending fetches the first trending page for mediaType ("all", "movie" or
// "tv") over window ("day" or "week").
func (c *Client) Trending(ctx context.Context, mediaType, window string) ([]TrendingItem, error) {
	switch mediaType {
	case "all", "movie", "tv":
	default:
		return nil, fmt.Errorf("unsupported media type %q", mediaType)
	}
	switch window {
	case "day", "week":
	default:
		return nil, fmt.Errorf("unsupported time window %q", window)
	}

	var page trendingPage
	if err := c.get(ctx, "/3/trending/"+mediaType+"/"+window, url.Values{}, &page); err != nil {
		return nil, err
	}

	items := make([]TrendingItem, 0, len(page.Results))
	for _, r := range page.Results {
		mt := r.MediaType
		if mt == "" {
			mt = mediaType
		}
		// trending "all" also returns people
		if mt != string(titlecache.Movie) && mt != string(titlecache.TV) {
			continue
		}
		title := r.Title
		if title == "" {
			title = r.Name
		}
		items = append(items, TrendingItem{
			MediaType:   mt,
			ID:          r.ID,
			Title:       title,
			PosterPath:  deref(r.PosterPath),
			VoteAverage: r.VoteAverage,
			Popularity:  r.Popularity,
		})
	}
	return items, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limit: %w", err)
		}
	}

	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	if c.language != "" {
		q.Set("language", c.language)
	}
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && eb.StatusMessage != "" {
			return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, eb.StatusMessage)
		}
		return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func normalize(ref titlecache.Ref, d *details) *titlecache.Document {
	doc := &titlecache.Document{
		Ref:           ref,
		Title:         firstNonEmpty(d.Title, d.Name),
		OriginalTitle: firstNonEmpty(d.OriginalTitle, d.OriginalName),
		Overview:      d.Overview,
		Tagline:       d.Tagline,
		ReleaseDate:   firstNonEmpty(d.ReleaseDate, d.FirstAirDate),
		Runtime:       d.Runtime,
		VoteAverage:   d.VoteAverage,
		VoteCount:     d.VoteCount,
		Popularity:    d.Popularity,
		PosterPath:    deref(d.PosterPath),
		BackdropPath:  deref(d.BackdropPath),
	}
	if doc.Runtime == 0 && len(d.EpisodeRunTime) > 0 {
		doc.Runtime = d.EpisodeRunTime[0]
	}
	for _, g := range d.Genres {
		doc.Genres = append(doc.Genres, g.Name)
	}

	cast := slices.Clone(d.Credits.Cast)
	slices.SortStableFunc(cast, func(a, b castMember) int { return a.Order - b.Order })
	for _, m := range cast {
		if len(doc.Credits.Cast) == MaxCast {
			break
		}
		doc.Credits.Cast = append(doc.Credits.Cast, titlecache.CastMember{
			ID:          m.ID,
			Name:        m.Name,
			Character:   m.Character,
			Order:       m.Order,
			ProfilePath: deref(m.ProfilePath),
		})
	}

	for _, m := range d.Credits.Crew {
		if len(doc.Credits.Crew) == MaxCrew {
			break
		}
		if !slices.Contains(crewDepartments, m.Department) {
			continue
		}
		doc.Credits.Crew = append(doc.Credits.Crew, titlecache.CrewMember{
			ID:          m.ID,
			Name:        m.Name,
			Job:         m.Job,
			Department:  m.Department,
			ProfilePath: deref(m.ProfilePath),
		})
	}
	return doc
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
