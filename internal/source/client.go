package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	logx "chapterwatch/pkg/logx"
)

const maxBodyBytes = 4 << 20

// Config configures the MangaBaka client.
type Config struct {
	BaseURL      string
	AllowedHosts []string
	Timeout      time.Duration
	RatePerSec   float64
	UserAgent    string
}

// Client fetches series metadata from the MangaBaka API.
type Client struct {
	base    *url.URL
	allowed map[string]struct{}
	http    *http.Client
	limiter *rate.Limiter
	ua      string
	log     logx.Logger
	now     func() time.Time
}

type Option func(*Client)

// WithHTTPClient replaces the transport (tests). Redirect checking is
// re-installed on the given client copy.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			cp := *hc
			c.http = &cp
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(c *Client) { c.log = log } }

// New validates the base URL against the allow-list and builds a client.
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("source: base url: %w", err)
	}
	if base.Scheme != "https" && base.Scheme != "http" {
		return nil, fmt.Errorf("source: base url scheme %q: must be http or https", base.Scheme)
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allowed[h] = struct{}{}
		}
	}
	if _, ok := allowed[strings.ToLower(base.Hostname())]; !ok {
		return nil, fmt.Errorf("source: %q: %w", base.Hostname(), ErrHostNotAllowed)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 2
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = "chapterwatch/1.0"
	}

	c := &Client{
		base:    base,
		allowed: allowed,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		ua:      ua,
		log:     logx.Nop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.http.CheckRedirect = c.checkRedirect
	return c, nil
}

func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 5 {
		return errors.New("too many redirects")
	}
	if _, ok := c.allowed[strings.ToLower(req.URL.Hostname())]; !ok {
		return fmt.Errorf("redirect to %q: %w", req.URL.Hostname(), ErrHostNotAllowed)
	}
	return nil
}

// ValidateID checks that id is a positive decimal integer.
func ValidateID(id string) (string, error) {
	id = strings.TrimSpace(id)
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 || strings.HasPrefix(id, "+") {
		return "", ErrInvalidID
	}
	return strconv.FormatInt(n, 10), nil
}

// FetchSeries returns the current metadata for id. A merged series is
// followed once; the result then carries MergedInto.
func (c *Client) FetchSeries(ctx context.Context, id string) (Series, error) {
	s, err := c.fetch(ctx, id)
	if err != nil {
		return Series{}, err
	}
	if s.State == "merged" && s.MergedInto != "" && s.MergedInto != s.ID {
		target := s.MergedInto
		c.log.Debug("series merged; following", logx.String("id", id), logx.String("merged_with", target))
		m, err := c.fetch(ctx, target)
		if err != nil {
			return Series{}, err
		}
		m.MergedInto = target
		return m, nil
	}
	s.MergedInto = ""
	return s, nil
}

func (c *Client) fetch(ctx context.Context, rawID string) (Series, error) {
	const op = "fetch series"
	id, err := ValidateID(rawID)
	if err != nil {
		return Series{}, &Error{Kind: Permanent, Op: op, ID: rawID, Err: err}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Series{}, &Error{Kind: Transient, Op: op, ID: id, Err: err}
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/series/" + id + "/full"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Series{}, &Error{Kind: Permanent, Op: op, ID: id, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)

	resp, err := c.http.Do(req)
	if err != nil {
		return Series{}, &Error{Kind: classifyTransport(err), Op: op, ID: id, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return Series{}, &Error{Kind: Transient, Op: op, ID: id, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Series{}, &Error{Kind: classifyStatus(resp.StatusCode), Op: op, ID: id, StatusCode: resp.StatusCode, Err: errors.New(snippet(body))}
	}
	if len(body) > maxBodyBytes {
		return Series{}, &Error{Kind: Permanent, Op: op, ID: id, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidResponse, maxBodyBytes)}
	}

	s, err := parseSeries(body)
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			se.Op, se.ID = op, id
			return Series{}, se
		}
		return Series{}, &Error{Kind: Permanent, Op: op, ID: id, StatusCode: resp.StatusCode, Err: err}
	}
	s.FetchedAt = c.now().UTC()
	return s, nil
}

type seriesDTO struct {
	ID            json.RawMessage `json:"id"`
	Title         string          `json:"title"`
	TotalChapters json.RawMessage `json:"total_chapters"`
	State         string          `json:"state"`
	MergedWith    json.RawMessage `json:"merged_with"`
}

var lastUpdatedSources = []string{
	"anilist", "my_anime_list", "anime_news_network", "manga_updates", "kitsu", "shikimori", "mangadex",
}

// parseSeries accepts either {"status":..,"data":{series}} or a bare series.
// id must be present and total_chapters must be absent, null, a non-negative
// integer, or a string holding one.
func parseSeries(body []byte) (Series, error) {
	if !gjson.ValidBytes(body) {
		return Series{}, fmt.Errorf("%w: not json", ErrInvalidResponse)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return Series{}, fmt.Errorf("%w: top level is not an object", ErrInvalidResponse)
	}

	obj := root
	if data := root.Get("data"); data.Exists() {
		if !data.IsObject() {
			return Series{}, fmt.Errorf("%w: data is not an object", ErrInvalidResponse)
		}
		if st := root.Get("status"); st.Type == gjson.Number && st.Int() != 200 {
			code := int(st.Int())
			return Series{}, &Error{Kind: classifyStatus(code), StatusCode: code, Err: fmt.Errorf("envelope status %d", code)}
		}
		obj = data
	}

	var dto seriesDTO
	dec := json.NewDecoder(bytes.NewReader([]byte(obj.Raw)))
	if err := dec.Decode(&dto); err != nil {
		return Series{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	id, ok := scalarString(dto.ID)
	if !ok || id == "" {
		return Series{}, fmt.Errorf("%w: missing id", ErrInvalidResponse)
	}
	total, err := parseCount(dto.TotalChapters)
	if err != nil {
		return Series{}, err
	}
	merged, _ := scalarString(dto.MergedWith)

	s := Series{
		ID:            id,
		Title:         strings.TrimSpace(dto.Title),
		TotalChapters: total,
		State:         strings.ToLower(strings.TrimSpace(dto.State)),
		MergedInto:    merged,
	}

	// Optional metadata is best effort: wrong types are ignored, not rejected.
	for _, k := range []string{"cover.small", "cover.default", "cover.raw"} {
		if v := obj.Get(k); v.Type == gjson.String && v.Str != "" {
			s.Cover = v.Str
			break
		}
	}
	if v := obj.Get("last_updated_at"); v.Type == gjson.String && v.Str != "" {
		s.LastChapterAt = v.Str
	} else {
		for _, src := range lastUpdatedSources {
			if v := obj.Get("source." + src + ".last_updated_at"); v.Type == gjson.String && v.Str != "" {
				s.LastChapterAt = v.Str
				break
			}
		}
	}
	return s, nil
}

// parseCount accepts null/absent, a JSON integer (or integral float), or a
// numeric string ("12", "12.0").
func parseCount(raw json.RawMessage) (*int, error) {
	t := strings.TrimSpace(string(raw))
	if t == "" || t == "null" {
		return nil, nil
	}
	var s string
	if strings.HasPrefix(t, `"`) {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: total_chapters: %v", ErrInvalidResponse, err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
	} else {
		s = t
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int64(f)) {
		return nil, fmt.Errorf("%w: total_chapters %s is not an integer", ErrInvalidResponse, t)
	}
	if f < 0 || f > 1e7 {
		return nil, fmt.Errorf("%w: total_chapters %s out of range", ErrInvalidResponse, t)
	}
	n := int(f)
	return &n, nil
}

// scalarString renders a JSON string or number as a string.
func scalarString(raw json.RawMessage) (string, bool) {
	t := strings.TrimSpace(string(raw))
	if t == "" || t == "null" {
		return "", false
	}
	if strings.HasPrefix(t, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return strings.TrimSpace(s), true
	}
	if _, err := strconv.ParseFloat(t, 64); err != nil {
		return "", false
	}
	return t, true
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
