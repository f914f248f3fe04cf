package opensubtitles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gayhub/subpool/internal/language"
	"github.com/gayhub/subpool/internal/provider"
	"github.com/gayhub/subpool/internal/subtitle"
	"github.com/gayhub/subpool/internal/video"
)

const (
	Name             = "opensubtitles"
	defaultBaseURL   = "https://api.opensubtitles.com/api/v1"
	defaultUserAgent = "subpool v0.1.0"
	hashName         = "opensubtitles"
	maxFileSize      = 8 << 20
)

var supported = []string{"en", "zh-Hans", "zh-Hant", "fr", "de", "es", "it", "pt", "pt-BR", "ja", "ko"}

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	userAgent  string
	username   string
	password   string
	limit      int

	mu    sync.Mutex
	token string
}

// New builds the client from its provider config: api_key (required),
// user_agent, username, password, base_url, limit.
func New(cfg provider.Config) (provider.Provider, error) {
	apiKey := cfg.String("api_key")
	if apiKey == "" {
		return nil, fmt.Errorf("opensubtitles api_key is empty")
	}
	userAgent := cfg.String("user_agent")
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	base := cfg.String("base_url")
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 20 * time.Second},
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     apiKey,
		userAgent:  userAgent,
		username:   cfg.String("username"),
		password:   cfg.String("password"),
		limit:      cfg.Int("limit", 20),
	}, nil
}

func (c *Client) Name() string {
	return Name
}

func (c *Client) Languages() language.Set {
	out := make(language.Set, len(supported))
	for _, code := range supported {
		out.Add(language.MustParse(code))
	}
	return out
}

func (c *Client) VideoTypes() []video.Kind {
	return []video.Kind{video.KindMovie, video.KindEpisode}
}

func (c *Client) Check(v *video.Video) bool {
	if v == nil {
		return false
	}
	if v.Hashes[hashName] != "" || v.IMDBID != "" {
		return true
	}
	if v.IsEpisode() {
		return strings.TrimSpace(v.Series) != ""
	}
	return strings.TrimSpace(v.Title) != ""
}

type loginResponse struct {
	Token string `json:"token"`
}

// Initialize logs in when credentials are configured. Anonymous use needs
// only the api key.
func (c *Client) Initialize(ctx context.Context) error {
	if c.username == "" || c.password == "" {
		return nil
	}
	bodyRaw, _ := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	req, err := c.newRequest(ctx, http.MethodPost, "/login", bytes.NewReader(bodyRaw))
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.NewError(Name, "initialize", provider.Classify(err), err)
	}
	defer resp.Body.Close()
	if err := provider.CheckResponse(Name, "initialize", resp); err != nil {
		return err
	}

	var payload loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("opensubtitles decode login: %w", err)
	}
	if strings.TrimSpace(payload.Token) == "" {
		return fmt.Errorf("opensubtitles: empty login token")
	}
	c.mu.Lock()
	c.token = payload.Token
	c.mu.Unlock()
	return nil
}

// Terminate logs out a logged-in session and drops idle connections.
func (c *Client) Terminate(ctx context.Context) error {
	defer c.httpClient.CloseIdleConnections()
	c.mu.Lock()
	token := c.token
	c.token = ""
	c.mu.Unlock()
	if token == "" {
		return nil
	}
	req, err := c.newRequest(ctx, http.MethodDelete, "/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.NewError(Name, "terminate", provider.Classify(err), err)
	}
	defer resp.Body.Close()
	return provider.CheckResponse(Name, "terminate", resp)
}

type searchResponse struct {
	Data []searchItem `json:"data"`
}

type searchItem struct {
	ID         string `json:"id"`
	Attributes struct {
		Language        string `json:"language"`
		Release         string `json:"release"`
		HearingImpaired bool   `json:"hearing_impaired"`
		MovieHashMatch  bool   `json:"moviehash_match"`
		URL             string `json:"url"`
		Files           []struct {
			FileID   int64  `json:"file_id"`
			FileName string `json:"file_name"`
		} `json:"files"`
		FeatureDetails struct {
			Title         string `json:"title"`
			ParentTitle   string `json:"parent_title"`
			Year          int    `json:"year"`
			IMDBID        int64  `json:"imdb_id"`
			SeasonNumber  int    `json:"season_number"`
			EpisodeNumber int    `json:"episode_number"`
		} `json:"feature_details"`
	} `json:"attributes"`
}

func (c *Client) ListSubtitles(ctx context.Context, v *video.Video, langs language.Set) ([]*subtitle.Subtitle, error) {
	params := url.Values{}
	codes := make([]string, 0, langs.Len())
	for _, l := range langs.Sorted() {
		codes = append(codes, toAPILanguage(l))
	}
	params.Set("languages", strings.Join(codes, ","))

	hash := v.Hashes[hashName]
	if hash != "" {
		params.Set("moviehash", hash)
	}
	if id := imdbNumber(v.IMDBID); id != "" {
		params.Set("imdb_id", id)
	}
	q := strings.TrimSpace(v.Title)
	if v.IsEpisode() {
		q = strings.TrimSpace(v.Series)
		params.Set("season_number", strconv.Itoa(v.Season))
		params.Set("episode_number", strconv.Itoa(v.Episode))
	} else if v.Year > 0 {
		params.Set("year", strconv.Itoa(v.Year))
	}
	if q != "" {
		params.Set("query", q)
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/subtitles?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, provider.NewError(Name, "search", provider.Classify(err), err)
	}
	defer resp.Body.Close()
	if err := provider.CheckResponse(Name, "search", resp); err != nil {
		return nil, err
	}

	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("opensubtitles decode search: %w", err)
	}
	if len(payload.Data) > c.limit {
		payload.Data = payload.Data[:c.limit]
	}

	out := make([]*subtitle.Subtitle, 0, len(payload.Data))
	for _, item := range payload.Data {
		attrs := item.Attributes
		if len(attrs.Files) == 0 || attrs.Files[0].FileID <= 0 {
			continue
		}
		lang, err := fromAPILanguage(attrs.Language)
		if err != nil {
			// An unmappable code means the table above is stale; surface it.
			return nil, provider.NewError(Name, "search", provider.KindLanguageReverse, err)
		}
		if !langs.Has(lang) {
			continue
		}

		fileID := strconv.FormatInt(attrs.Files[0].FileID, 10)
		sub := &subtitle.Subtitle{
			ID:                        fileID,
			Provider:                  Name,
			Language:                  lang,
			PageLink:                  attrs.URL,
			HearingImpaired:           attrs.HearingImpaired,
			HearingImpairedVerifiable: true,
			HashVerifiable:            true,
			Title:                     firstNonEmpty(attrs.FeatureDetails.Title, v.Title),
			Year:                      attrs.FeatureDetails.Year,
			DownloadRef:               fileID,
		}
		if attrs.FeatureDetails.IMDBID > 0 {
			sub.IMDBID = fmt.Sprintf("tt%07d", attrs.FeatureDetails.IMDBID)
		}
		if v.IsEpisode() {
			sub.Series = firstNonEmpty(attrs.FeatureDetails.ParentTitle, v.Series)
			sub.Season = attrs.FeatureDetails.SeasonNumber
			sub.Episode = attrs.FeatureDetails.EpisodeNumber
		}
		if attrs.MovieHashMatch && hash != "" {
			sub.Hash = hash
		}
		release := firstNonEmpty(attrs.Release, attrs.Files[0].FileName)
		if release != "" {
			sub.SetRelease(release)
		}
		out = append(out, sub)
	}
	return out, nil
}

type downloadResponse struct {
	Link      string `json:"link"`
	Remaining int    `json:"remaining"`
	Message   string `json:"message"`
}

func (c *Client) DownloadSubtitle(ctx context.Context, sub *subtitle.Subtitle) error {
	fileID, err := strconv.ParseInt(firstNonEmpty(sub.DownloadRef, sub.ID), 10, 64)
	if err != nil {
		return provider.NewError(Name, "download", provider.KindMustBlacklist, fmt.Errorf("bad file id %q: %w", sub.ID, err))
	}
	bodyRaw, _ := json.Marshal(map[string]int64{"file_id": fileID})
	req, err := c.newRequest(ctx, http.MethodPost, "/download", bytes.NewReader(bodyRaw))
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.NewError(Name, "download", provider.Classify(err), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotAcceptable {
		// Daily quota exhausted.
		return provider.NewError(Name, "download", provider.KindNoMoreResults, fmt.Errorf("download quota reached"))
	}
	if err := provider.CheckResponse(Name, "download", resp); err != nil {
		return err
	}

	var payload downloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("opensubtitles decode download: %w", err)
	}
	if payload.Link == "" {
		return provider.NewError(Name, "download", provider.KindMustBlacklist, fmt.Errorf("no link for file %d: %s", fileID, payload.Message))
	}

	fileReq, err := http.NewRequestWithContext(ctx, http.MethodGet, payload.Link, nil)
	if err != nil {
		return err
	}
	fileReq.Header.Set("User-Agent", c.userAgent)
	fileResp, err := c.httpClient.Do(fileReq)
	if err != nil {
		return provider.NewError(Name, "download", provider.Classify(err), err)
	}
	defer fileResp.Body.Close()
	if err := provider.CheckResponse(Name, "download", fileResp); err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(fileResp.Body, maxFileSize))
	if err != nil {
		return provider.NewError(Name, "download", provider.Classify(err), err)
	}
	sub.Content = data
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func toAPILanguage(l language.Language) string {
	switch l.Code {
	case "zh-Hans":
		return "zh-cn"
	case "zh-Hant":
		return "zh-tw"
	case "pt":
		return "pt-pt"
	default:
		return strings.ToLower(l.Code)
	}
}

func fromAPILanguage(code string) (language.Language, error) {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "pt-pt":
		return language.Parse("pt")
	case "ze":
		// Chinese/English bilingual releases.
		return language.Parse("zh-Hans")
	}
	return provider.NormalizeLanguage(code)
}

func imdbNumber(raw string) string {
	raw = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "tt")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return ""
	}
	return strconv.FormatInt(n, 10)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
