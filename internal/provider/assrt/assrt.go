package assrt

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gayhub/subpool/internal/language"
	"github.com/gayhub/subpool/internal/provider"
	"github.com/gayhub/subpool/internal/subtitle"
	"github.com/gayhub/subpool/internal/video"
)

const (
	Name           = "assrt"
	defaultBaseURL = "https://api.assrt.net/v1"
	maxFileSize    = 8 << 20
)

type Client struct {
	httpClient *http.Client
	token      string
	baseURL    string
	limit      int
}

// New builds the client from its provider config: token (required), base_url,
// limit.
func New(cfg provider.Config) (provider.Provider, error) {
	token := cfg.String("token")
	if token == "" {
		return nil, fmt.Errorf("assrt token is empty")
	}
	base := cfg.String("base_url")
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 20 * time.Second},
		token:      token,
		baseURL:    strings.TrimRight(base, "/"),
		limit:      cfg.Int("limit", 20),
	}, nil
}

func (c *Client) Name() string {
	return Name
}

func (c *Client) Languages() language.Set {
	return language.NewSet(
		language.MustParse("zh-Hans"),
		language.MustParse("zh-Hant"),
		language.MustParse("en"),
	)
}

func (c *Client) VideoTypes() []video.Kind {
	return []video.Kind{video.KindMovie, video.KindEpisode}
}

func (c *Client) Check(v *video.Video) bool {
	if v == nil {
		return false
	}
	if v.IsEpisode() {
		return strings.TrimSpace(v.Series) != ""
	}
	return strings.TrimSpace(v.Title) != ""
}

func (c *Client) Initialize(context.Context) error { return nil }

func (c *Client) Terminate(context.Context) error {
	c.httpClient.CloseIdleConnections()
	return nil
}

type searchResponse struct {
	Status int `json:"status"`
	Sub    struct {
		Subs []subItem `json:"subs"`
	} `json:"sub"`
}

type subItem struct {
	ID         int64  `json:"id"`
	NativeName string `json:"native_name"`
	VideoName  string `json:"videoname"`
	Lang       struct {
		Desc string `json:"desc"`
	} `json:"lang"`
	VoteScore float64 `json:"vote_score"`
}

type detailResponse struct {
	Status int `json:"status"`
	Sub    struct {
		Subs []struct {
			URL      string `json:"url"`
			FileName string `json:"filename"`
			FileList []struct {
				URL  string `json:"url"`
				Name string `json:"f"`
			} `json:"filelist"`
		} `json:"subs"`
	} `json:"sub"`
}

func (c *Client) ListSubtitles(ctx context.Context, v *video.Video, langs language.Set) ([]*subtitle.Subtitle, error) {
	q := strings.TrimSpace(v.Title)
	if v.IsEpisode() {
		q = fmt.Sprintf("%s S%02dE%02d", strings.TrimSpace(v.Series), v.Season, v.Episode)
	} else if v.Year > 0 {
		q = fmt.Sprintf("%s %d", q, v.Year)
	}

	query := url.Values{}
	query.Set("token", c.token)
	query.Set("q", q)
	query.Set("cnt", strconv.Itoa(c.limit))

	var payload searchResponse
	if err := c.getJSON(ctx, "search", "/sub/search?"+query.Encode(), &payload); err != nil {
		return nil, err
	}
	if payload.Status != 0 {
		return nil, provider.NewError(Name, "search", provider.KindUnknown, fmt.Errorf("assrt status %d", payload.Status))
	}

	out := make([]*subtitle.Subtitle, 0, len(payload.Sub.Subs))
	for _, item := range payload.Sub.Subs {
		lang, err := provider.NormalizeLanguage(item.Lang.Desc)
		if err != nil || !langs.Has(lang) {
			continue
		}
		sub := &subtitle.Subtitle{
			ID:       strconv.FormatInt(item.ID, 10),
			Provider: Name,
			Language: lang,
			Title:    firstNonEmpty(item.NativeName, v.Title),
			PageLink: fmt.Sprintf("https://assrt.net/xml/sub/%d.xml", item.ID),
		}
		if v.IsEpisode() {
			sub.Series = firstNonEmpty(v.Series, item.NativeName)
			sub.Season = v.Season
			sub.Episode = v.Episode
		}
		if strings.TrimSpace(item.VideoName) != "" {
			sub.SetRelease(strings.TrimSpace(item.VideoName))
		}
		out = append(out, sub)
	}
	return out, nil
}

func (c *Client) DownloadSubtitle(ctx context.Context, sub *subtitle.Subtitle) error {
	query := url.Values{}
	query.Set("token", c.token)
	query.Set("id", sub.ID)

	var detail detailResponse
	if err := c.getJSON(ctx, "download", "/sub/detail?"+query.Encode(), &detail); err != nil {
		return err
	}
	if detail.Status != 0 || len(detail.Sub.Subs) == 0 {
		return provider.NewError(Name, "download", provider.KindMustBlacklist, fmt.Errorf("assrt detail status %d for %s", detail.Status, sub.ID))
	}

	entry := detail.Sub.Subs[0]
	for _, f := range entry.FileList {
		if isSubtitleFile(f.Name) {
			data, err := c.fetch(ctx, f.URL)
			if err != nil {
				return err
			}
			sub.Content = data
			return nil
		}
	}
	if entry.URL == "" {
		return provider.NewError(Name, "download", provider.KindMustBlacklist, fmt.Errorf("no downloadable file for %s", sub.ID))
	}

	data, err := c.fetch(ctx, entry.URL)
	if err != nil {
		return err
	}
	if strings.EqualFold(path.Ext(entry.FileName), ".zip") || bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		data, err = extractFromZip(data)
		if err != nil {
			return provider.NewError(Name, "download", provider.KindArchive, err)
		}
	}
	sub.Content = data
	return nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.NewError(Name, op, provider.Classify(err), err)
	}
	defer resp.Body.Close()

	if err := provider.CheckResponse(Name, op, resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("assrt decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, provider.NewError(Name, "download", provider.Classify(err), err)
	}
	defer resp.Body.Close()
	if err := provider.CheckResponse(Name, "download", resp); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFileSize))
}

func extractFromZip(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !isSubtitleFile(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(io.LimitReader(rc, maxFileSize))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		return content, nil
	}
	return nil, fmt.Errorf("archive holds no subtitle file")
}

func isSubtitleFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".srt", ".ass", ".ssa", ".vtt", ".sub":
		return true
	default:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
