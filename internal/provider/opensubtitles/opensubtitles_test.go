package opensubtitles

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gayhub/subpool/internal/language"
	"github.com/gayhub/subpool/internal/provider"
	"github.com/gayhub/subpool/internal/subtitle"
	"github.com/gayhub/subpool/internal/video"
)

func newTestClient(t *testing.T, handler http.Handler, extra provider.Config) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := provider.Config{"api_key": "key", "base_url": srv.URL}
	for k, v := range extra {
		cfg[k] = v
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p.(*Client), srv
}

func TestInitializeLogsInAndTerminateLogsOut(t *testing.T) {
	var loggedOut atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "u" || body["password"] != "p" {
			t.Errorf("unexpected login body %v", body)
		}
		if r.Header.Get("Api-Key") != "key" {
			t.Errorf("missing api key header")
		}
		w.Write([]byte(`{"token":"jwt"}`))
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer jwt" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		loggedOut.Store(true)
		w.Write([]byte(`{}`))
	})
	c, _ := newTestClient(t, mux, provider.Config{"username": "u", "password": "p"})

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if c.token != "jwt" {
		t.Fatalf("token = %q", c.token)
	}
	if err := c.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !loggedOut.Load() {
		t.Fatal("expected logout call")
	}
}

func TestInitializeAnonymous(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	}), nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

func TestListSubtitles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/subtitles", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("moviehash") != "8e245d9679d31e12" {
			t.Errorf("moviehash = %q", q.Get("moviehash"))
		}
		if q.Get("imdb_id") != "113277" {
			t.Errorf("imdb_id = %q", q.Get("imdb_id"))
		}
		if q.Get("languages") != "en,zh-cn" {
			t.Errorf("languages = %q", q.Get("languages"))
		}
		w.Write([]byte(`{"data":[
			{"id":"1","attributes":{"language":"en","release":"Heat.1995.1080p.BluRay","hearing_impaired":true,"moviehash_match":true,
				"files":[{"file_id":101,"file_name":"Heat.srt"}],"feature_details":{"title":"Heat","year":1995,"imdb_id":113277}}},
			{"id":"2","attributes":{"language":"zh-cn","release":"","files":[{"file_id":102,"file_name":"Heat.chs.srt"}],
				"feature_details":{"title":"Heat","year":1995}}},
			{"id":"3","attributes":{"language":"fr","files":[{"file_id":103}],"feature_details":{"title":"Heat"}}},
			{"id":"4","attributes":{"language":"en","files":[]}}
		]}`))
	})
	c, _ := newTestClient(t, mux, nil)

	v := &video.Video{
		Kind:   video.KindMovie,
		Title:  "Heat",
		Year:   1995,
		IMDBID: "tt0113277",
		Hashes: map[string]string{"opensubtitles": "8e245d9679d31e12"},
	}
	langs := language.NewSet(language.MustParse("en"), language.MustParse("zh-Hans"))
	subs, err := c.ListSubtitles(context.Background(), v, langs)
	if err != nil {
		t.Fatalf("ListSubtitles: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 subtitles, got %d", len(subs))
	}
	en := subs[0]
	if en.ID != "101" || !en.HearingImpaired || en.Hash != "8e245d9679d31e12" || en.IMDBID != "tt0113277" {
		t.Fatalf("unexpected english subtitle %+v", en)
	}
	if en.Release() != "Heat.1995.1080p.BluRay" {
		t.Fatalf("release = %q", en.Release())
	}
	zh := subs[1]
	if zh.Language.Code != "zh-Hans" || zh.Release() != "Heat.chs.srt" || zh.Hash != "" {
		t.Fatalf("unexpected chinese subtitle %+v", zh)
	}
}

func TestListSubtitlesUnmappableLanguage(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"1","attributes":{"language":"??","files":[{"file_id":1}]}}]}`))
	}), nil)
	_, err := c.ListSubtitles(context.Background(), &video.Video{Title: "Heat"}, language.NewSet(language.MustParse("en")))
	if kind := provider.Classify(err); kind != provider.KindLanguageReverse {
		t.Fatalf("kind = %s, want language_reverse (err %v)", kind, err)
	}
}

func TestDownloadSubtitle(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int64
		json.NewDecoder(r.Body).Decode(&body)
		if body["file_id"] != 101 {
			t.Errorf("file_id = %d", body["file_id"])
		}
		w.Write([]byte(`{"link":"` + srvURL + `/file/101","remaining":9}`))
	})
	mux.HandleFunc("/file/101", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1\n00:00:01,000 --> 00:00:02,000\nHi\n"))
	})
	c, srv := newTestClient(t, mux, nil)
	srvURL = srv.URL

	sub := &subtitle.Subtitle{ID: "101", DownloadRef: "101"}
	if err := c.DownloadSubtitle(context.Background(), sub); err != nil {
		t.Fatalf("DownloadSubtitle: %v", err)
	}
	if len(sub.Content) == 0 {
		t.Fatal("expected content")
	}
}

func TestDownloadSubtitleQuota(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotAcceptable)
	}), nil)
	err := c.DownloadSubtitle(context.Background(), &subtitle.Subtitle{ID: "101"})
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Kind != provider.KindNoMoreResults {
		t.Fatalf("expected no-more-results error, got %v", err)
	}
}

func TestLanguageMapping(t *testing.T) {
	cases := map[string]string{
		"zh-Hans": "zh-cn",
		"zh-Hant": "zh-tw",
		"pt":      "pt-pt",
		"pt-BR":   "pt-br",
		"en":      "en",
	}
	for code, want := range cases {
		if got := toAPILanguage(language.MustParse(code)); got != want {
			t.Errorf("toAPILanguage(%s) = %q, want %q", code, got, want)
		}
		back, err := fromAPILanguage(want)
		if err != nil || back.Code != code {
			t.Errorf("fromAPILanguage(%s) = %v, %v; want %s", want, back, err, code)
		}
	}
}
