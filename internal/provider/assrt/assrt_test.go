package assrt

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gayhub/subpool/internal/language"
	"github.com/gayhub/subpool/internal/provider"
	"github.com/gayhub/subpool/internal/subtitle"
	"github.com/gayhub/subpool/internal/video"
)

const srtBody = "1\n00:00:01,000 --> 00:00:02,000\nHello\n"

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := New(provider.Config{"token": "tok", "base_url": srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p.(*Client)
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(provider.Config{}); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestListSubtitlesFiltersLanguages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sub/search", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "tok" {
			t.Errorf("token = %q", got)
		}
		if got := r.URL.Query().Get("q"); got != "Dark S01E02" {
			t.Errorf("q = %q", got)
		}
		w.Write([]byte(`{"status":0,"sub":{"subs":[
			{"id":11,"native_name":"暗黑","videoname":"Dark.S01E02.1080p.WEB-DL","lang":{"desc":"简体"}},
			{"id":12,"native_name":"暗黑","videoname":"","lang":{"desc":"English"}},
			{"id":13,"native_name":"暗黑","videoname":"x","lang":{"desc":"??"}}
		]}}`))
	})
	c := newTestClient(t, mux)

	v := &video.Video{Kind: video.KindEpisode, Series: "Dark", Season: 1, Episode: 2}
	subs, err := c.ListSubtitles(context.Background(), v, language.NewSet(language.MustParse("zh-Hans")))
	if err != nil {
		t.Fatalf("ListSubtitles: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subtitle, got %d", len(subs))
	}
	sub := subs[0]
	if sub.ID != "11" || sub.Provider != Name || sub.Language.Code != "zh-Hans" {
		t.Fatalf("unexpected subtitle %+v", sub)
	}
	if sub.Release() != "Dark.S01E02.1080p.WEB-DL" {
		t.Fatalf("release = %q", sub.Release())
	}
	if sub.Series != "Dark" || sub.Season != 1 || sub.Episode != 2 {
		t.Fatalf("episode fields not set: %+v", sub)
	}
}

func TestListSubtitlesEmptyReleaseStaysNil(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sub/search", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":0,"sub":{"subs":[{"id":12,"native_name":"Heat","lang":{"desc":"English"}}]}}`))
	})
	c := newTestClient(t, mux)

	subs, err := c.ListSubtitles(context.Background(), &video.Video{Kind: video.KindMovie, Title: "Heat"}, language.NewSet(language.MustParse("en")))
	if err != nil {
		t.Fatalf("ListSubtitles: %v", err)
	}
	if len(subs) != 1 || subs[0].ReleaseInfo != nil {
		t.Fatalf("expected one subtitle without release info, got %+v", subs)
	}
}

func TestListSubtitlesServerErrorIsClassified(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	_, err := c.ListSubtitles(context.Background(), &video.Video{Title: "Heat"}, language.NewSet(language.MustParse("en")))
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := provider.Classify(err); kind != provider.KindConnection {
		t.Fatalf("kind = %s, want connection", kind)
	}
}

func TestDownloadSubtitleFileList(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/sub/detail", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "11" {
			t.Errorf("id = %q", r.URL.Query().Get("id"))
		}
		w.Write([]byte(`{"status":0,"sub":{"subs":[{"url":"","filelist":[
			{"url":"` + srvURL + `/files/readme.txt","f":"readme.txt"},
			{"url":"` + srvURL + `/files/a.srt","f":"a.srt"}
		]}]}}`))
	})
	mux.HandleFunc("/files/a.srt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(srtBody))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	p, err := New(provider.Config{"token": "tok", "base_url": srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub := &subtitle.Subtitle{ID: "11"}
	if err := p.DownloadSubtitle(context.Background(), sub); err != nil {
		t.Fatalf("DownloadSubtitle: %v", err)
	}
	if string(sub.Content) != srtBody {
		t.Fatalf("content = %q", sub.Content)
	}
}

func TestDownloadSubtitleArchive(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, _ := zw.Create("Heat.1995.en.srt")
	f.Write([]byte(srtBody))
	zw.Close()
	archive := buf.Bytes()

	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/sub/detail", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":0,"sub":{"subs":[{"url":"` + srvURL + `/files/pack.zip","filename":"pack.zip"}]}}`))
	})
	mux.HandleFunc("/files/pack.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	})
	mux.HandleFunc("/files/broken.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("PK\x03\x04garbage"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	p, _ := New(provider.Config{"token": "tok", "base_url": srv.URL})
	sub := &subtitle.Subtitle{ID: "12"}
	if err := p.DownloadSubtitle(context.Background(), sub); err != nil {
		t.Fatalf("DownloadSubtitle: %v", err)
	}
	if string(sub.Content) != srtBody {
		t.Fatalf("content = %q", sub.Content)
	}

	if _, err := extractFromZip([]byte("PK\x03\x04garbage")); err == nil {
		t.Fatal("expected archive error")
	}
}

func TestDownloadSubtitleMissingDetail(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":101,"sub":{"subs":[]}}`))
	}))
	err := c.DownloadSubtitle(context.Background(), &subtitle.Subtitle{ID: "99"})
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Kind != provider.KindMustBlacklist {
		t.Fatalf("expected must-blacklist error, got %v", err)
	}
}

func TestCheck(t *testing.T) {
	c := &Client{}
	if c.Check(&video.Video{Kind: video.KindMovie}) {
		t.Fatal("movie without title should not be searchable")
	}
	if !c.Check(&video.Video{Kind: video.KindEpisode, Series: "Dark"}) {
		t.Fatal("episode with series should be searchable")
	}
}
