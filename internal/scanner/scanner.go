package scanner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/moistari/rls"

	"github.com/gayhub/subpool/internal/model"
	"github.com/gayhub/subpool/internal/video"
)

var (
	episodeToken = regexp.MustCompile(`(?i)^s(\d{1,2})e(\d{1,3})`)
	yearToken    = regexp.MustCompile(`^(19|20)\d{2}$`)
)

var videoExtSet = map[string]struct{}{
	".mkv":  {},
	".mp4":  {},
	".avi":  {},
	".mov":  {},
	".wmv":  {},
	".flv":  {},
	".m4v":  {},
	".ts":   {},
	".m2ts": {},
	".webm": {},
}

var subtitleExtSet = map[string]struct{}{
	".srt": {},
	".ass": {},
	".ssa": {},
	".vtt": {},
	".sub": {},
}

type Result struct {
	Items                []model.MediaItem
	ScannedVideoFiles    int
	MissingSubtitleFiles int
}

// Run walks paths and returns one item per video file, sorted by path.
// Missing roots and unreadable entries are skipped.
func Run(paths []string) (Result, error) {
	var items []model.MediaItem
	seen := make(map[string]bool)

	for _, root := range paths {
		if root = strings.TrimSpace(root); root == "" {
			continue
		}
		if _, err := os.Stat(root); err != nil {
			continue
		}
		if err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil || d.IsDir() || !IsVideo(d.Name()) {
				return nil
			}

			item := Inspect(path)
			if seen[item.FilePath] {
				return nil
			}
			seen[item.FilePath] = true
			items = append(items, item)
			return nil
		}); err != nil {
			return Result{}, fmt.Errorf("scan path %s: %w", root, err)
		}
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].FilePath < items[j].FilePath
	})

	res := Result{Items: items, ScannedVideoFiles: len(items)}
	for _, item := range items {
		if !item.HasSubtitle {
			res.MissingSubtitleFiles++
		}
	}
	return res, nil
}

// IsVideo reports whether name has a known video extension.
func IsVideo(name string) bool {
	_, ok := videoExtSet[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Inspect builds a media item for one video file: metadata parsed from the
// file name, size, the OpenSubtitles hash when the file is large enough, and
// whether a sibling subtitle already exists.
func Inspect(path string) model.MediaItem {
	absPath := path
	if !filepath.IsAbs(absPath) {
		if resolved, err := filepath.Abs(path); err == nil {
			absPath = resolved
		}
	}

	mediaType, title, year, season, episode := parseMetadata(filepath.Base(absPath))
	item := model.MediaItem{
		MediaType:   mediaType,
		Title:       title,
		Year:        year,
		Season:      season,
		Episode:     episode,
		FilePath:    absPath,
		HasSubtitle: hasLocalSubtitle(absPath),
	}
	applyRelease(&item, filepath.Base(absPath))
	hash, size, err := video.OpenSubtitlesHash(absPath)
	item.FileSize = size
	if err == nil {
		item.MediaHash = hash
	}
	return item
}

func hasLocalSubtitle(videoPath string) bool {
	dir := filepath.Dir(videoPath)
	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	matches, err := filepath.Glob(filepath.Join(dir, globEscape(base)+".*"))
	if err != nil {
		return false
	}
	for _, match := range matches {
		ext := strings.ToLower(filepath.Ext(match))
		if _, ok := subtitleExtSet[ext]; ok {
			return true
		}
	}
	return false
}

// globEscape quotes the pattern characters release names like
// "Movie [1080p]" contain.
func globEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}

// parseMetadata reads release-style names such as "Heat.1995.1080p.mkv" or
// "The.Office.S02E05.720p.mkv". The title is every token before the episode
// marker (or the year for movies), minus the year itself.
func parseMetadata(filename string) (mediaType, title string, year, season, episode *int) {
	name := strings.TrimSuffix(filename, filepath.Ext(filename))
	tokens := strings.FieldsFunc(name, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == ' '
	})

	mediaType = string(video.KindMovie)
	cut := len(tokens)
	yearAt := -1
	for i, tok := range tokens {
		if m := episodeToken.FindStringSubmatch(tok); m != nil {
			mediaType = string(video.KindEpisode)
			season, episode = atoiPtr(m[1]), atoiPtr(m[2])
			cut = i
			break
		}
		if yearAt < 0 && yearToken.MatchString(tok) {
			yearAt = i
			year = atoiPtr(tok)
		}
	}
	if mediaType == string(video.KindMovie) && yearAt > 0 {
		cut = yearAt
	}

	kept := make([]string, 0, cut)
	for _, tok := range tokens[:cut] {
		if year != nil && tok == strconv.Itoa(*year) {
			continue
		}
		kept = append(kept, tok)
	}
	title = strings.Join(kept, " ")
	if title == "" {
		title = name
	}
	return mediaType, title, year, season, episode
}

func atoiPtr(raw string) *int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}

// applyRelease fills the release attributes the matcher compares against
// subtitle release names.
func applyRelease(item *model.MediaItem, filename string) {
	rel := rls.ParseString(strings.TrimSuffix(filename, filepath.Ext(filename)))
	item.ReleaseGroup = rel.Group
	item.Source = rel.Source
	item.Resolution = rel.Resolution
	if len(rel.Codec) > 0 {
		item.VideoCodec = rel.Codec[0]
	}
	if len(rel.Audio) > 0 {
		item.AudioCodec = rel.Audio[0]
	}
}
