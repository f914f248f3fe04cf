package provider

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gayhub/subpool/internal/language"
)

// StatusError reports a non-2xx response from a provider API.
type StatusError struct {
	Provider   string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "http status error"
	}
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d %s", e.Provider, e.StatusCode, e.Body)
}

// Kind maps gateway and timeout statuses to KindConnection and rate limiting
// to KindNoMoreResults.
func (e *StatusError) Kind() Kind {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return KindConnection
	case http.StatusTooManyRequests:
		return KindNoMoreResults
	default:
		return KindUnknown
	}
}

// CheckResponse turns a non-200 response into a classified *Error.
func CheckResponse(providerName, op string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	se := &StatusError{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		se.URL = resp.Request.URL.Redacted()
	}
	return NewError(providerName, op, se.Kind(), se)
}

// NormalizeLanguage maps the free-form language labels Chinese and English
// subtitle sites use onto a Language. Unrecognised labels are parsed as tags.
func NormalizeLanguage(raw string) (language.Language, error) {
	r := toLowerTrim(raw)
	switch {
	case r == "":
		return language.Language{}, fmt.Errorf("empty language label")
	case containsAny(r, "简", "zh-cn", "chs", "simplified", "双语", "bilingual", "chs&eng", "zh-en", "en-zh", "dual"):
		return language.Parse("zh-Hans")
	case containsAny(r, "繁", "zh-tw", "cht", "traditional"):
		return language.Parse("zh-Hant")
	case r == "english" || r == "eng" || r == "en" || strings.HasPrefix(r, "english"):
		return language.Parse("en")
	default:
		l, err := language.Parse(r)
		if err != nil {
			return language.Language{}, NewError("", "search", KindLanguageReverse, err)
		}
		return l, nil
	}
}

func containsAny(value string, terms ...string) bool {
	for _, t := range terms {
		if t != "" && value != "" && strings.Contains(value, toLowerTrim(t)) {
			return true
		}
	}
	return false
}

func toLowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
