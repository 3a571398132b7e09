package session

import (
	"net/http"
	"net/url"
	"strings"
)

// ParseManualCookieString parses a browser cookie header such as
// "a=1; b=2". Segments without a name or an '=' are skipped, so garbage input
// yields an empty map.
func ParseManualCookieString(raw string) map[string]string {
	cookies := map[string]string{}
	for _, part := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		cookies[name] = strings.TrimSpace(value)
	}
	return cookies
}

// CookiesFromJar flattens the cookies the jar would send to any of urls into
// a name to value map. Later urls win on name clashes.
func CookiesFromJar(jar http.CookieJar, urls ...*url.URL) map[string]string {
	cookies := map[string]string{}
	for _, u := range urls {
		for _, c := range jar.Cookies(u) {
			cookies[c.Name] = c.Value
		}
	}
	return cookies
}

// LoadIntoJar sets every cookie on each of urls, the way the browser they were
// taken from would send them.
func LoadIntoJar(jar http.CookieJar, cookies map[string]string, urls ...*url.URL) {
	list := make([]*http.Cookie, 0, len(cookies))
	for name, value := range cookies {
		list = append(list, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	for _, u := range urls {
		jar.SetCookies(u, list)
	}
}
