package utils

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ResolveURL resolves ref against base the way a browser follows a link.
// Example: ("https://host/dados/", "2024-05/") -> https://host/dados/2024-05/
func ResolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

// DirURL makes sure rawURL ends with a slash so relative links resolve
// inside it instead of next to it.
func DirURL(rawURL string) string {
	if strings.HasSuffix(rawURL, "/") {
		return rawURL
	}
	return rawURL + "/"
}

// FileURL returns the URL of file name inside bucket under base.
func FileURL(base, bucket, name string) (string, error) {
	return ResolveURL(DirURL(base), url.PathEscape(bucket)+"/"+url.PathEscape(name))
}

// NameFromHref returns the unescaped last path segment of an index link.
// Example: "Empresas%201.zip" -> "Empresas 1.zip"
func NameFromHref(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	name := path.Base(strings.TrimSuffix(u.Path, "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}
