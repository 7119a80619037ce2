package sqlstore

import (
	"fmt"
	"net/url"
	"strings"
)

const cacheKeyNamespace = "go-openbanking"

// cacheKey joins namespace, kind, version and the URL-path escaped segments
// with "::". Empty segments are rejected so distinct records never share a
// key.
func cacheKey(kind string, segments ...string) (string, error) {
	parts := make([]string, 0, len(segments)+3)
	parts = append(parts, cacheKeyNamespace, kind, "v1")
	for _, segment := range segments {
		if segment == "" {
			return "", fmt.Errorf("sqlstore: %s cache key segment is empty", kind)
		}
		parts = append(parts, url.PathEscape(segment))
	}
	return strings.Join(parts, "::"), nil
}
