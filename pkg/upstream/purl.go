package upstream

import (
	"net/url"
	"strings"

	"golang.org/x/xerrors"
)

var ErrInvalidPurl = xerrors.New("invalid package url")

// Purl is the part of a package URL the lookups need.
type Purl struct {
	Type      string
	Namespace string
	Name      string
	Version   string
}

// ParsePurl splits pkg:type/namespace/name@version?qualifiers#subpath.
// Type, namespace and name are lower-cased.
func ParsePurl(raw string) (Purl, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(raw), "pkg:")
	if !ok {
		return Purl{}, xerrors.Errorf("%q: %w", raw, ErrInvalidPurl)
	}
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}

	var p Purl
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		p.Version, _ = url.PathUnescape(rest[i+1:])
		rest = rest[:i]
	}
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) < 2 || segments[0] == "" || segments[len(segments)-1] == "" {
		return Purl{}, xerrors.Errorf("%q: %w", raw, ErrInvalidPurl)
	}
	for i, s := range segments {
		unescaped, err := url.PathUnescape(s)
		if err != nil {
			return Purl{}, xerrors.Errorf("%q: %w: %v", raw, ErrInvalidPurl, err)
		}
		segments[i] = strings.ToLower(unescaped)
	}
	p.Type = segments[0]
	p.Name = segments[len(segments)-1]
	p.Namespace = strings.Join(segments[1:len(segments)-1], "/")
	return p, nil
}

// FullName joins namespace and name the way package registries address them.
func (p Purl) FullName() string {
	if p.Namespace == "" {
		return p.Name
	}
	return p.Namespace + "/" + p.Name
}
