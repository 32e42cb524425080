// Package titlecache holds the shared types of the title cache: the entity
// identities jobs are keyed on, the image classes the image cache resolves,
// and the normalized metadata document stored in the metadata cache.
package titlecache

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidEntity is returned when an entity type or id is malformed.
var ErrInvalidEntity = errors.New("invalid entity")

// EntityType identifies the kind of title a provider id refers to.
type EntityType string

const (
	Movie EntityType = "movie"
	TV    EntityType = "tv"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == Movie || t == TV
}

// ParseEntityType parses a case-insensitive entity type.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown entity type %q", ErrInvalidEntity, s)
	}
	return t, nil
}

// Ref identifies a single title at the provider.
type Ref struct {
	Type EntityType `json:"entity_type"`
	ID   int64      `json:"entity_id"`
}

// NewRef validates and builds a Ref.
func NewRef(t EntityType, id int64) (Ref, error) {
	if !t.Valid() {
		return Ref{}, fmt.Errorf("%w: unknown entity type %q", ErrInvalidEntity, t)
	}
	if id <= 0 {
		return Ref{}, fmt.Errorf("%w: id must be positive, got %d", ErrInvalidEntity, id)
	}
	return Ref{Type: t, ID: id}, nil
}

// ParseRef parses a job id of the form "movie:550".
func ParseRef(s string) (Ref, error) {
	typ, idStr, ok := strings.Cut(s, ":")
	if !ok {
		return Ref{}, fmt.Errorf("%w: missing separator in %q", ErrInvalidEntity, s)
	}
	t, err := ParseEntityType(typ)
	if err != nil {
		return Ref{}, err
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: bad id in %q", ErrInvalidEntity, s)
	}
	return NewRef(t, id)
}

// JobID returns the deterministic job identity for the title. Two requests
// for the same title always produce the same id.
func (r Ref) JobID() string {
	return string(r.Type) + ":" + strconv.FormatInt(r.ID, 10)
}

func (r Ref) String() string {
	return r.JobID()
}

// ImageClass selects the size and shape an image is processed for.
type ImageClass string

const (
	ImagePoster   ImageClass = "poster"
	ImageBackdrop ImageClass = "backdrop"
	ImageProfile  ImageClass = "profile"
)

// Valid reports whether c is a known image class.
func (c ImageClass) Valid() bool {
	switch c {
	case ImagePoster, ImageBackdrop, ImageProfile:
		return true
	}
	return false
}

// Document is the normalized metadata for a title, independent of whether
// the provider described it as a movie or a TV series.
type Document struct {
	Ref           Ref      `json:"ref"`
	Title         string   `json:"title"`
	OriginalTitle string   `json:"original_title,omitempty"`
	Overview      string   `json:"overview,omitempty"`
	Tagline       string   `json:"tagline,omitempty"`
	ReleaseDate   string   `json:"release_date,omitempty"`
	Runtime       int      `json:"runtime,omitempty"`
	Genres        []string `json:"genres,omitempty"`
	VoteAverage   float64  `json:"vote_average"`
	VoteCount     int      `json:"vote_count"`
	Popularity    float64  `json:"popularity"`
	PosterPath    string   `json:"poster_path,omitempty"`
	BackdropPath  string   `json:"backdrop_path,omitempty"`
	Credits       Credits  `json:"credits"`
}

// Credits holds the people attached to a title.
type Credits struct {
	Cast []CastMember `json:"cast,omitempty"`
	Crew []CrewMember `json:"crew,omitempty"`
}

// CastMember is a credited performer.
type CastMember struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Character   string `json:"character,omitempty"`
	Order       int    `json:"order"`
	ProfilePath string `json:"profile_path,omitempty"`
}

// CrewMember is a credited crew member.
type CrewMember struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Job         string `json:"job,omitempty"`
	Department  string `json:"department,omitempty"`
	ProfilePath string `json:"profile_path,omitempty"`
}

// ImageRef is a raw provider image path together with the class it is
// processed as. The same path processed as two classes yields two
// different renditions.
type ImageRef struct {
	Path  string
	Class ImageClass
}

// MarshalText encodes the ref as "class:path" so it can key a JSON object.
func (r ImageRef) MarshalText() ([]byte, error) {
	return []byte(string(r.Class) + ":" + r.Path), nil
}

// UnmarshalText parses the "class:path" form written by MarshalText.
func (r *ImageRef) UnmarshalText(b []byte) error {
	class, path, ok := strings.Cut(string(b), ":")
	if !ok || !ImageClass(class).Valid() || path == "" {
		return fmt.Errorf("invalid image ref %q", b)
	}
	r.Class = ImageClass(class)
	r.Path = path
	return nil
}

// ImageURLs maps an image ref to the URL the image cache resolved for it.
type ImageURLs map[ImageRef]string

// URL returns the resolved URL for path processed as class, or "" when
// there is none.
func (u ImageURLs) URL(path string, class ImageClass) string {
	if path == "" {
		return ""
	}
	return u[ImageRef{Path: path, Class: class}]
}

// ImageRefs returns every image the document references, poster and backdrop
// first, skipping empty paths and duplicates.
func (d *Document) ImageRefs() []ImageRef {
	seen := make(map[ImageRef]struct{})
	var refs []ImageRef
	add := func(path string, class ImageClass) {
		if path == "" {
			return
		}
		ref := ImageRef{Path: path, Class: class}
		if _, ok := seen[ref]; ok {
			return
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}

	add(d.PosterPath, ImagePoster)
	add(d.BackdropPath, ImageBackdrop)
	for _, c := range d.Credits.Cast {
		add(c.ProfilePath, ImageProfile)
	}
	for _, c := range d.Credits.Crew {
		add(c.ProfilePath, ImageProfile)
	}
	return refs
}

// WithImageURLs returns a copy of the document with every image path
// replaced by the URL resolved for it in its own class. Paths with no entry
// are left as is.
func (d *Document) WithImageURLs(urls ImageURLs) *Document {
	out := *d
	sub := func(path string, class ImageClass) string {
		if u := urls.URL(path, class); u != "" {
			return u
		}
		return path
	}

	out.PosterPath = sub(d.PosterPath, ImagePoster)
	out.BackdropPath = sub(d.BackdropPath, ImageBackdrop)
	out.Genres = append([]string(nil), d.Genres...)

	out.Credits.Cast = make([]CastMember, len(d.Credits.Cast))
	for i, c := range d.Credits.Cast {
		c.ProfilePath = sub(c.ProfilePath, ImageProfile)
		out.Credits.Cast[i] = c
	}
	out.Credits.Crew = make([]CrewMember, len(d.Credits.Crew))
	for i, c := range d.Credits.Crew {
		c.ProfilePath = sub(c.ProfilePath, ImageProfile)
		out.Credits.Crew[i] = c
	}
	return &out
}
