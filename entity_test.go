package titlecache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefJobID(t *testing.T) {
	ref, err := NewRef(Movie, 550)
	require.NoError(t, err)
	require.Equal(t, "movie:550", ref.JobID())

	again, err := NewRef(Movie, 550)
	require.NoError(t, err)
	require.Equal(t, ref.JobID(), again.JobID())

	tv, err := NewRef(TV, 550)
	require.NoError(t, err)
	require.NotEqual(t, ref.JobID(), tv.JobID())
}

func TestNewRefRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name string
		typ  EntityType
		id   int64
	}{
		{"unknown type", EntityType("person"), 1},
		{"empty type", EntityType(""), 1},
		{"zero id", Movie, 0},
		{"negative id", TV, -4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRef(tt.typ, tt.id)
			require.ErrorIs(t, err, ErrInvalidEntity)
		})
	}
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("tv:1399")
	require.NoError(t, err)
	require.Equal(t, Ref{Type: TV, ID: 1399}, ref)

	ref, err = ParseRef("MOVIE:550")
	require.NoError(t, err)
	require.Equal(t, Movie, ref.Type)

	for _, bad := range []string{"", "movie", "movie:", "movie:abc", "book:1", "tv:-1"} {
		_, err := ParseRef(bad)
		require.ErrorIs(t, err, ErrInvalidEntity, bad)
	}
}

func TestDocumentImageRefs(t *testing.T) {
	doc := &Document{
		PosterPath:   "/poster.jpg",
		BackdropPath: "/backdrop.jpg",
		Credits: Credits{
			Cast: []CastMember{
				{ID: 1, Name: "A", ProfilePath: "/a.jpg"},
				{ID: 2, Name: "B"},
				{ID: 3, Name: "C", ProfilePath: "/a.jpg"},
			},
			Crew: []CrewMember{{ID: 4, Name: "D", ProfilePath: "/d.jpg"}},
		},
	}

	refs := doc.ImageRefs()
	assert.Equal(t, []ImageRef{
		{Path: "/poster.jpg", Class: ImagePoster},
		{Path: "/backdrop.jpg", Class: ImageBackdrop},
		{Path: "/a.jpg", Class: ImageProfile},
		{Path: "/d.jpg", Class: ImageProfile},
	}, refs)
}

func TestDocumentWithImageURLs(t *testing.T) {
	doc := &Document{
		PosterPath:   "/poster.jpg",
		BackdropPath: "/backdrop.jpg",
		Credits: Credits{
			Cast: []CastMember{{ID: 1, ProfilePath: "/a.jpg"}},
		},
	}

	out := doc.WithImageURLs(ImageURLs{
		{Path: "/poster.jpg", Class: ImagePoster}:   "https://cdn.example/p.webp",
		{Path: "/a.jpg", Class: ImageProfile}:       "https://cdn.example/a.webp",
		{Path: "/backdrop.jpg", Class: ImagePoster}: "https://cdn.example/wrong.webp",
	})

	assert.Equal(t, "https://cdn.example/p.webp", out.PosterPath)
	assert.Equal(t, "/backdrop.jpg", out.BackdropPath)
	assert.Equal(t, "https://cdn.example/a.webp", out.Credits.Cast[0].ProfilePath)

	// original untouched
	assert.Equal(t, "/poster.jpg", doc.PosterPath)
	assert.Equal(t, "/a.jpg", doc.Credits.Cast[0].ProfilePath)
}

func TestImageRefText(t *testing.T) {
	ref := ImageRef{Path: "/abc.jpg", Class: ImageBackdrop}
	b, err := ref.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "backdrop:/abc.jpg", string(b))

	var got ImageRef
	require.NoError(t, got.UnmarshalText(b))
	require.Equal(t, ref, got)

	for _, bad := range []string{"/abc.jpg", "banner:/abc.jpg", "poster:"} {
		require.Error(t, got.UnmarshalText([]byte(bad)), bad)
	}
}

func TestImageURLsJSON(t *testing.T) {
	urls := ImageURLs{
		{Path: "/same.jpg", Class: ImagePoster}:   "https://cdn.example/p.webp",
		{Path: "/same.jpg", Class: ImageBackdrop}: "https://cdn.example/b.webp",
	}
	data, err := json.Marshal(urls)
	require.NoError(t, err)

	var decoded ImageURLs
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, urls, decoded)
	require.Equal(t, "https://cdn.example/b.webp", decoded.URL("/same.jpg", ImageBackdrop))
	require.Empty(t, decoded.URL("", ImagePoster))
}
