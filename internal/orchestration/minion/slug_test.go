package minion

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Backend Worker", "backend-worker"},
		{"collapsed runs", "DB--Opt", "db-opt"},
		{"spaces collapse like punctuation", "DB Opt", "db-opt"},
		{"unicode stripped", "café-worker", "caf-worker"},
		{"all punctuation", "!@#$%", ""},
		{"empty", "", ""},
		{"leading and trailing trimmed", "--hello--", "hello"},
		{"digits kept", "minion 42", "minion-42"},
		{"already slugged", "db-opt", "db-opt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Slugify(tt.in))
		})
	}
}

func TestSlugify_Idempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		name := rapid.String().Draw(rt, "name")
		slug := Slugify(name)
		require.Equal(t, slug, Slugify(slug))
	})
}

func TestSlugify_OnlyLowercaseAlnumAndDash(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		slug := Slugify(rapid.String().Draw(rt, "name"))
		for i := 0; i < len(slug); i++ {
			c := slug[i]
			ok := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-'
			require.True(t, ok, "unexpected byte %q in slug %q", c, slug)
		}
		require.False(t, len(slug) > 0 && (slug[0] == '-' || slug[len(slug)-1] == '-'),
			"slug %q has leading or trailing dash", slug)
	})
}
