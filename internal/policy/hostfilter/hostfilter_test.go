package hostfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterPatterns(t *testing.T) {
	t.Parallel()

	f := New([]string{"ads.example.org", "*.tracker.net", ".ru", "  "}, -1)
	cases := []struct {
		host    string
		blocked bool
	}{
		{"ads.example.org", true},
		{"ADS.example.org:443", true},
		{"www.example.org", false},
		{"tracker.net", true},
		{"cdn.tracker.net", true},
		{"sub.domain.ru", true},
		{"ru", true},
		{"kominfo.go.id", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.blocked, f.Blocked(tc.host), tc.host)
	}
	assert.True(t, f.BlockedURL("https://cdn.tracker.net/pixel.gif"))
	assert.False(t, f.BlockedURL("https://kominfo.go.id/berita"))
	assert.False(t, f.BlockedURL("://bad"))
}

func TestFilterLearnsForbiddenHosts(t *testing.T) {
	t.Parallel()

	f := New(nil, 2)
	require.False(t, f.Blocked("kominfo.go.id"))
	require.False(t, f.MarkForbidden("kominfo.go.id"))
	require.True(t, f.MarkForbidden("KOMINFO.go.id"))
	assert.True(t, f.Blocked("kominfo.go.id"))
	assert.True(t, f.MarkForbidden("kominfo.go.id"))
}

func TestFilterLearningDisabled(t *testing.T) {
	t.Parallel()

	f := New(nil, -1)
	for i := 0; i < 5; i++ {
		assert.False(t, f.MarkForbidden("kominfo.go.id"))
	}
	assert.False(t, f.Blocked("kominfo.go.id"))
}

func TestNilFilter(t *testing.T) {
	t.Parallel()

	var f *Filter
	assert.False(t, f.Blocked("anything"))
	assert.False(t, f.BlockedURL("https://anything"))
	assert.False(t, f.MarkForbidden("anything"))
}
