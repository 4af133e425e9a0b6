package crawl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestRobotsFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/robots.txt", r.URL.Path)
		assert.Equal(t, "trawler-test", r.Header.Get("User-Agent"))
		w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	}))
	defer srv.Close()

	f := NewRobotsFetcher("trawler-test", arbor.NewLogger())
	data, body, err := f.Fetch(context.Background(), srv.URL+"/some/page")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Contains(t, body, "Disallow: /private/")

	group := data.FindGroup("trawler-test")
	assert.True(t, group.Test("/public/page"))
	assert.False(t, group.Test("/private/page"))
}

func TestRobotsFetchMissingAllowsAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewRobotsFetcher("trawler-test", arbor.NewLogger())
	data, _, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.True(t, data.FindGroup("trawler-test").Test("/anything"))
}

func TestRobotsFetchUnreachableAllowsAll(t *testing.T) {
	f := NewRobotsFetcher("trawler-test", arbor.NewLogger())
	data, body, err := f.Fetch(context.Background(), "http://127.0.0.1:1")
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Empty(t, body)
}

func TestRobotsParse(t *testing.T) {
	data, err := Parse("User-agent: *\nDisallow: /blocked\n")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.False(t, data.FindGroup("anything").Test("/blocked"))

	// Empty stored body means no robots.txt was captured
	data, err = Parse("")
	require.NoError(t, err)
	assert.Nil(t, data)
}
