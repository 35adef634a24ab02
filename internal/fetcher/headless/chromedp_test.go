package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	f, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer f.Close()

	assert.NotNil(t, f.slots)
	assert.Equal(t, defaultNavigationTimeout, f.cfg.NavigationTimeout)
	assert.Equal(t, defaultSettleDelay, f.cfg.SettleDelay)

	unbounded, err := NewChromedp(Config{})
	require.NoError(t, err)
	defer unbounded.Close()
	assert.Nil(t, unbounded.slots)
	require.NoError(t, unbounded.acquire(context.Background()))
	unbounded.release()
}

func TestFetchWaitsForFreeTab(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.acquire(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = f.Fetch(ctx, scanner.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorContains(t, err, "wait for browser tab")

	f.release()
	require.NoError(t, f.acquire(context.Background()))
	f.release()
}

func TestDocumentTrackerKeepsMainDocument(t *testing.T) {
	t.Parallel()

	doc := &documentTracker{}
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404, URL: "https://example.com/logo.png"},
	})
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://example.com/post/amp/",
			Headers: network.Headers{"X-Request-ID": "abc", "Link": []any{"<a>", "<b>"}},
		},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 500, URL: "https://ads.example.net/frame"},
	})
	doc.observe("not a network event")

	status, headers, url := doc.result("https://req", "https://location")
	assert.Equal(t, 203, status)
	assert.Equal(t, "abc", headers.Get("X-Request-ID"))
	assert.Equal(t, []string{"<a>", "<b>"}, headers.Values("Link"))
	assert.Equal(t, "https://example.com/post/amp/", url)

	headers.Set("X-Request-ID", "mutated")
	_, again, _ := doc.result("", "")
	assert.Equal(t, "abc", again.Get("X-Request-ID"))
}

func TestDocumentTrackerFallbacks(t *testing.T) {
	t.Parallel()

	status, headers, url := (&documentTracker{}).result("https://req", "https://location")
	assert.Equal(t, http.StatusOK, status)
	assert.NotNil(t, headers)
	assert.Equal(t, "https://location", url)

	_, _, url = (&documentTracker{}).result("https://req", "")
	assert.Equal(t, "https://req", url)
}

func TestHeaderConversions(t *testing.T) {
	t.Parallel()

	got := headerFromNetwork(network.Headers{
		"Content-Type": "text/html",
		"Vary":         []string{"Accept", "Cookie"},
		"Age":          42,
	})
	assert.Equal(t, "text/html", got.Get("Content-Type"))
	assert.Equal(t, []string{"Accept", "Cookie"}, got.Values("Vary"))
	assert.Equal(t, "42", got.Get("Age"))

	netHeaders := toNetworkHeaders(http.Header{"X-Test": {"a", "b"}, "X-One": {"1"}, "X-None": {}})
	assert.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
	assert.Equal(t, "1", netHeaders["X-One"])
	assert.NotContains(t, netHeaders, "X-None")
}

func TestImageSizes(t *testing.T) {
	t.Parallel()

	assert.Nil(t, imageSizes(nil))

	got := imageSizes([]renderedImage{
		{Src: "https://example.com/hero.jpg", Width: 1200, Height: 800},
		{Src: "https://example.com/hero.jpg", Width: 600, Height: 400},
		{Src: "https://example.com/broken.jpg"},
		{Src: "data:image/gif;base64,R0lGOD", Width: 1, Height: 1},
		{Width: 10, Height: 10},
	})
	assert.Equal(t, map[string]scanner.ImageSize{
		"https://example.com/hero.jpg": {Width: 1200, Height: 800},
	}, got)
}
