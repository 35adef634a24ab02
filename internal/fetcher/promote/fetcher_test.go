package promote

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

type stubFetcher struct {
	resp  scanner.FetchResponse
	err   error
	calls int
}

func (s *stubFetcher) Fetch(context.Context, scanner.FetchRequest) (scanner.FetchResponse, error) {
	s.calls++
	return s.resp, s.err
}

type mockDetector struct {
	mock.Mock
}

func (m *mockDetector) ShouldPromote(resp scanner.FetchResponse) bool {
	return m.Called(resp).Bool(0)
}

func detectorReturning(promote bool) *mockDetector {
	d := &mockDetector{}
	d.On("ShouldPromote", mock.Anything).Return(promote)
	return d
}

func TestFetchKeepsProbeResponseWhenNotPromoted(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: scanner.FetchResponse{StatusCode: 200, Body: []byte("<html amp>")}}
	headless := &stubFetcher{}
	f, err := New(probe, headless, detectorReturning(false), nil)
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), scanner.FetchRequest{URL: "https://x.test/"})
	require.NoError(t, err)
	require.Equal(t, probe.resp, resp)
	require.Zero(t, headless.calls)
}

func TestFetchPromotesAndMarksRendered(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: scanner.FetchResponse{StatusCode: 200}}
	headless := &stubFetcher{resp: scanner.FetchResponse{StatusCode: 200, Body: []byte("<html>full</html>")}}
	detector := detectorReturning(true)
	f, err := New(probe, headless, detector, nil)
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), scanner.FetchRequest{URL: "https://x.test/"})
	require.NoError(t, err)
	detector.AssertCalled(t, "ShouldPromote", probe.resp)
	require.True(t, resp.Rendered)
	require.Equal(t, "<html>full</html>", string(resp.Body))
}

func TestFetchFallsBackWhenHeadlessFails(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{resp: scanner.FetchResponse{StatusCode: 200, Body: []byte("shell")}}
	headless := &stubFetcher{err: errors.New("chrome missing")}
	f, err := New(probe, headless, detectorReturning(true), nil)
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), scanner.FetchRequest{URL: "https://x.test/"})
	require.NoError(t, err)
	require.Equal(t, "shell", string(resp.Body))
	require.False(t, resp.Rendered)
}

func TestFetchReturnsProbeError(t *testing.T) {
	t.Parallel()

	probe := &stubFetcher{err: errors.New("dial")}
	headless := &stubFetcher{}
	f, err := New(probe, headless, detectorReturning(true), nil)
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), scanner.FetchRequest{URL: "https://x.test/"})
	require.Error(t, err)
	require.Zero(t, headless.calls)

	_, err = New(nil, headless, detectorReturning(true), nil)
	require.Error(t, err)
}
