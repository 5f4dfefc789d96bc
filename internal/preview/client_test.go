package preview

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockedClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient("http://localhost:9997", "rtmp://localhost:1936/preview")
	httpmock.ActivateNonDefault(c.httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func TestHealthy(t *testing.T) {
	c := mockedClient(t)

	httpmock.RegisterResponder("GET", "http://localhost:9997/v1/config/get",
		httpmock.NewStringResponder(http.StatusOK, `{}`))
	assert.NoError(t, c.Healthy(context.Background()))
}

func TestHealthyAcceptsUnauthorized(t *testing.T) {
	c := mockedClient(t)

	// API auth enabled on the server still means the server is up.
	httpmock.RegisterResponder("GET", "http://localhost:9997/v1/config/get",
		httpmock.NewStringResponder(http.StatusUnauthorized, `{}`))
	assert.NoError(t, c.Healthy(context.Background()))
}

func TestHealthyRejectsServerError(t *testing.T) {
	c := mockedClient(t)

	httpmock.RegisterResponder("GET", "http://localhost:9997/v1/config/get",
		httpmock.NewStringResponder(http.StatusBadGateway, ``))
	assert.Error(t, c.Healthy(context.Background()))
}

func TestActivePathsArrayShape(t *testing.T) {
	c := mockedClient(t)

	httpmock.RegisterResponder("GET", "http://localhost:9997/v1/paths/list",
		httpmock.NewStringResponder(http.StatusOK, `{
			"itemCount": 2,
			"items": [
				{"name": "preview", "ready": true, "readers": [{"type": "hlsMuxer", "id": "a"}]},
				{"name": "camera_3", "ready": false, "readers": []}
			]
		}`))

	paths, err := c.ActivePaths(context.Background())
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, PathInfo{Name: "preview", Ready: true, Readers: 1}, paths[0])
	assert.Equal(t, PathInfo{Name: "camera_3", Ready: false, Readers: 0}, paths[1])
}

func TestActivePathsLegacyMapShape(t *testing.T) {
	c := mockedClient(t)

	httpmock.RegisterResponder("GET", "http://localhost:9997/v1/paths/list",
		httpmock.NewStringResponder(http.StatusOK, `{
			"items": {
				"preview": {"source": {"type": "rtmpConn"}, "readers": []}
			}
		}`))

	paths, err := c.ActivePaths(context.Background())
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "preview", paths[0].Name)
	assert.True(t, paths[0].Ready)
}

func TestPathActive(t *testing.T) {
	c := mockedClient(t)

	httpmock.RegisterResponder("GET", "http://localhost:9997/v1/paths/list",
		httpmock.NewStringResponder(http.StatusOK, `{
			"items": [{"name": "preview", "ready": true, "readers": []}]
		}`))

	active, err := c.PathActive(context.Background(), "preview")
	require.NoError(t, err)
	assert.True(t, active)

	active, err = c.PathActive(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, active)
}
