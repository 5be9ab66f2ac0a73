package worker

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope_Intercepts(t *testing.T) {
	scope, err := NewScope("https://app.pulse.test/", "api/")
	require.NoError(t, err)
	assert.Equal(t, "/api", scope.APIPrefix)

	tests := []struct {
		method string
		url    string
		want   bool
	}{
		{http.MethodGet, "https://app.pulse.test/", true},
		{http.MethodGet, "https://app.pulse.test/assets/app.js?v=3", true},
		{http.MethodGet, "/dashboard", true},
		{http.MethodGet, "https://app.pulse.test/apiary.png", true},
		{http.MethodGet, "https://app.pulse.test/api", false},
		{http.MethodGet, "https://app.pulse.test/api/trends", false},
		{http.MethodGet, "/api/scripts/42", false},
		{http.MethodPost, "https://app.pulse.test/assets/app.js", false},
		{http.MethodHead, "https://app.pulse.test/", false},
		{http.MethodGet, "http://app.pulse.test/", false},
		{http.MethodGet, "https://cdn.pulse.test/app.js", false},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.url, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, scope.Intercepts(req))
		})
	}
}

func TestScope_CacheKey(t *testing.T) {
	scope, err := NewScope("https://app.pulse.test", "/api")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "/assets/app.js?v=3#frag", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://app.pulse.test/assets/app.js?v=3", scope.CacheKey(req))
}

func TestNewScope_RejectsRelativeOrigin(t *testing.T) {
	_, err := NewScope("/just/a/path", "/api")
	assert.Error(t, err)
}
