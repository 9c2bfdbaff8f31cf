package networking

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHttpClientBuilder(t *testing.T) {
	t.Parallel()

	builder := NewHttpClientBuilder()
	assert.Equal(t, HttpTimeout, builder.clientTimeout)
	assert.False(t, builder.allowPrivate)
	assert.Empty(t, builder.caCertPath)
}

func TestBuild_Defaults(t *testing.T) {
	t.Parallel()

	client, err := NewHttpClientBuilder().Build()
	require.NoError(t, err)

	assert.Equal(t, HttpTimeout, client.Timeout)
	transport, ok := client.Transport.(*ValidatingTransport)
	require.True(t, ok)
	assert.False(t, transport.AllowHTTP)
}

func TestBuild_WithTimeout(t *testing.T) {
	t.Parallel()

	client, err := NewHttpClientBuilder().WithTimeout(5 * time.Second).Build()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, client.Timeout)

	// Zero is ignored, keeping the default.
	client, err = NewHttpClientBuilder().WithTimeout(0).Build()
	require.NoError(t, err)
	assert.Equal(t, HttpTimeout, client.Timeout)
}

func TestBuild_MissingCABundle(t *testing.T) {
	t.Parallel()

	_, err := NewHttpClientBuilder().WithCABundle("/does/not/exist.pem").Build()
	assert.Error(t, err)
}

func TestValidatingTransport_RejectsPlainHTTP(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transport := &ValidatingTransport{Transport: http.DefaultTransport}
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = transport.RoundTrip(req) //nolint:bodyclose // no response on error
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not HTTPS")
}

func TestValidatingTransport_AllowHTTP(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	transport := &ValidatingTransport{Transport: http.DefaultTransport, AllowHTTP: true}
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAddressReferencesPrivateIp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		address string
		wantErr bool
	}{
		{"loopback", "127.0.0.1:443", true},
		{"rfc1918", "10.1.2.3:443", true},
		{"link local", "169.254.0.10:443", true},
		{"public", "93.184.216.34:443", false},
		{"no port", "93.184.216.34", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := AddressReferencesPrivateIp(tt.address)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
