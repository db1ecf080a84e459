package transport

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerTLSRequiresCertAndKey(t *testing.T) {
	_, err := ServerTLS(TLSConfig{})
	assert.Error(t, err)
	_, err = ServerTLS(TLSConfig{Cert: "/nonexistent/cert.pem", Key: "/nonexistent/key.pem"})
	assert.Error(t, err)
}

func TestClientTLS(t *testing.T) {
	cfg, err := ClientTLS(TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg.RootCAs)

	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
	_, err = ClientTLS(TLSConfig{ClientCA: bad})
	assert.Error(t, err)
}

func TestMTLSMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	rr := httptest.NewRecorder()
	MTLSMiddleware(true)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	MTLSMiddleware(false)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}
