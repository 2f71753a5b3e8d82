package version

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBuildInfo(t *testing.T) {
	info := Info{Commit: "unknown", BuildTime: "unknown"}
	fromBuildInfo(&info, []debug.BuildSetting{
		{Key: "vcs.revision", Value: "3f2a9c1"},
		{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	})
	assert.Equal(t, "3f2a9c1", info.Commit)
	assert.Equal(t, "2026-10-01T12:00:00Z", info.BuildTime)
	assert.True(t, info.Modified)

	// ldflags win
	info = Info{Commit: "abc123", BuildTime: "unknown"}
	fromBuildInfo(&info, []debug.BuildSetting{{Key: "vcs.revision", Value: "3f2a9c1"}})
	assert.Equal(t, "abc123", info.Commit)
}

func TestMountAt(t *testing.T) {
	r := chi.NewRouter()
	MountAt(r, "/version")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, Version, got.Version)
	assert.Equal(t, runtime.Version(), got.GoVersion)
}
