// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadIfMissing(t *testing.T) {
	const contents = "some weights"
	numRequests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		numRequests++
		if r.URL.Path != "/weights.h5" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(contents))
	}))
	defer server.Close()
	hash := sha256.Sum256([]byte(contents))
	checksum := hex.EncodeToString(hash[:])

	filePath := filepath.Join(t.TempDir(), "sub", "weights.h5")
	require.NoError(t, DownloadIfMissing(server.URL+"/weights.h5", filePath, checksum))
	got, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, contents, string(got))
	assert.NoFileExists(t, filePath+".downloading")

	// Already there: not downloaded again.
	require.NoError(t, DownloadIfMissing(server.URL+"/weights.h5", filePath, ""))
	assert.Equal(t, 1, numRequests)

	missing := filepath.Join(t.TempDir(), "missing.h5")
	require.Error(t, DownloadIfMissing(server.URL+"/missing.h5", missing, ""))
	assert.NoFileExists(t, missing)
}

func TestValidateChecksum(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(filePath, []byte("abc"), 0o644))
	require.NoError(t, ValidateChecksum(filePath, "BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD"))

	require.Error(t, ValidateChecksum(filePath, "0000"))
	assert.NoFileExists(t, filePath, "file with the wrong checksum is removed")
}
