// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader fetches the files used by the commands: the MNIST dataset and the Inception-v3 weights.
package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// DownloadIfMissing downloads url to filePath, with a progress bar, if filePath doesn't exist.
// It writes to a temporary file first, so an interrupted download is not taken as complete.
//
// If checkHash is not empty, the sha256 of the file must match it, otherwise the file is removed
// and an error is returned.
func DownloadIfMissing(url, filePath, checkHash string) error {
	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return err
	}
	if !exists {
		if err = download(url, filePath); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return ValidateChecksum(filePath, checkHash)
}

func download(url, filePath string) error {
	if err := os.MkdirAll(path.Dir(filePath), 0o777); err != nil {
		return errors.Wrapf(err, "failed to create the directory for %q", filePath)
	}
	klog.V(1).Infof("downloading %s", url)
	resp, err := http.Get(url)
	if err != nil {
		return errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("failed downloading %q: %s", url, resp.Status)
	}

	tmpPath := filePath + ".downloading"
	file, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed creating file %q", tmpPath)
	}
	bar := progressbar.DefaultBytes(resp.ContentLength, path.Base(filePath))
	_, err = io.Copy(io.MultiWriter(file, bar), resp.Body)
	_ = bar.Close()
	if err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "downloading %q to %q", url, tmpPath)
	}
	if err = file.Close(); err != nil {
		return errors.Wrapf(err, "failed closing %q", tmpPath)
	}
	return errors.Wrapf(os.Rename(tmpPath, filePath), "failed to move %q to %q", tmpPath, filePath)
}

// ValidateChecksum checks the sha256 of the file. On mismatch the file is removed.
func ValidateChecksum(filePath, checkHash string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	hasher := sha256.New()
	if _, err = io.Copy(hasher, f); err != nil {
		return errors.Wrapf(err, "failed to read %q", filePath)
	}
	fileHash := hex.EncodeToString(hasher.Sum(nil))
	if fileHash == strings.ToLower(checkHash) {
		return nil
	}
	if rmErr := os.Remove(filePath); rmErr != nil {
		klog.Errorf("Failed to remove %q, which failed the checksum test, please remove it: %+v", filePath, rmErr)
	}
	return errors.Errorf("file %q sha256 hash is %q, but expected %q: file removed", filePath, fileHash, checkHash)
}
