// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ckpt

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// copyBytesBar copies bytes to an io.Writer while displaying a progress bar. It requires knowing the
// content length.
type copyBytesBar struct {
	w                             io.Writer
	bar                           *progressbar.ProgressBar
	amountWritten                 int64
	barUnit, numUnits, addedUnits int64
}

// newCopyBytesBar creates a new copyBytesBar for contentLength bytes.
func newCopyBytesBar(w io.Writer, description string, contentLength int64) *copyBytesBar {
	bar := &copyBytesBar{w: w}
	bar.barUnit = 1
	for contentLength > bar.barUnit*1024*1024 {
		bar.barUnit *= 1024
	}
	bar.numUnits = (contentLength + bar.barUnit - 1) / bar.barUnit
	bar.bar = progressbar.NewOptions(int(bar.numUnits),
		progressbar.OptionSetDescription(fmt.Sprintf("%s (%s)", description, humanize.IBytes(uint64(contentLength)))),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return bar
}

// Write implements io.Writer, while updating the progress bar.
func (bar *copyBytesBar) Write(p []byte) (n int, err error) {
	n, err = bar.w.Write(p)
	bar.amountWritten += int64(n)
	toUnits := bar.amountWritten / bar.barUnit
	if toUnits > bar.addedUnits {
		_ = bar.bar.Add(int(toUnits - bar.addedUnits))
		bar.addedUnits = toUnits
	}
	return
}

// copyWithProgressBar is like io.Copy, but displays a progress bar. It requires knowing the amount of
// data to copy up-front.
func copyWithProgressBar(dst io.Writer, src io.Reader, description string, contentLength int64) (n int64, err error) {
	bar := newCopyBytesBar(dst, description, contentLength)
	n, err = io.Copy(bar, src)
	if bar.addedUnits < bar.numUnits {
		_ = bar.bar.Add(int(bar.numUnits - bar.addedUnits))
	}
	_ = bar.bar.Close()
	fmt.Println()
	return
}

// FileMD5 returns the hex encoded MD5 checksum of the file in path.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	hasher := md5.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.Wrapf(err, "failed to read %q", path)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// validateMD5 checks the file in path has the given MD5 checksum. An empty wanted checksum always passes.
func validateMD5(path, wanted string) error {
	if wanted == "" {
		return nil
	}
	got, err := FileMD5(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, wanted) {
		return errors.Wrapf(ErrChecksumMismatch, "%q has MD5 %s, wanted %s", path, got, wanted)
	}
	return nil
}

// download fetches url into filePath, validating the MD5 checksum if one is given. The content is first
// written to a temporary file in the same directory, which is renamed into place only once validated.
func (r *Registry) download(name, url, filePath, wantedMD5 string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create the directory for %q", filePath)
	}
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(filePath), uuid.NewString()))
	file, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed creating file %q", tmpPath)
	}
	defer func() {
		// No-op if the file was already closed and renamed.
		_ = file.Close()
		_ = os.Remove(tmpPath)
	}()

	klog.Infof("ckpt: downloading %q from %s", name, url)
	resp, err := r.client.Get(url)
	if err != nil {
		return errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("failed downloading %q: status %s", url, resp.Status)
	}

	var size int64
	if r.showProgressBar && resp.ContentLength > 0 {
		size, err = copyWithProgressBar(file, resp.Body, name, resp.ContentLength)
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		return errors.Wrapf(err, "downloading %q to %q", url, tmpPath)
	}
	if err = file.Close(); err != nil {
		return errors.Wrapf(err, "failed closing %q", tmpPath)
	}
	if err = validateMD5(tmpPath, wantedMD5); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "failed to move download into %q", filePath)
	}
	klog.Infof("ckpt: downloaded %q (%s) to %q", name, humanize.IBytes(uint64(size)), filePath)
	return nil
}
