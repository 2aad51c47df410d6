// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"flag"
	"math/rand/v2"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

var flagDataDir = flag.String("data", "~/work/mnist", "Directory to cache downloaded dataset files.")

// writeSplit writes a synthetic split where image ii has all pixels set to ii and label ii%NumClasses.
func writeSplit(t *testing.T, dir, split string, n int) {
	pixels := make([]byte, n*Width*Height)
	labels := make([]byte, n)
	for ii := range n {
		for jj := range Width * Height {
			pixels[ii*Width*Height+jj] = byte(ii)
		}
		labels[ii] = byte(ii % NumClasses)
	}
	require.NoError(t, (&Split{Name: split, Images: pixels, Labels: labels}).Save(dir))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	const n = 25
	writeSplit(t, dir, TestSplit, n)
	s, err := Load(dir, TestSplit)
	require.NoError(t, err)
	require.Equal(t, n, s.Len())

	images := s.ImagesTensor()
	assert.Equal(t, []int{n, Height, Width, 1}, images.Shape().Dimensions)
	flat := tensors.MustCopyFlatData[float32](images)
	assert.Equal(t, float32(0), flat[0])
	assert.InDelta(t, 3.0/255, flat[3*Width*Height+10], 1e-7)

	labels := tensors.MustCopyFlatData[int32](s.LabelsTensor())
	assert.Equal(t, int32(3), labels[13])
	assert.Equal(t, []int{4, 14, 24}, s.ClassIndices(4))

	rng := rand.New(rand.NewPCG(1, 2))
	sampled, err := s.SampleClass(rng, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, Height, Width, 1}, sampled.Shape().Dimensions)
	for _, v := range tensors.MustCopyFlatData[float32](sampled) {
		// Only images 4, 14 and 24 have class 4.
		assert.Contains(t, []float32{4.0 / 255, 14.0 / 255, 24.0 / 255}, v)
	}
	_, err = s.SampleClass(rng, 4, 4)
	require.Error(t, err)

	_, err = Load(dir, TrainSplit)
	require.Error(t, err, "train split files missing")
	_, err = Load(dir, "validation")
	require.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()
	files := splitFiles[TrainSplit]
	require.NoError(t, writeGzip(path.Join(dir, files[0]), imageFileHeader{labelMagic, 1, Height, Width}, make([]byte, Width*Height)))
	require.NoError(t, writeGzip(path.Join(dir, files[1]), labelFileHeader{labelMagic, 1}, []byte{1}))
	_, err := Load(dir, TrainSplit)
	require.Error(t, err, "wrong magic number in images")

	require.NoError(t, writeGzip(path.Join(dir, files[0]), imageFileHeader{imageMagic, 2, Height, Width}, make([]byte, Width*Height)))
	_, err = Load(dir, TrainSplit)
	require.Error(t, err, "truncated images")

	require.NoError(t, writeGzip(path.Join(dir, files[0]), imageFileHeader{imageMagic, 1, Height, Width}, make([]byte, Width*Height)))
	require.NoError(t, writeGzip(path.Join(dir, files[1]), labelFileHeader{labelMagic, 1}, []byte{12}))
	_, err = Load(dir, TrainSplit)
	require.Error(t, err, "label out of range")
}

func TestDataset(t *testing.T) {
	dir := t.TempDir()
	writeSplit(t, dir, TrainSplit, 12)
	s, err := Load(dir, TrainSplit)
	require.NoError(t, err)
	backend := graphtest.BuildTestBackend()
	ds, err := s.Dataset(backend, "train")
	require.NoError(t, err)
	ds.BatchSize(5, false)
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	require.Len(t, labels, 1)
	assert.Equal(t, []int{5, Height, Width, 1}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{5}, inputs[1].Shape().Dimensions)
	assert.Equal(t, []int{5, 1}, labels[0].Shape().Dimensions)
	assert.Equal(t, []int32{0, 1, 2, 3, 4}, tensors.MustCopyFlatData[int32](labels[0]))
}

func TestDownloadAndLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MNIST download test in short mode")
	}
	s, err := DownloadAndLoad(*flagDataDir, TestSplit)
	require.NoError(t, err)
	assert.Equal(t, 10_000, s.Len())
	for class := range NumClasses {
		assert.NotEmpty(t, s.ClassIndices(class))
	}
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	s := &Split{Name: "validation", Images: make([]byte, Width*Height), Labels: []uint8{3}}
	require.Error(t, s.Save(dir), "unknown split name")
	s.Name = TrainSplit
	s.Labels = []uint8{3, 4}
	require.Error(t, s.Save(dir), "images and labels mismatch")

	s.Labels = []uint8{3}
	s.Images[Width*Height-1] = 255
	require.NoError(t, s.Save(path.Join(dir, "subset")))
	loaded, err := Load(path.Join(dir, "subset"), TrainSplit)
	require.NoError(t, err)
	assert.Equal(t, s.Labels, loaded.Labels)
	assert.Equal(t, s.Images, loaded.Images)
}
