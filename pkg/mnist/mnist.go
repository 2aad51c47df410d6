// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mnist downloads and parses the MNIST database of handwritten digits, and converts it to
// tensors and in-memory datasets.
//
// Images are returned as float32 values in [0, 1], shaped [numExamples, 28, 28, 1].
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"io"
	"math/rand/v2"
	"net/url"
	"os"
	"path"

	"github.com/gomlx/ddpm/internal/downloader"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

const (
	// DownloadURL is the mirror the files are downloaded from.
	DownloadURL = "https://storage.googleapis.com/cvdf-datasets/mnist"

	Width      = 28
	Height     = 28
	NumClasses = 10

	// TrainSplit and TestSplit are the names of the two MNIST splits.
	TrainSplit = "train"
	TestSplit  = "test"

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// splitFiles maps split name to its images and labels files.
var splitFiles = map[string][2]string{
	TrainSplit: {"train-images-idx3-ubyte.gz", "train-labels-idx1-ubyte.gz"},
	TestSplit:  {"t10k-images-idx3-ubyte.gz", "t10k-labels-idx1-ubyte.gz"},
}

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// Split holds the examples of one MNIST split.
type Split struct {
	Name string

	// Images holds N*Height*Width bytes, 0 is the background and 255 the digit color.
	Images []byte

	// Labels holds N digits, from 0 to 9.
	Labels []uint8
}

// Len returns the number of examples.
func (s *Split) Len() int { return len(s.Labels) }

// Download the MNIST files to baseDir, if they are not there yet.
func Download(baseDir string) error {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return err
	}
	for _, files := range splitFiles {
		for _, file := range files {
			fileURL, err := url.JoinPath(DownloadURL, file)
			if err != nil {
				return errors.Wrapf(err, "invalid download URL for %q", file)
			}
			if err := downloader.DownloadIfMissing(fileURL, path.Join(baseDir, file), ""); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load the split ("train" or "test") from the files in baseDir. See Download.
func Load(baseDir, split string) (*Split, error) {
	files, found := splitFiles[split]
	if !found {
		return nil, errors.Errorf("unknown MNIST split %q, valid values are %q and %q", split, TrainSplit, TestSplit)
	}
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return nil, err
	}
	s := &Split{Name: split}
	s.Images, err = loadImageFile(path.Join(baseDir, files[0]))
	if err != nil {
		return nil, err
	}
	s.Labels, err = loadLabelFile(path.Join(baseDir, files[1]))
	if err != nil {
		return nil, err
	}
	if len(s.Images) != len(s.Labels)*Width*Height {
		return nil, errors.Errorf("MNIST split %q has %d images but %d labels",
			split, len(s.Images)/(Width*Height), len(s.Labels))
	}
	return s, nil
}

// DownloadAndLoad downloads the files if needed and loads the split.
func DownloadAndLoad(baseDir, split string) (*Split, error) {
	if err := Download(baseDir); err != nil {
		return nil, err
	}
	return Load(baseDir, split)
}

// Save the split to baseDir, in the same gzipped IDX format it is loaded from.
// The split Name must be TrainSplit or TestSplit, and it overwrites any existing files.
//
// It can be used to store a subset of the examples.
func (s *Split) Save(baseDir string) error {
	files, found := splitFiles[s.Name]
	if !found {
		return errors.Errorf("can't save MNIST split %q, valid names are %q and %q", s.Name, TrainSplit, TestSplit)
	}
	if len(s.Images) != s.Len()*Width*Height {
		return errors.Errorf("MNIST split %q has %d bytes of images for %d labels", s.Name, len(s.Images), s.Len())
	}
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(baseDir, 0o777); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", baseDir)
	}
	n := int32(s.Len())
	err = writeGzip(path.Join(baseDir, files[0]), imageFileHeader{imageMagic, n, Height, Width}, s.Images)
	if err != nil {
		return err
	}
	return writeGzip(path.Join(baseDir, files[1]), labelFileHeader{labelMagic, n}, s.Labels)
}

func writeGzip(filePath string, header any, payload []byte) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	writer := gzip.NewWriter(f)
	err = binary.Write(writer, binary.BigEndian, header)
	if err == nil {
		_, err = writer.Write(payload)
	}
	if err == nil {
		err = writer.Close()
	}
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed writing %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed closing %q", filePath)
}

func openGzip(filePath string) (io.ReadCloser, func(), error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	reader, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrapf(err, "failed to uncompress %q", filePath)
	}
	return reader, func() {
		_ = reader.Close()
		_ = f.Close()
	}, nil
}

// loadImageFile opens the images file, parses it, and returns the pixels of all images in order.
func loadImageFile(filePath string) ([]byte, error) {
	reader, closeFn, err := openGzip(filePath)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	header := imageFileHeader{}
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != imageMagic || header.Width != Width || header.Height != Height || header.NumImages < 0 {
		return nil, errors.Errorf("invalid MNIST images file %q: header %+v", filePath, header)
	}
	images := make([]byte, int(header.NumImages)*Width*Height)
	if _, err = io.ReadFull(reader, images); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d images from %q", header.NumImages, filePath)
	}
	return images, nil
}

// loadLabelFile opens the labels file, parses it, and returns the labels in order.
func loadLabelFile(filePath string) ([]uint8, error) {
	reader, closeFn, err := openGzip(filePath)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	header := labelFileHeader{}
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != labelMagic || header.NumLabels < 0 {
		return nil, errors.Errorf("invalid MNIST labels file %q: header %+v", filePath, header)
	}
	labels := make([]uint8, header.NumLabels)
	if _, err = io.ReadFull(reader, labels); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d labels from %q", header.NumLabels, filePath)
	}
	for ii, label := range labels {
		if label >= NumClasses {
			return nil, errors.Errorf("invalid label %d for example #%d in %q", label, ii, filePath)
		}
	}
	return labels, nil
}

// imagesTensor converts the images with the given indices to a float32 tensor in [0, 1].
func (s *Split) imagesTensor(indices []int) *tensors.Tensor {
	const imageSize = Width * Height
	data := make([]float32, len(indices)*imageSize)
	for ii, idx := range indices {
		src := s.Images[idx*imageSize : (idx+1)*imageSize]
		dst := data[ii*imageSize : (ii+1)*imageSize]
		for jj, v := range src {
			dst[jj] = float32(v) / 255
		}
	}
	return tensors.FromFlatDataAndDimensions(data, len(indices), Height, Width, 1)
}

func allIndices(n int) []int {
	indices := make([]int, n)
	for ii := range indices {
		indices[ii] = ii
	}
	return indices
}

// ImagesTensor returns all images, shaped [N, 28, 28, 1], as float32 in [0, 1].
func (s *Split) ImagesTensor() *tensors.Tensor {
	return s.imagesTensor(allIndices(s.Len()))
}

func (s *Split) labelsInt32() []int32 {
	labels := make([]int32, s.Len())
	for ii, label := range s.Labels {
		labels[ii] = int32(label)
	}
	return labels
}

// LabelsTensor returns all labels, shaped [N], as int32.
func (s *Split) LabelsTensor() *tensors.Tensor {
	return tensors.FromValue(s.labelsInt32())
}

// Dataset returns an in-memory dataset on the backend that yields the inputs [images, labels] and the labels [labels].
//
// The labels are included in the inputs, shaped [batchSize], because the diffusion model is conditioned on them.
// The labels proper are shaped [batchSize, 1], as expected by the sparse categorical losses and metrics.
// It is not batched, shuffled or infinite: configure it as needed.
func (s *Split) Dataset(backend backends.Backend, name string) (*datasets.InMemoryDataset, error) {
	ds, err := datasets.InMemoryFromData(backend, name,
		[]any{s.ImagesTensor(), s.LabelsTensor()},
		[]any{tensors.FromFlatDataAndDimensions(s.labelsInt32(), s.Len(), 1)})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create dataset %q from MNIST split %q", name, s.Name)
	}
	return ds, nil
}

// ClassIndices returns the indices of the examples of the given class.
func (s *Split) ClassIndices(class int) []int {
	var indices []int
	for ii, label := range s.Labels {
		if int(label) == class {
			indices = append(indices, ii)
		}
	}
	return indices
}

// SampleClass returns n random images (without replacement) of the given class, shaped [n, 28, 28, 1].
func (s *Split) SampleClass(rng *rand.Rand, class, n int) (*tensors.Tensor, error) {
	indices := s.ClassIndices(class)
	if len(indices) < n {
		return nil, errors.Errorf("MNIST split %q has only %d examples of class %d, %d requested",
			s.Name, len(indices), class, n)
	}
	rng.Shuffle(len(indices), func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
	return s.imagesTensor(indices[:n]), nil
}
