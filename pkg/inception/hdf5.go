// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inception

import (
	"bytes"
	"os"
	"os/exec"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// H5DumpBinary is the tool (from the hdf5-tools package) used to read the Keras ".h5" weights file.
const H5DumpBinary = "h5dump"

var (
	regexpH5Datasets        = regexp.MustCompile(`\s+dataset\s+(/.*)\n`)
	regexpH5HeaderName      = regexp.MustCompile(`\s+"(.*?)" \{\n`)
	regexpH5HeaderDataType  = regexp.MustCompile(`\s+DATATYPE\s+(\w.*?)\n`)
	regexpH5HeaderDataSpace = regexp.MustCompile(`\s+DATASPACE\s+(\w+)(\s+\{\s+\((.*?)\).*?)?\n`)
)

// h5Datasets parses the output of "h5dump --contents" and returns the paths of the datasets.
func h5Datasets(contents string) ([]string, error) {
	var names []string
	for _, match := range regexpH5Datasets.FindAllStringSubmatch(contents, -1) {
		name := match[1]
		if strings.HasPrefix(name, "-") {
			return nil, errors.Errorf("invalid dataset name %q", name)
		}
		names = append(names, name)
	}
	return names, nil
}

// h5Shapes parses the output of "h5dump --header" for the datasets, and returns the shapes of the ones
// that can be converted to tensors. The others are skipped.
func h5Shapes(header string) (map[string]shapes.Shape, error) {
	parts := strings.Split(header, "DATASET")
	result := make(map[string]shapes.Shape, len(parts))
	for _, part := range parts[1:] {
		matches := regexpH5HeaderName.FindStringSubmatch(part)
		if len(matches) != 2 {
			return nil, errors.Errorf("failed to parse dataset header %q", part)
		}
		name := matches[1]
		matches = regexpH5HeaderDataType.FindStringSubmatch(part)
		if len(matches) != 2 {
			continue
		}
		dtype := dtypeForH5T(matches[1])
		if dtype == dtypes.InvalidDType {
			continue
		}
		matches = regexpH5HeaderDataSpace.FindStringSubmatch(part)
		if len(matches) != 4 {
			continue
		}
		switch matches[1] {
		case "SCALAR":
			result[name] = shapes.Make(dtype)
		case "SIMPLE":
			var dims []int
			valid := true
			for _, dimStr := range strings.Split(matches[3], ",") {
				dim, err := strconv.Atoi(strings.TrimSpace(dimStr))
				if err != nil {
					valid = false
					break
				}
				dims = append(dims, dim)
			}
			if valid {
				result[name] = shapes.Make(dtype, dims...)
			}
		}
	}
	return result, nil
}

// dtypeForH5T returns the dtype of the HDF5 type, or InvalidDType if not supported.
func dtypeForH5T(h5type string) dtypes.DType {
	switch h5type {
	case "H5T_IEEE_F32LE":
		return dtypes.Float32
	case "H5T_IEEE_F64LE":
		return dtypes.Float64
	case "H5T_STD_I32LE":
		return dtypes.Int32
	case "H5T_STD_I64LE":
		return dtypes.Int64
	}
	return dtypes.InvalidDType
}

func execH5Dump(args ...string) ([]byte, error) {
	binPath, err := exec.LookPath(H5DumpBinary)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot find %q in PATH, needed to read the Inception-v3 weights: "+
			"please install the hdf5-tools package", H5DumpBinary)
	}
	cmd := exec.Command(binPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err = cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "failed executing %q, stderr:\n%s", cmd, stderr.String())
	}
	return stdout.Bytes(), nil
}

// readH5Tensor extracts the dataset from the HDF5 file into a tensor of the given shape.
func readH5Tensor(h5Path, name string, shape shapes.Shape) (*tensors.Tensor, error) {
	tmpFile, err := os.CreateTemp("", "hdf5_dataset")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temporary file to extract HDF5 dataset")
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	defer func() { _ = os.Remove(tmpPath) }()
	if _, err = execH5Dump("--dataset="+name, "--binary=NATIVE", "--output="+tmpPath, h5Path); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read HDF5 dataset %q", name)
	}
	t := tensors.FromShape(shape)
	var sizeErr error
	err = t.MutableBytes(func(data []byte) {
		if len(data) != len(raw) {
			sizeErr = errors.Errorf("HDF5 dataset %q shaped %s has %d bytes, expected %d", name, shape, len(raw), len(data))
			return
		}
		copy(data, raw)
	})
	if err != nil {
		return nil, err
	}
	return t, sizeErr
}

// unpackH5 saves each dataset of the HDF5 file as a tensor file under targetDir, in subdirectories
// following the HDF5 groups. It unpacks to a temporary directory first, renamed to targetDir at the end.
func unpackH5(h5Path, targetDir string) error {
	if fsutil.MustFileExists(targetDir) {
		return errors.Errorf("target directory %q already exists", targetDir)
	}
	contents, err := execH5Dump("--contents", h5Path)
	if err != nil {
		return err
	}
	names, err := h5Datasets(string(contents))
	if err != nil {
		return errors.WithMessagef(err, "HDF5 file %q", h5Path)
	}
	headerArgs := []string{"--header"}
	for _, name := range names {
		headerArgs = append(headerArgs, "--dataset="+name)
	}
	header, err := execH5Dump(append(headerArgs, h5Path)...)
	if err != nil {
		return err
	}
	datasetShapes, err := h5Shapes(string(header))
	if err != nil {
		return errors.WithMessagef(err, "HDF5 file %q", h5Path)
	}

	baseDir := path.Dir(targetDir)
	if err = os.MkdirAll(baseDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %q", baseDir)
	}
	tmpDir, err := os.MkdirTemp(baseDir, path.Base(targetDir)+".")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary directory under %q", baseDir)
	}
	defer func() {
		if tmpDir != "" {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	bar := progressbar.Default(int64(len(datasetShapes)), "unpacking weights")
	for name, shape := range datasetShapes {
		t, err := readH5Tensor(h5Path, name, shape)
		if err != nil {
			return err
		}
		tensorPath := path.Join(tmpDir, name)
		if err = os.MkdirAll(path.Dir(tensorPath), 0o755); err != nil {
			return errors.Wrapf(err, "failed to create directory for %q", tensorPath)
		}
		if err = t.Save(tensorPath); err != nil {
			return errors.WithMessagef(err, "failed to save dataset %q", name)
		}
		_ = bar.Add(1)
	}
	_ = bar.Close()
	klog.V(1).Infof("unpacked %d tensors from %q", len(datasetShapes), h5Path)
	if err = os.Rename(tmpDir, targetDir); err != nil {
		return errors.Wrapf(err, "failed to move unpacked weights to %q", targetDir)
	}
	tmpDir = ""
	return nil
}
