// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package grid composes a batch of images into a single grid image and saves it.
//
// The layout follows the common "make grid" convention: images are placed in rows of NRow images,
// separated (and surrounded) by Padding black pixels.
package grid

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// Options of the grid.
type Options struct {
	// NRow is the number of images in each row of the grid.
	NRow int

	// Padding in pixels between images and around the grid.
	Padding int

	// Normalize rescales the values of the whole batch from [min, max] to [0, 1].
	// Otherwise, the values are expected to be in [0, 1] already, and are clipped.
	Normalize bool
}

// DefaultOptions used for the generated images.
func DefaultOptions() Options {
	return Options{NRow: 20, Padding: 2, Normalize: true}
}

// Layout describes a composed grid.
type Layout struct {
	Rows, Cols    int
	Width, Height int
	NumImages     int
}

// ComputeLayout returns the layout of numImages images of the given size.
// A single image is not padded.
func ComputeLayout(numImages, height, width int, opts Options) Layout {
	if numImages == 1 {
		return Layout{Rows: 1, Cols: 1, Width: width, Height: height, NumImages: 1}
	}
	cols := min(opts.NRow, numImages)
	rows := (numImages + cols - 1) / cols
	return Layout{
		Rows:      rows,
		Cols:      cols,
		Width:     cols*(width+opts.Padding) + opts.Padding,
		Height:    rows*(height+opts.Padding) + opts.Padding,
		NumImages: numImages,
	}
}

// Compose the images, a float tensor shaped [numImages, height, width, channels] with 1 or 3 channels,
// into one grid image.
func Compose(images *tensors.Tensor, opts Options) (grid *image.NRGBA, layout Layout, err error) {
	if opts.NRow < 1 || opts.Padding < 0 {
		return nil, layout, errors.Errorf("invalid grid options %+v: NRow must be > 0 and Padding >= 0", opts)
	}
	if images.Rank() != 4 {
		return nil, layout, errors.Errorf("grid expects images shaped [numImages, height, width, channels], got %s",
			images.Shape())
	}
	dims := images.Shape().Dimensions
	numImages, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if numImages == 0 {
		return nil, layout, errors.New("grid got no images")
	}
	if channels != 1 && channels != 3 {
		return nil, layout, errors.Errorf("grid supports images with 1 or 3 channels, got %d channels", channels)
	}
	var values []float32
	switch images.DType() {
	case dtypes.Float32:
		values = tensors.MustCopyFlatData[float32](images)
	case dtypes.Float64:
		for _, v := range tensors.MustCopyFlatData[float64](images) {
			values = append(values, float32(v))
		}
	default:
		return nil, layout, errors.Errorf("grid expects float images, got dtype %s", images.DType())
	}
	rgb := toRGB(values, channels, opts.Normalize)

	var tiles []image.Image
	err = exceptions.TryCatch[error](func() {
		tiles = timages.ToImage().Batch(tensors.FromFlatDataAndDimensions(rgb, numImages, height, width, 3))
	})
	if err != nil {
		return nil, layout, errors.WithMessage(err, "failed to convert images")
	}

	layout = ComputeLayout(numImages, height, width, opts)
	if numImages == 1 {
		return imaging.Clone(tiles[0]), layout, nil
	}
	grid = imaging.New(layout.Width, layout.Height, color.Black)
	for ii, tile := range tiles {
		row, col := ii/layout.Cols, ii%layout.Cols
		pos := image.Pt(
			col*(width+opts.Padding)+opts.Padding,
			row*(height+opts.Padding)+opts.Padding)
		grid = imaging.Paste(grid, tile, pos)
	}
	return grid, layout, nil
}

// toRGB normalizes (or clips) the values to [0, 1] and converts grayscale images to RGB.
func toRGB(values []float32, channels int, normalize bool) []float32 {
	low, high := float32(0), float32(1)
	if normalize {
		low, high = float32(math.Inf(1)), float32(math.Inf(-1))
		for _, v := range values {
			low = min(low, v)
			high = max(high, v)
		}
	}
	scale := 1 / max(high-low, 1e-5)
	rgb := make([]float32, len(values)/channels*3)
	for ii, v := range values {
		v = (min(max(v, low), high) - low) * scale
		if channels == 3 {
			rgb[ii] = v
			continue
		}
		rgb[3*ii], rgb[3*ii+1], rgb[3*ii+2] = v, v, v
	}
	return rgb
}

// Save the images as a grid to filePath. The format is given by the file extension, usually ".png".
func Save(filePath string, images *tensors.Tensor, opts Options) (Layout, error) {
	grid, layout, err := Compose(images, opts)
	if err != nil {
		return layout, err
	}
	if err = imaging.Save(grid, filePath); err != nil {
		return layout, errors.Wrapf(err, "failed to save image grid to %q", filePath)
	}
	return layout, nil
}
