/*
 * SPDX-License-Identifier: Unlicense
 *
 * This is free and unencumbered software released into the public domain.
 *
 * Anyone is free to copy, modify, publish, use, compile, sell, or distribute this
 * software, either in source code form or as a compiled binary, for any purpose,
 * commercial or non-commercial, and by any means.
 *
 * For more information, please refer to <http://unlicense.org/>
 */

package main

import (
	"github.com/mattn/go-tflite"
	"github.com/pkg/errors"
)

// tensorData is a dequantized copy of an output tensor
type tensorData struct {
	name  string
	shape []int
	data  []float32
}

// box corners in model input pixels
type box struct {
	x1, y1, x2, y2 float64
}

type candidate struct {
	box     box
	score   float32
	classID int
}

type PostProcessing interface {
	extractResult(outputs []tensorData, inW int, inH int, scoreTh float32) []candidate
}

func newPostProcessing(cfg ModelConfig, anchors []anchor) (PostProcessing, error) {
	switch cfg.Decoder {
	case "ssd":
		return SsdPostProcessing{}, nil
	case "yolo":
		for _, group := range cfg.AnchorsMask {
			for _, idx := range group {
				if idx < 0 || idx >= len(anchors) {
					return nil, errors.Errorf("anchor mask index %d out of %d anchors", idx, len(anchors))
				}
			}
		}
		return YoloPostProcessing{anchors: anchors, mask: cfg.AnchorsMask, normalized: cfg.Normalized}, nil
	}
	return nil, errors.Errorf("unknown decoder %q", cfg.Decoder)
}

func getTensorShape(tensor *tflite.Tensor) []int {
	shape := []int{}
	for idx := 0; idx < tensor.NumDims(); idx++ {
		shape = append(shape, tensor.Dim(idx))
	}
	return shape
}

// readTensor copies an output tensor to float32, dequantizing integer types.
func readTensor(output *tflite.Tensor) (tensorData, error) {
	t := tensorData{name: output.Name(), shape: getTensorShape(output)}
	q := output.QuantizationParams()
	scale, zero := float32(q.Scale), float32(q.ZeroPoint)

	switch output.Type() {
	case tflite.Float32:
		f := output.Float32s()
		t.data = make([]float32, len(f))
		copy(t.data, f)
	case tflite.UInt8:
		t.data = dequantize(output.UInt8s(), scale, zero)
	case tflite.Int8:
		f := make([]int8, output.ByteSize())
		if len(f) == 0 {
			break
		}
		if status := output.CopyToBuffer(f); status != tflite.OK {
			return t, errors.Errorf("copy %s: %v", t.name, status)
		}
		t.data = dequantize(f, scale, zero)
	default:
		return t, errors.Errorf("unsupported output type %v for %s", output.Type(), t.name)
	}
	return t, nil
}

// dequantize maps quantized values to reals; a zero scale means the model
// left the output unannotated and values are taken as 0..255 fractions.
func dequantize[T uint8 | int8](raw []T, scale, zero float32) []float32 {
	out := make([]float32, len(raw))
	for i, v := range raw {
		if scale == 0 {
			out[i] = float32(v) / 255
		} else {
			out[i] = (float32(v) - zero) * scale
		}
	}
	return out
}

func argmax(f []float32) (int, float32) {
	r, m := 0, f[0]
	for i, v := range f {
		if v > m {
			m = v
			r = i
		}
	}
	return r, m
}
