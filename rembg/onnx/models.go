package onnx

import (
	"fmt"

	"github.com/chaos-io/removebg/rembg"
)

var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}

	halfMean = [3]float32{0.5, 0.5, 0.5}
	unitStd  = [3]float32{1, 1, 1}
)

// modelProfile 单个模型的权重文件与输入输出约定
type modelProfile struct {
	File string
	// Size 正方形输入边长
	Size int
	Mean [3]float32
	Std  [3]float32
	// Sigmoid 输出是 logits，需要先做 sigmoid
	Sigmoid bool
}

var profiles = map[rembg.Model]modelProfile{
	rembg.ModelU2NetP: {
		File: "u2netp.onnx", Size: 320, Mean: imagenetMean, Std: imagenetStd,
	},
	rembg.ModelU2Net: {
		File: "u2net.onnx", Size: 320, Mean: imagenetMean, Std: imagenetStd,
	},
	rembg.ModelU2NetHumanSeg: {
		File: "u2net_human_seg.onnx", Size: 320, Mean: imagenetMean, Std: imagenetStd,
	},
	rembg.ModelISNetGeneralUse: {
		File: "isnet-general-use.onnx", Size: 1024, Mean: halfMean, Std: unitStd,
	},
	rembg.ModelBiRefNetGeneral: {
		File: "BiRefNet-general-epoch_244.onnx", Size: 1024, Mean: imagenetMean, Std: imagenetStd, Sigmoid: true,
	},
	rembg.ModelBriaRMBG: {
		File: "bria-rmbg-2.0.onnx", Size: 1024, Mean: halfMean, Std: unitStd,
	},
}

func profileFor(model rembg.Model) (modelProfile, error) {
	s, ok := profiles[model]
	if !ok {
		return modelProfile{}, fmt.Errorf("%w: %q", rembg.ErrUnsupportedModel, model)
	}
	return s, nil
}
