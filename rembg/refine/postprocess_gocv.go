//go:build gocv
// +build gocv

package refine

import (
	"image"

	"gocv.io/x/gocv"
)

// PostProcess 使用 OpenCV 做掩码后处理：椭圆核开运算、5x5 高斯模糊、二值化。
// 转换失败时退回纯 Go 实现。
func PostProcess(mask *image.Gray) *image.Gray {
	mask = rebase(mask)

	src, err := gocv.ImageGrayToMatGray(mask)
	if err != nil {
		return postProcess(mask)
	}
	defer src.Close()

	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(3, 3))
	defer kernel.Close()

	opened := gocv.NewMat()
	defer opened.Close()
	gocv.MorphologyEx(src, &opened, gocv.MorphOpen, kernel)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(opened, &blurred, image.Pt(5, 5), blurSigma, blurSigma, gocv.BorderDefault)

	// ThresholdBinary 是 > thresh，这里要 >= 127
	final := gocv.NewMat()
	defer final.Close()
	gocv.Threshold(blurred, &final, binaryThreshold-1, 255, gocv.ThresholdBinary)

	img, err := final.ToImage()
	if err != nil {
		return postProcess(mask)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		return postProcess(mask)
	}
	return gray
}
