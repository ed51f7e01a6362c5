//go:build !gocv
// +build !gocv

package refine

import "image"

// PostProcess 掩码后处理（未启用 gocv 时的纯 Go 版本）
func PostProcess(mask *image.Gray) *image.Gray {
	return postProcess(mask)
}
