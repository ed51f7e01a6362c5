package rembg

import (
	"fmt"
	"strings"
)

// Model 模型标识，取值固定
type Model string

const (
	ModelU2NetP          Model = "u2netp"
	ModelU2Net           Model = "u2net"
	ModelISNetGeneralUse Model = "isnet-general-use"
	ModelBiRefNetGeneral Model = "birefnet-general"
	ModelBriaRMBG        Model = "bria-rmbg"
	ModelU2NetHumanSeg   Model = "u2net_human_seg"
)

const (
	// DefaultModel REST/UI 默认模型
	DefaultModel = ModelU2NetP
	// DefaultHighQualityModel 命令行默认模型
	DefaultHighQualityModel = ModelBiRefNetGeneral
)

// ModelInfo 模型说明，按从轻到重排列
type ModelInfo struct {
	Model       Model
	Description string
}

var catalog = []ModelInfo{
	{ModelU2NetP, "Light and fast, good quality"},
	{ModelU2Net, "Default, balanced quality/speed"},
	{ModelISNetGeneralUse, "High quality, general use"},
	{ModelBiRefNetGeneral, "Excellent quality, recommended"},
	{ModelBriaRMBG, "State of the art, maximum quality"},
	{ModelU2NetHumanSeg, "Optimized for photos of people"},
}

// Models 返回全部支持的模型
func Models() []ModelInfo {
	out := make([]ModelInfo, len(catalog))
	copy(out, catalog)
	return out
}

// ModelNames 返回模型标识列表
func ModelNames() []string {
	names := make([]string, 0, len(catalog))
	for _, m := range catalog {
		names = append(names, string(m.Model))
	}
	return names
}

// Valid 是否为支持的模型（严格字符串匹配）
func (m Model) Valid() bool {
	for _, info := range catalog {
		if info.Model == m {
			return true
		}
	}
	return false
}

func (m Model) String() string {
	return string(m)
}

// ParseModel 解析模型标识，不支持时返回 ErrUnsupportedModel
func ParseModel(s string) (Model, error) {
	m := Model(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q (use one of: %s)", ErrUnsupportedModel, s, strings.Join(ModelNames(), ", "))
	}
	return m, nil
}
