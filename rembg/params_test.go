package rembg

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModel(t *testing.T) {
	for _, name := range ModelNames() {
		m, err := ParseModel(name)
		require.NoError(t, err)
		assert.Equal(t, name, m.String())
		assert.True(t, m.Valid())
	}

	for _, name := range []string{"", "U2NETP", "u2net ", "sam", "birefnet"} {
		_, err := ParseModel(name)
		assert.ErrorIs(t, err, ErrUnsupportedModel, name)
	}
}

func TestModels(t *testing.T) {
	models := Models()
	require.Len(t, models, 6)
	assert.Equal(t, ModelU2NetP, models[0].Model)

	// 返回副本
	models[0].Description = "changed"
	assert.NotEqual(t, "changed", Models()[0].Description)
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in      string
		want    *color.NRGBA
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "   ", want: nil},
		{in: "FFFFFF", want: &color.NRGBA{R: 255, G: 255, B: 255, A: 255}},
		{in: "#00ff7f", want: &color.NRGBA{R: 0, G: 255, B: 127, A: 255}},
		{in: " #102030 ", want: &color.NRGBA{R: 16, G: 32, B: 48, A: 255}},
		{in: "FFF", wantErr: true},
		{in: "GGGGGG", wantErr: true},
		{in: "#1234567", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseHexColor(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParams_WithBackground(t *testing.T) {
	p := DefaultParams().WithBackground(color.NRGBA{R: 1, G: 2, B: 3, A: 10})
	require.NotNil(t, p.Background)
	assert.Equal(t, color.NRGBA{R: 1, G: 2, B: 3, A: 255}, *p.Background)

	p = p.WithBackground(nil)
	assert.Nil(t, p.Background)
}

func TestComposite(t *testing.T) {
	fg := image.NewNRGBA(image.Rect(0, 0, 3, 1))
	copy(fg.Pix, []uint8{
		200, 100, 0, 255, // 前景
		200, 100, 0, 0, // 背景
		200, 100, 0, 128, // 半透明
	})

	out := composite(fg, color.NRGBA{R: 0, G: 0, B: 255, A: 255})
	assert.Equal(t, []uint8{200, 100, 0, 255}, out.Pix[0:4])
	assert.Equal(t, []uint8{0, 0, 255, 255}, out.Pix[4:8])
	assert.Equal(t, []uint8{100, 50, 127, 255}, out.Pix[8:12])
}

func TestCutout(t *testing.T) {
	img := NormalizeImage(solid(2, 2, color.RGBA{R: 9, G: 8, B: 7, A: 255}), 0)
	alpha := image.NewGray(image.Rect(0, 0, 2, 2))
	alpha.Pix = []uint8{0, 64, 128, 255}

	out := cutout(img, alpha)
	assert.Equal(t, []uint8{9, 8, 7, 0}, out.Pix[0:4])
	assert.Equal(t, []uint8{9, 8, 7, 255}, out.Pix[12:16])
}
