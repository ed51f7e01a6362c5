package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"image"
	"net/http"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chaos-io/removebg/rembg"
)

const msgNoImage = "No image uploaded."

var templateFuncs = template.FuncMap{
	// dataURI 预览图直接内联到页面
	"dataURI": func(mime string, data []byte) template.URL {
		return template.URL("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data))
	},
}

type pageData struct {
	Models       []rembg.ModelInfo
	DefaultModel string
	Error        string
	Result       *preview
	Batch        *batchView
}

type preview struct {
	Name        string
	Original    []byte // JPEG
	Result      []byte // PNG
	DownloadURL string
}

type batchView struct {
	Total     int
	Succeeded int
	Items     []preview
	Failures  []string
}

func (s *Server) page() pageData {
	return pageData{
		Models:       rembg.Models(),
		DefaultModel: s.cfg.Processing.DefaultModel,
	}
}

func (s *Server) render(c *gin.Context, data pageData) {
	c.HTML(http.StatusOK, "index.html", data)
}

func (s *Server) uiIndex(c *gin.Context) {
	s.render(c, s.page())
}

// uiRemove 出错时在页面内显示，不返回错误状态码
func (s *Server) uiRemove(c *gin.Context) {
	data := s.page()

	raw, name, err := readUpload(c, "file", s.cfg.Upload.MaxSize)
	if err != nil {
		if errors.Is(err, errTooLarge) {
			data.Error = err.Error()
		} else {
			data.Error = msgNoImage
		}
		s.render(c, data)
		return
	}

	params, err := s.formParams(c)
	if err != nil {
		data.Error = err.Error()
		s.render(c, data)
		return
	}

	img, err := rembg.Normalize(raw, params.MaxDimension)
	if err != nil {
		data.Error = err.Error()
		s.render(c, data)
		return
	}

	ctx, cancel := s.processingContext(c)
	defer cancel()

	res, err := s.pipeline.RemoveBackground(ctx, img, params)
	if err != nil {
		s.logger.Warn("ui removal failed", zap.Error(err))
		data.Error = err.Error()
		s.render(c, data)
		return
	}

	p, err := s.preview(name, img, res)
	if err != nil {
		data.Error = err.Error()
		s.render(c, data)
		return
	}
	data.Result = p
	s.render(c, data)
}

// uploadItem 记住规范化后的图片，画廊展示处理前后对比
type uploadItem struct {
	rembg.BytesItem
	img *rembg.Image
}

func (u *uploadItem) Load(maxDim int) (*rembg.Image, error) {
	img, err := u.BytesItem.Load(maxDim)
	u.img = img
	return img, err
}

func (s *Server) uiBatch(c *gin.Context) {
	data := s.page()

	form, err := c.MultipartForm()
	if err != nil {
		if errors.Is(formError(err), errTooLarge) {
			data.Error = formError(err).Error()
		} else {
			data.Error = msgNoImage
		}
		s.render(c, data)
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		data.Error = msgNoImage
		s.render(c, data)
		return
	}
	if len(files) > maxBatchFiles {
		data.Error = fmt.Sprintf("At most %d images per batch.", maxBatchFiles)
		s.render(c, data)
		return
	}

	params, err := s.formParams(c)
	if err != nil {
		data.Error = err.Error()
		s.render(c, data)
		return
	}

	view := &batchView{}
	items := make([]rembg.Item, 0, len(files))
	for _, fh := range files {
		raw, err := readFileHeader(fh, s.cfg.Upload.MaxSize)
		if err != nil {
			view.Failures = append(view.Failures, fmt.Sprintf("%s: %v", fh.Filename, err))
			continue
		}
		items = append(items, &uploadItem{BytesItem: rembg.BytesItem{Name: fh.Filename, Data: raw}})
	}

	ctx, cancel := s.processingContext(c)
	defer cancel()

	report, err := s.runner.Run(ctx, rembg.Job{
		Items:  items,
		Params: params,
		Sink: func(_ context.Context, _ int, item rembg.Item, res *rembg.Result) error {
			u := item.(*uploadItem)
			p, err := s.preview(u.Name, u.img, res)
			if err != nil {
				return err
			}
			view.Items = append(view.Items, *p)
			return nil
		},
	})
	if report != nil {
		view.Total = report.Total + len(view.Failures)
		view.Succeeded = report.Succeeded
		for _, f := range report.Failures {
			view.Failures = append(view.Failures, fmt.Sprintf("%s: %v", f.Ref, f.Err))
		}
	}
	if err != nil {
		data.Error = err.Error()
	}
	data.Batch = view
	s.render(c, data)
}

// preview 原图转 JPEG 预览，结果保存为可下载的 PNG
func (s *Server) preview(name string, img image.Image, res *rembg.Result) (*preview, error) {
	png, err := res.PNG()
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}

	var original bytes.Buffer
	if err := imaging.Encode(&original, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}

	id, err := s.downloads.Save(png)
	if err != nil {
		return nil, fmt.Errorf("save download: %w", err)
	}

	return &preview{
		Name:        name,
		Original:    original.Bytes(),
		Result:      png,
		DownloadURL: "/ui/download/" + id,
	}, nil
}

func (s *Server) uiDownload(c *gin.Context) {
	path, err := s.downloads.Path(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Success: false,
			Message: "download expired or not found",
		})
		return
	}
	c.FileAttachment(path, "removed_bg.png")
}
