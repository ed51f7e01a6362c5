package util

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	nhttp "github.com/chaos-io/removebg/util/http"
)

// DownloadFile 下载文件内容到内存
func DownloadFile(ctx context.Context, cli nhttp.IClient, url string, limit int64) ([]byte, error) {
	var buf limitedBuffer
	buf.limit = limit
	err := cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: url,
		Method:     "GET",
		Response:   &buf,
	})
	if err != nil {
		return nil, err
	}
	return buf.data, nil
}

type limitedBuffer struct {
	data  []byte
	limit int64
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.limit > 0 && int64(len(b.data)+len(p)) > b.limit {
		return 0, fmt.Errorf("file exceeds %d bytes", b.limit)
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// WriteFileAtomic 先写同目录下的临时文件再重命名，失败时不留下半个文件
func WriteFileAtomic(path string, write func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = write(tmp); err != nil {
		return err
	}
	// CreateTemp 使用 0600，输出文件与 os.WriteFile 的常见权限保持一致
	if err = tmp.Chmod(0o644); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ListFiles 目录下（不递归）满足 match 的文件，按文件名排序
func ListFiles(dir string, match func(name string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || (match != nil && !match(e.Name())) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
