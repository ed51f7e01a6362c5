package server

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/chaos-io/removebg/util"
)

var errDownloadNotFound = errors.New("download not found")

// DownloadStore UI 生成的结果文件，按 ksuid 命名，过期后由定时任务清理
type DownloadStore struct {
	dir    string
	ttl    time.Duration
	logger *zap.Logger
	cron   *cron.Cron
}

func NewDownloadStore(dir string, ttl time.Duration, logger *zap.Logger) (*DownloadStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DownloadStore{dir: dir, ttl: ttl, logger: logger}, nil
}

// Save 返回下载 id
func (d *DownloadStore) Save(png []byte) (string, error) {
	id := ksuid.New().String()
	err := util.WriteFileAtomic(d.path(id), func(w io.Writer) error {
		_, err := io.Copy(w, bytes.NewReader(png))
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Path id 不合法或文件已清理时返回 errDownloadNotFound
func (d *DownloadStore) Path(id string) (string, error) {
	if _, err := ksuid.Parse(id); err != nil {
		return "", errDownloadNotFound
	}
	p := d.path(id)
	if _, err := os.Stat(p); err != nil {
		return "", errDownloadNotFound
	}
	return p, nil
}

func (d *DownloadStore) path(id string) string {
	return filepath.Join(d.dir, id+".png")
}

// Sweep 删除创建时间早于 now-ttl 的文件，返回删除数量；文件名不是 ksuid 的文件不动
func (d *DownloadStore) Sweep(now time.Time) (int, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, err
	}

	deadline := now.Add(-d.ttl)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".png") {
			continue
		}
		id, err := ksuid.Parse(strings.TrimSuffix(name, ".png"))
		if err != nil || !id.Time().Before(deadline) {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("failed to delete download", zap.String("file", name), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// StartSweeper 按 cron 表达式定期清理
func (d *DownloadStore) StartSweeper(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		n, err := d.Sweep(time.Now())
		if err != nil {
			d.logger.Warn("download sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			d.logger.Info("expired downloads removed", zap.Int("count", n))
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	d.cron = c
	return nil
}

func (d *DownloadStore) Stop() {
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
}
