package telegram

import (
	"image/color"
	"sync"

	"github.com/chaos-io/removebg/rembg"
)

// chatSettings 每个会话独立的处理参数
type chatSettings struct {
	Model        rembg.Model
	AlphaMatting bool
	Background   *color.NRGBA
}

func (s chatSettings) params(maxDim int) rembg.Params {
	p := rembg.DefaultParams()
	p.Model = s.Model
	p.AlphaMatting = s.AlphaMatting
	p.MaxDimension = maxDim
	if s.Background != nil {
		p = p.WithBackground(*s.Background)
	}
	return p
}

// settingsStore 内存保存，重启后恢复默认
type settingsStore struct {
	mu       sync.RWMutex
	chats    map[int64]chatSettings
	defaults chatSettings
}

func newSettingsStore(defaults chatSettings) *settingsStore {
	return &settingsStore{
		chats:    make(map[int64]chatSettings),
		defaults: defaults,
	}
}

func (s *settingsStore) get(chatID int64) chatSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cs, ok := s.chats[chatID]; ok {
		return cs
	}
	return s.defaults
}

func (s *settingsStore) update(chatID int64, fn func(cs *chatSettings)) chatSettings {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.chats[chatID]
	if !ok {
		cs = s.defaults
	}
	fn(&cs)
	s.chats[chatID] = cs
	return cs
}

func (s *settingsStore) reset(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, chatID)
}
