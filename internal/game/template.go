package game

import (
	"strings"
	"sync"
	"text/template"
)

// Challenge descriptions and announcement bodies are Go templates over the
// current tick and the viewer's group, so operators can stage hints without
// re-publishing content.
type templateData struct {
	Tick  int64
	Group string
}

const renderFallback = "<i>（模板渲染失败）</i>"

func renderTemplate(text string, tick int64, group string) (string, error) {
	tpl, err := template.New("content").Parse(text)
	if err != nil {
		return renderFallback, err
	}
	var sb strings.Builder
	if err := tpl.Execute(&sb, templateData{Tick: tick, Group: group}); err != nil {
		return renderFallback, err
	}
	return sb.String(), nil
}

// renderCache memoizes per (tick, group). Ticks move forward only, so a
// small cap with full flush on overflow is plenty.
type renderCache struct {
	mu      sync.Mutex
	entries map[renderKey]string
}

type renderKey struct {
	tick  int64
	group string
}

const renderCacheCap = 16

func newRenderCache() *renderCache {
	return &renderCache{entries: make(map[renderKey]string)}
}

func (c *renderCache) get(tick int64, group string, render func() (string, error), onErr func(error)) string {
	key := renderKey{tick, group}

	c.mu.Lock()
	if s, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return s
	}
	c.mu.Unlock()

	s, err := render()
	if err != nil {
		onErr(err)
	}

	c.mu.Lock()
	if len(c.entries) >= renderCacheCap {
		c.entries = make(map[renderKey]string)
	}
	c.entries[key] = s
	c.mu.Unlock()
	return s
}

func (c *renderCache) clear() {
	c.mu.Lock()
	c.entries = make(map[renderKey]string)
	c.mu.Unlock()
}
