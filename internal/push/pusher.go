// Package push delivers notifications outward: operator webhook messages
// and the player-facing WebSocket hub.
package push

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	pushTimeout = 10 * time.Second

	// Per channel: bursts of 5, refilling one slot every 4 minutes, which
	// caps sustained traffic at 5 messages per 20 minutes.
	chanBurst  = 5
	chanRefill = 4 * time.Minute
)

// Pusher posts text messages to the operator webhook. Channels throttle
// independently so a noisy log channel cannot drown police reports.
type Pusher struct {
	url    string
	client *http.Client

	mu    sync.Mutex
	chans map[string]*rate.Limiter
}

func NewPusher(url string) *Pusher {
	return &Pusher{
		url:    url,
		client: &http.Client{Timeout: pushTimeout},
		chans:  make(map[string]*rate.Limiter),
	}
}

func (p *Pusher) allow(channel string) bool {
	if channel == "" {
		return true
	}
	p.mu.Lock()
	lim, ok := p.chans[channel]
	if !ok {
		lim = rate.NewLimiter(rate.Every(chanRefill), chanBurst)
		p.chans[channel] = lim
	}
	p.mu.Unlock()
	return lim.Allow()
}

// PushMessage posts one text message. channel may be empty for unthrottled
// delivery. Failures are swallowed; callers log independently.
func (p *Pusher) PushMessage(msg, channel string) {
	if p.url == "" {
		return
	}
	if !p.allow(channel) {
		return
	}

	body, err := json.Marshal(map[string]any{
		"msg_type": "text",
		"content":  map[string]string{"text": msg},
	})
	if err != nil {
		return
	}

	resp, err := p.client.Post(p.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return
	}
	resp.Body.Close()
}
