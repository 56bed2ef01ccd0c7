package host

import (
	"net"
	"time"

	"github.com/patrickmn/go-cache"
)

// banList remembers kicked client addresses for a limited time.
type banList struct {
	entries *cache.Cache
	ttl     time.Duration
}

func newBanList(ttl time.Duration) *banList {
	cleanup := ttl
	if cleanup <= 0 {
		cleanup = time.Minute
	}

	return &banList{entries: cache.New(ttl, cleanup), ttl: ttl}
}

func (b *banList) Add(remote string) {
	if b.ttl <= 0 {
		return
	}

	b.entries.Set(ipOf(remote), struct{}{}, b.ttl)
}

func (b *banList) Banned(remote string) bool {
	_, found := b.entries.Get(ipOf(remote))
	return found
}

func (b *banList) Lift(remote string) {
	b.entries.Delete(ipOf(remote))
}

// ipOf strips the port so every connection from one machine shares a ban.
func ipOf(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}

	return host
}
