package client

import (
	"time"

	"github.com/campuspulse/pulse/models"
	"github.com/jellydator/ttlcache/v3"
)

// snapshotEntry is the last message seen on a topic plus when it arrived,
// so staleness is observable instead of indistinguishable from live data.
type snapshotEntry struct {
	msg       models.Message
	updatedAt time.Time
}

// snapshotCache keeps the last-known message per topic. Entries age out on
// the configured TTL so an offline client eventually stops serving ancient
// data; TTL zero keeps them forever.
type snapshotCache struct {
	entries *ttlcache.Cache[string, snapshotEntry]
}

func newSnapshotCache(ttl time.Duration) *snapshotCache {
	opts := []ttlcache.Option[string, snapshotEntry]{
		ttlcache.WithDisableTouchOnHit[string, snapshotEntry](),
	}
	if ttl > 0 {
		opts = append(opts, ttlcache.WithTTL[string, snapshotEntry](ttl))
	}
	cache := ttlcache.New(opts...)
	go cache.Start()
	return &snapshotCache{entries: cache}
}

func (sc *snapshotCache) put(msg models.Message) {
	sc.entries.Set(msg.Topic, snapshotEntry{
		msg:       msg,
		updatedAt: time.Now(),
	}, ttlcache.DefaultTTL)
}

func (sc *snapshotCache) get(topic string) (snapshotEntry, bool) {
	item := sc.entries.Get(topic)
	if item == nil {
		return snapshotEntry{}, false
	}
	return item.Value(), true
}

func (sc *snapshotCache) forget(topic string) {
	sc.entries.Delete(topic)
}

func (sc *snapshotCache) stop() {
	sc.entries.Stop()
}
