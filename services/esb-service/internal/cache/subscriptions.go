package cache

import (
	"github.com/fabrica/esb/libs/esb"
	"github.com/fabrica/esb/libs/kafkax"
)

// Subscriptions groups active configs by consumer group into distinct, sorted topic sets.
// Configs that listen to no action contribute nothing; groups left with no topics are omitted.
func Subscriptions(configs []esb.CacheConfig) map[string][]string {
	raw := map[string][]string{}
	for _, c := range configs {
		if !c.IsActive || !c.ListensAny() {
			continue
		}
		raw[c.ConsumerGroup] = append(raw[c.ConsumerGroup], c.Topic())
	}
	subs := make(map[string][]string, len(raw))
	for group, topics := range raw {
		if topics = kafkax.NormalizeTopics(topics); len(topics) > 0 {
			subs[group] = topics
		}
	}
	return subs
}

type matchKey struct {
	group  string
	domain string
	table  string
}

// snapshot is the config view messages are matched against between refreshes.
type snapshot map[matchKey]esb.CacheConfig

func newSnapshot(configs []esb.CacheConfig) snapshot {
	s := make(snapshot, len(configs))
	for _, c := range configs {
		if !c.IsActive {
			continue
		}
		s[matchKey{group: c.ConsumerGroup, domain: c.SourceDomain, table: c.SourceTable}] = c
	}
	return s
}

func (s snapshot) match(group, domain, aggregateType string) (esb.CacheConfig, bool) {
	c, ok := s[matchKey{group: group, domain: domain, table: aggregateType}]
	return c, ok
}
