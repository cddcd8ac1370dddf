// Package flusher drains the realtime cache into the store on a fixed
// cadence. Each backend's pending deltas are snapshotted atomically and
// written one transaction per dimension; a failed dimension is merged
// back into the cache for the next round.
package flusher

import (
	"log"
	"time"

	"github.com/clashmeter/clashmeter/internal/model"
	"github.com/clashmeter/clashmeter/internal/realtime"
	"github.com/clashmeter/clashmeter/internal/scanloop"
)

const shutdownFlushTimeout = 10 * time.Second

// StatsWriter is the store surface the flusher needs.
type StatsWriter interface {
	UpsertHourly([]model.HourlyRow) error
	UpsertDomains([]model.DomainRow) error
	UpsertIPs([]model.IPRow) error
	UpsertProxies([]model.ProxyRow) error
	UpsertRules([]model.RuleRow) error
	UpsertDevices([]model.DeviceRow) error
	UpsertCountries([]model.CountryRow) error
	UpsertDomainChains([]model.DomainChainRow) error
	UpsertIPDomains([]model.IPDomainRow) error
	UpsertIPChains([]model.IPChainRow) error
	UpsertRuleDomainChains([]model.RuleDomainChainRow) error
}

// Flusher owns the periodic drain loop.
type Flusher struct {
	cache    *realtime.Cache
	store    StatsWriter
	interval time.Duration

	stopCh chan struct{}
	done   chan struct{}
}

// New builds a flusher; Start launches the loop.
func New(cache *realtime.Cache, store StatsWriter, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Flusher{
		cache:    cache,
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the flush loop.
func (f *Flusher) Start() {
	go func() {
		defer close(f.done)
		scanloop.Run(f.stopCh, f.interval, f.interval/10, f.FlushAll)
	}()
}

// Stop halts the loop and performs one final synchronous flush, bounded
// so shutdown cannot hang on a wedged database.
func (f *Flusher) Stop() {
	close(f.stopCh)
	<-f.done

	finished := make(chan struct{})
	go func() {
		f.FlushAll()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(shutdownFlushTimeout):
		log.Printf("[flusher] final flush exceeded %s, abandoning", shutdownFlushTimeout)
	}
}

// FlushAll flushes every backend holding pending deltas.
func (f *Flusher) FlushAll() {
	for _, backendID := range f.cache.Backends() {
		f.flushBackend(backendID)
	}
}

// flushBackend drains one backend and writes dimensions in fixed order:
// hourly first, joins last, so partial failures leave the most-queried
// dimensions consistent first.
func (f *Flusher) flushBackend(backendID string) {
	batch := f.cache.Drain(backendID)
	if batch.Empty() {
		return
	}

	dims := []struct {
		name    string
		flush   func() error
		requeue func(*model.FlushBatch)
	}{
		{"hourly", func() error { return f.store.UpsertHourly(batch.Hourly) },
			func(rb *model.FlushBatch) { rb.Hourly = batch.Hourly }},
		{"domain", func() error { return f.store.UpsertDomains(batch.Domains) },
			func(rb *model.FlushBatch) { rb.Domains = batch.Domains }},
		{"ip", func() error { return f.store.UpsertIPs(batch.IPs) },
			func(rb *model.FlushBatch) { rb.IPs = batch.IPs }},
		{"proxy", func() error { return f.store.UpsertProxies(batch.Proxies) },
			func(rb *model.FlushBatch) { rb.Proxies = batch.Proxies }},
		{"rule", func() error { return f.store.UpsertRules(batch.Rules) },
			func(rb *model.FlushBatch) { rb.Rules = batch.Rules }},
		{"device", func() error { return f.store.UpsertDevices(batch.Devices) },
			func(rb *model.FlushBatch) { rb.Devices = batch.Devices }},
		{"country", func() error { return f.store.UpsertCountries(batch.Countries) },
			func(rb *model.FlushBatch) { rb.Countries = batch.Countries }},
		{"domain_chain", func() error { return f.store.UpsertDomainChains(batch.DomainChains) },
			func(rb *model.FlushBatch) { rb.DomainChains = batch.DomainChains }},
		{"ip_domain", func() error { return f.store.UpsertIPDomains(batch.IPDomains) },
			func(rb *model.FlushBatch) { rb.IPDomains = batch.IPDomains }},
		{"ip_chain", func() error { return f.store.UpsertIPChains(batch.IPChains) },
			func(rb *model.FlushBatch) { rb.IPChains = batch.IPChains }},
		{"rule_domain_chain", func() error { return f.store.UpsertRuleDomainChains(batch.RuleDomainChains) },
			func(rb *model.FlushBatch) { rb.RuleDomainChains = batch.RuleDomainChains }},
	}

	for _, d := range dims {
		if err := d.flush(); err != nil {
			log.Printf("[flusher] backend %s: %s flush failed, requeueing: %v", backendID, d.name, err)
			rb := &model.FlushBatch{BackendID: backendID}
			d.requeue(rb)
			f.cache.Reapply(rb)
		}
	}
}
