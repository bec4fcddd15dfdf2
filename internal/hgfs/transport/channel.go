package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/hgfs/internal/hgfs"
)

// channelSet selects the active channel from an ordered list of candidates.
// Channels are connected lazily, the first time a request is allocated.
type channelSet struct {
	log     log.Logger
	metrics *metrics

	mut        sync.Mutex
	candidates []*candidate
	active     *candidate
}

type candidate struct {
	ch     hgfs.Channel
	status hgfs.ChannelStatus
}

func newChannelSet(l log.Logger, m *metrics, chs []hgfs.Channel) *channelSet {
	cs := &channelSet{log: l, metrics: m}
	for _, ch := range chs {
		cs.candidates = append(cs.candidates, &candidate{ch: ch})
	}
	return cs
}

// acquire returns the active channel, connecting one if necessary. Candidates
// are tried in order of preference.
func (cs *channelSet) acquire(ctx context.Context) (hgfs.Channel, error) {
	cs.mut.Lock()
	defer cs.mut.Unlock()

	if cs.active != nil && cs.active.status == hgfs.ChannelConnected {
		return cs.active.ch, nil
	}

	var errs *multierror.Error
	for _, cand := range cs.candidates {
		name := cand.ch.Name()
		if err := cand.ch.Open(ctx); err != nil {
			level.Debug(cs.log).Log("msg", "failed to open channel", "channel", name, "err", err)
			cs.metrics.channelOpens.WithLabelValues(name, "error").Inc()
			cand.status = hgfs.ChannelNotConnected
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		level.Info(cs.log).Log("msg", "channel connected", "channel", name)
		cs.metrics.channelOpens.WithLabelValues(name, "success").Inc()
		cand.status = hgfs.ChannelConnected
		cs.active = cand
		return cand.ch, nil
	}

	level.Error(cs.log).Log("msg", "no channel could be connected", "err", errs.ErrorOrNil())
	return nil, ErrNoChannel
}

// connected returns the active channel, or nil if no channel is connected.
func (cs *channelSet) connected() hgfs.Channel {
	cs.mut.Lock()
	defer cs.mut.Unlock()
	if cs.active == nil || cs.active.status != hgfs.ChannelConnected {
		return nil
	}
	return cs.active.ch
}

// markDead closes ch after a failure so the next allocation selects a channel
// again. It is a no-op if ch isn't the active channel.
func (cs *channelSet) markDead(ch hgfs.Channel) {
	cs.mut.Lock()
	defer cs.mut.Unlock()

	if cs.active == nil || cs.active.ch != ch {
		return
	}
	cs.active.status = hgfs.ChannelDead
	cs.active = nil
	cs.metrics.channelFailures.WithLabelValues(ch.Name()).Inc()

	if err := ch.Close(); err != nil {
		level.Warn(cs.log).Log("msg", "error when closing dead channel", "channel", ch.Name(), "err", err)
	}
}

// close closes the active channel.
func (cs *channelSet) close() error {
	cs.mut.Lock()
	defer cs.mut.Unlock()

	if cs.active == nil {
		return nil
	}
	active := cs.active
	cs.active = nil
	active.status = hgfs.ChannelNotConnected
	if err := active.ch.Close(); err != nil {
		return fmt.Errorf("closing channel %s: %w", active.ch.Name(), err)
	}
	return nil
}

// activeStatus returns the name and status of the active channel.
func (cs *channelSet) activeStatus() (string, hgfs.ChannelStatus) {
	cs.mut.Lock()
	defer cs.mut.Unlock()
	if cs.active == nil {
		return "", hgfs.ChannelNotConnected
	}
	return cs.active.ch.Name(), cs.active.status
}

// status returns the status of the candidate named name.
func (cs *channelSet) status(name string) hgfs.ChannelStatus {
	cs.mut.Lock()
	defer cs.mut.Unlock()
	for _, cand := range cs.candidates {
		if cand.ch.Name() == name {
			return cand.status
		}
	}
	return hgfs.ChannelUninitialized
}
