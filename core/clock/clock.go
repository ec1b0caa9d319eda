package clock

import (
	"fmt"
	"time"

	"dutchauction/core/state"
	"dutchauction/storage"
)

const genesisKey = "clock/genesis"

// HeightSource supplies the current block height. The auction engine only
// ever reads it.
type HeightSource func() uint64

// Interval derives a monotonically increasing block height from wall time: one
// block per interval since the persisted genesis timestamp. The genesis
// timestamp is written on first use so restarts continue the same height
// sequence.
type Interval struct {
	genesis  time.Time
	interval time.Duration
	now      func() time.Time
}

// NewInterval opens (or establishes) the interval clock over the provided
// database. The interval must be positive.
func NewInterval(db storage.Database, interval time.Duration) (*Interval, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("clock: interval must be positive")
	}
	mgr := state.NewManager(db)
	var genesisUnix uint64
	ok, err := mgr.KVGet([]byte(genesisKey), &genesisUnix)
	if err != nil {
		return nil, err
	}
	if !ok {
		genesisUnix = uint64(time.Now().Unix())
		if err := mgr.KVPut([]byte(genesisKey), genesisUnix); err != nil {
			return nil, err
		}
	}
	return &Interval{
		genesis:  time.Unix(int64(genesisUnix), 0),
		interval: interval,
		now:      time.Now,
	}, nil
}

// SetNowFunc overrides the wall-clock source, used by tests.
func (c *Interval) SetNowFunc(now func() time.Time) {
	if now == nil {
		c.now = time.Now
		return
	}
	c.now = now
}

// Height returns the number of whole intervals elapsed since genesis.
func (c *Interval) Height() uint64 {
	elapsed := c.now().Sub(c.genesis)
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed / c.interval)
}
