package source

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/sdrsource/internal/device"
	"github.com/rjboer/sdrsource/internal/logging"
)

// stallBackOff paces retries after reads that returned nothing. It gives up
// once no sample has arrived for limit; a negative limit never gives up.
func stallBackOff(limit time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = limit
	if limit < 0 {
		b.MaxElapsedTime = 0
	}
	b.Reset()
	return b
}

// Read fills out with len(out) samples, reading at most MTU samples per
// device call. It returns len(out), or zero and an error. Stream failures
// are latched: once Read fails, every later call returns the same error.
func (s *Source) Read(out []complex64) (int, error) {
	if err := s.Err(); err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, nil
	}
	s.reads.Add(1)

	var stall *backoff.ExponentialBackOff
	index := 0
	for index < len(out) {
		chunk := min(len(out)-index, s.mtu)
		buf := out[index : index+chunk]

		var st device.StreamStatus
		err := s.guard.do(func(d device.Device) error {
			var err error
			st, err = d.ReadStream(buf, s.cfg.ReadTimeout)
			return err
		})
		s.chunks.Add(1)

		switch {
		case errors.Is(err, ErrClosed):
			return 0, ErrClosed
		case err != nil && !errors.Is(err, device.ErrTimeout):
			return 0, s.fail(fmt.Errorf("read stream: %w", err))
		case st.N > chunk:
			return 0, s.fail(fmt.Errorf("read stream: device returned %d samples for a %d sample request: %w", st.N, chunk, device.ErrCorruption))
		case st.N < 0:
			return 0, s.fail(fmt.Errorf("read stream: device returned %d samples: %w", st.N, device.ErrCorruption))
		}

		if st.N > 0 {
			index += st.N
			s.samples.Add(uint64(st.N))
			if stall != nil {
				stall.Reset()
			}
			continue
		}

		// No progress: a timeout or an empty read.
		s.zeroReads.Add(1)
		timedOut := err != nil
		if timedOut {
			s.timeouts.Add(1)
		}
		if stall == nil {
			stall = stallBackOff(s.cfg.StallTimeout)
		}
		wait := stall.NextBackOff()
		if wait == backoff.Stop {
			return 0, s.fail(fmt.Errorf("%w: no samples for %s", ErrStalled, stall.GetElapsedTime().Round(time.Millisecond)))
		}
		if s.log.Enabled(logging.Debug) {
			s.log.Debug("no samples", logging.Field{Key: "timeout", Value: timedOut}, logging.Field{Key: "filled", Value: index})
		}
		time.Sleep(wait)
	}
	return index, nil
}
