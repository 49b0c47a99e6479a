package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
)

// Stats is a traffic/connection counter owned by one server or client.
type Stats struct {
	TotalConns  atomic.Int64 // cumulative count of opened connections
	ClosedConns atomic.Int64 // cumulative count of closed connections
	BytesSent   atomic.Int64 // cumulative bytes written to streams
	BytesRecv   atomic.Int64 // cumulative bytes read from streams
}

func (s *Stats) AddConn()      { s.TotalConns.Add(1) }
func (s *Stats) RemoveConn()   { s.ClosedConns.Add(1) }
func (s *Stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *Stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// Open returns the number of connections that are currently open.
func (s *Stats) Open() int64 {
	return s.TotalConns.Load() - s.ClosedConns.Load()
}

// StartReporter launches a goroutine that logs traffic every interval while
// there is something to report. It stops when ctx is cancelled.
func (s *Stats) StartReporter(ctx context.Context, interval time.Duration, log Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := s.TotalConns.Load()
				closed := s.ClosedConns.Load()
				sent := s.BytesSent.Load()
				recv := s.BytesRecv.Load()

				secs := interval.Seconds()
				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				inC := total - prevTotal
				outC := closed - prevClosed

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
					log.Infof("%s", formatStats(inS, outS, inC, outC))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// FormatBytes renders a byte count the way connection logs show it.
func FormatBytes(n int64) string {
	return sizestr.ToString(n)
}

// formatStats returns a formatted string of per-second rates and connection deltas.
func formatStats(inS, outS float64, inC, outC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓",
		FormatBytes(int64(inS)),
		FormatBytes(int64(outS)),
		inC,
		outC,
	)
}
