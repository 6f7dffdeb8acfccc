package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	worker "github.com/okian/pitchpulse/internal/adapters/mq/worker"
	logging "github.com/okian/pitchpulse/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

func jobs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("match-%d", i)
	}
	return out
}

func TestPool(t *testing.T) {
	ctx := context.Background()

	convey.Convey("Given a pool of three workers", t, func() {
		var (
			mu   sync.Mutex
			seen = map[string]int{}
			busy atomic.Int32
			peak atomic.Int32
		)
		handler := func(_ context.Context, job string) error {
			n := busy.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			busy.Add(-1)

			mu.Lock()
			seen[job]++
			mu.Unlock()
			return nil
		}
		pool := worker.NewPool(3, handler, worker.WithName("test"), worker.WithLogger(logging.Nop()))

		convey.Convey("When it runs twenty jobs", func() {
			err := pool.RunAll(ctx, jobs(20))

			convey.Convey("Then every job runs exactly once", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(len(seen), convey.ShouldEqual, 20)
				for _, n := range seen {
					convey.So(n, convey.ShouldEqual, 1)
				}
				convey.So(pool.Processed(), convey.ShouldEqual, 20)
				convey.So(pool.Failed(), convey.ShouldEqual, 0)
			})

			convey.Convey("Then no more than three run at once", func() {
				convey.So(peak.Load(), convey.ShouldBeLessThanOrEqualTo, 3)
				convey.So(pool.Size(), convey.ShouldEqual, 3)
			})
		})
	})

	convey.Convey("Given a handler that fails some jobs", t, func() {
		boom := errors.New("replay failed")
		pool := worker.NewPool(2, func(_ context.Context, job string) error {
			if job == "match-3" || job == "match-5" {
				return boom
			}
			return nil
		}, worker.WithLogger(logging.Nop()))

		err := pool.RunAll(ctx, jobs(8))

		convey.Convey("Then the failures are joined and the rest succeed", func() {
			convey.So(errors.Is(err, boom), convey.ShouldBeTrue)
			convey.So(err.Error(), convey.ShouldContainSubstring, "match-3")
			convey.So(err.Error(), convey.ShouldContainSubstring, "match-5")
			convey.So(pool.Failed(), convey.ShouldEqual, 2)
			convey.So(pool.Processed(), convey.ShouldEqual, 6)
		})
	})

	convey.Convey("Given a canceled context", t, func() {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		pool := worker.NewPool(0, func(context.Context, string) error { return nil }, worker.WithLogger(logging.Nop()))

		err := pool.Run(cctx, make(chan string))

		convey.Convey("Then Run returns the context error", func() {
			convey.So(errors.Is(err, context.Canceled), convey.ShouldBeTrue)
			convey.So(pool.Size(), convey.ShouldBeGreaterThan, 0)
		})
	})
}
