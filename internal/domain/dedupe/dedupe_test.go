package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	dedupe "github.com/okian/pitchpulse/internal/domain/dedupe"
	. "github.com/smartystreets/goconvey/convey"
)

func TestInMemoryDeduper(t *testing.T) {
	ctx := context.Background()

	Convey("Given a new InMemoryDeduper", t, func() {
		d := dedupe.NewInMemoryDeduper()

		Convey("Then it starts empty", func() {
			So(d.Size(), ShouldEqual, 0)
			_, ok := d.Lookup(ctx, "cmd-1")
			So(ok, ShouldBeFalse)
		})

		Convey("When a command id is recorded", func() {
			So(d.Record(ctx, "m1/cmd-1", 7), ShouldBeTrue)

			Convey("Then lookups return the accepted seq", func() {
				seq, ok := d.Lookup(ctx, "m1/cmd-1")
				So(ok, ShouldBeTrue)
				So(seq, ShouldEqual, 7)
				So(d.Size(), ShouldEqual, 1)
			})

			Convey("Then recording it again keeps the first seq", func() {
				So(d.Record(ctx, "m1/cmd-1", 9), ShouldBeFalse)
				seq, _ := d.Lookup(ctx, "m1/cmd-1")
				So(seq, ShouldEqual, 7)
			})

			Convey("Then unrecording forgets it", func() {
				d.Unrecord(ctx, "m1/cmd-1")
				_, ok := d.Lookup(ctx, "m1/cmd-1")
				So(ok, ShouldBeFalse)
				So(d.Size(), ShouldEqual, 0)
			})
		})

		Convey("When unrecording an unknown id", func() {
			d.Unrecord(ctx, "nonexistent")

			Convey("Then the size is unchanged", func() {
				So(d.Size(), ShouldEqual, 0)
			})
		})
	})

	Convey("Given a bounded deduper", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(3))

		Convey("When more ids than the bound are recorded", func() {
			for i := 1; i <= 5; i++ {
				d.Record(ctx, fmt.Sprintf("cmd-%d", i), uint64(i))
			}

			Convey("Then the oldest ids are evicted first", func() {
				So(d.Size(), ShouldEqual, 3)
				_, ok1 := d.Lookup(ctx, "cmd-1")
				_, ok2 := d.Lookup(ctx, "cmd-2")
				seq5, ok5 := d.Lookup(ctx, "cmd-5")
				So(ok1, ShouldBeFalse)
				So(ok2, ShouldBeFalse)
				So(ok5, ShouldBeTrue)
				So(seq5, ShouldEqual, 5)
			})
		})

		Convey("When a middle entry is removed before eviction", func() {
			d.Record(ctx, "a", 1)
			d.Record(ctx, "b", 2)
			d.Record(ctx, "c", 3)
			d.Unrecord(ctx, "b")
			d.Record(ctx, "d", 4)
			d.Record(ctx, "e", 5)

			Convey("Then eviction still follows insertion order", func() {
				_, okA := d.Lookup(ctx, "a")
				_, okC := d.Lookup(ctx, "c")
				_, okE := d.Lookup(ctx, "e")
				So(okA, ShouldBeFalse)
				So(okC, ShouldBeTrue)
				So(okE, ShouldBeTrue)
				So(d.Size(), ShouldEqual, 3)
			})
		})
	})

	Convey("Given an unbounded deduper", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(0))
		for i := 0; i < 1000; i++ {
			d.Record(ctx, fmt.Sprintf("cmd-%d", i), uint64(i))
		}

		Convey("Then nothing is evicted", func() {
			So(d.Size(), ShouldEqual, 1000)
		})
	})

	Convey("Given concurrent recorders racing on the same id", t, func() {
		d := dedupe.NewInMemoryDeduper()
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(seq uint64) {
				defer wg.Done()
				if d.Record(ctx, "same", seq) {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(uint64(i))
		}
		wg.Wait()

		Convey("Then exactly one wins", func() {
			So(wins, ShouldEqual, 1)
			So(d.Size(), ShouldEqual, 1)
		})
	})
}
