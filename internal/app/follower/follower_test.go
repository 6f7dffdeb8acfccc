package follower_test

import (
	"context"
	"testing"
	"time"

	"github.com/okian/pitchpulse/internal/adapters/mq/broadcast"
	"github.com/okian/pitchpulse/internal/adapters/repository"
	"github.com/okian/pitchpulse/internal/app/follower"
	"github.com/okian/pitchpulse/internal/app/snapshot"
	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func appendDots(log *repository.MemoryLog, n int) []model.Record {
	ctx := context.Background()
	tail, err := log.LatestSeq(ctx, "m1")
	if err != nil {
		panic(err)
	}
	ps := make([]model.Payload, n)
	for i := range ps {
		ps[i] = model.BallDelivered{Striker: "A1", NonStriker: "A2", Bowler: "B1"}
	}
	recs, err := log.Append(ctx, "m1", tail, "", ps...)
	if err != nil {
		panic(err)
	}
	return recs
}

func nextSeqs(s *broadcast.Subscriber, n int) ([]uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var seqs []uint64
	for len(seqs) < n {
		rec, err := s.Next(ctx)
		if err != nil {
			return seqs, err
		}
		seqs = append(seqs, rec.Seq)
	}
	return seqs, nil
}

func TestFollower(t *testing.T) {
	ctx := context.Background()

	Convey("Given a subscriber on a match with three events", t, func() {
		log := repository.NewMemoryLog()
		m := model.Match{TenantID: "t1", ID: "m1", Team1ID: "IND", Team2ID: "AUS", Format: model.T20()}
		So(log.CreateMatch(ctx, m), ShouldBeNil)
		appendDots(log, 3)

		cache := snapshot.New(log, snapshot.WithLogger(logger.Nop()))
		hub := broadcast.NewHub(cache, log, broadcast.WithLogger(logger.Nop()))
		defer hub.Close()
		f := follower.New(log, cache, hub, follower.WithLogger(logger.Nop()))

		sub, err := hub.Subscribe(ctx, "m1", 0)
		So(err, ShouldBeNil)
		So(hub.Published("m1"), ShouldEqual, 3)

		Convey("When nothing new is in the log", func() {
			Convey("Then a poll relays nothing", func() {
				So(f.Poll(ctx), ShouldEqual, 0)
			})
		})

		Convey("When another writer appends two events", func() {
			appendDots(log, 2)

			Convey("Then a poll hands them to the subscriber", func() {
				So(f.Poll(ctx), ShouldEqual, 2)
				seqs, err := nextSeqs(sub, 2)
				So(err, ShouldBeNil)
				So(seqs, ShouldResemble, []uint64{4, 5})
				So(hub.Published("m1"), ShouldEqual, 5)

				st, ok := cache.Peek("m1")
				So(ok, ShouldBeTrue)
				So(st.LastSeq, ShouldEqual, 5)
			})

			Convey("Then a second poll relays nothing", func() {
				So(f.Poll(ctx), ShouldEqual, 2)
				So(f.Poll(ctx), ShouldEqual, 0)
			})
		})

		Convey("When events are published locally", func() {
			recs := appendDots(log, 2)
			hub.Publish(ctx, "m1", recs)

			Convey("Then the poll does not send them again", func() {
				So(f.Poll(ctx), ShouldEqual, 0)
				seqs, err := nextSeqs(sub, 2)
				So(err, ShouldBeNil)
				So(seqs, ShouldResemble, []uint64{4, 5})
			})
		})

		Convey("When the subscriber leaves", func() {
			sub.Close()
			appendDots(log, 1)

			Convey("Then the match is no longer watched", func() {
				So(hub.Matches(), ShouldBeEmpty)
				So(f.Poll(ctx), ShouldEqual, 0)
			})
		})
	})

	Convey("Given a follower with a short interval", t, func() {
		log := repository.NewMemoryLog()
		m := model.Match{TenantID: "t1", ID: "m1", Team1ID: "IND", Team2ID: "AUS", Format: model.T20()}
		So(log.CreateMatch(ctx, m), ShouldBeNil)

		cache := snapshot.New(log, snapshot.WithLogger(logger.Nop()))
		hub := broadcast.NewHub(cache, log, broadcast.WithLogger(logger.Nop()))
		defer hub.Close()
		f := follower.New(log, cache, hub,
			follower.WithLogger(logger.Nop()),
			follower.WithInterval(5*time.Millisecond),
		)
		So(f.Interval(), ShouldEqual, 5*time.Millisecond)

		sub, err := hub.Subscribe(ctx, "m1", 0)
		So(err, ShouldBeNil)

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			f.Run(runCtx)
			close(done)
		}()

		Convey("Then appended events reach the subscriber without a publish", func() {
			appendDots(log, 1)
			seqs, err := nextSeqs(sub, 1)
			So(err, ShouldBeNil)
			So(seqs, ShouldResemble, []uint64{1})

			cancel()
			<-done
		})
	})
}
