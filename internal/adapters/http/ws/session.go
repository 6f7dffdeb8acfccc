package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okian/pitchpulse/internal/adapters/mq/broadcast"
	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/types"
	"github.com/okian/pitchpulse/pkg/logger"
	"github.com/okian/pitchpulse/pkg/metrics"
)

// session is one upgraded connection. The reader goroutine owns reads, the
// pump goroutine owns the subscriber and the calling goroutine owns writes.
type session struct {
	conn    *websocket.Conn
	sub     *broadcast.Subscriber
	handler *Handler
	logger  logger.Logger
}

// control is a frame the reader asks the writer to send. close ends the
// connection after the frame.
type control struct {
	frame types.Frame
	close bool
}

func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	events := make(chan model.Record)
	controls := make(chan control)
	var (
		wg      sync.WaitGroup
		pumpErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		s.read(ctx, controls)
	}()
	go func() {
		defer wg.Done()
		defer close(events)
		pumpErr = s.pump(ctx, events)
	}()

	s.logger.Debug(ctx, "real-time session opened")
	closeCode, reason := s.write(ctx, events, controls, &pumpErr)
	cancel()

	if closeCode != 0 {
		msg := websocket.FormatCloseMessage(closeCode, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	// Unblock the reader.
	_ = s.conn.Close()
	wg.Wait()
	s.logger.Debug(context.Background(), "real-time session closed",
		logger.Uint64("acked", s.sub.Acked()),
		logger.Seq(s.sub.LastSeq()),
	)
}

// pump moves records from the subscriber to the writer until the
// subscription ends.
func (s *session) pump(ctx context.Context, events chan<- model.Record) error {
	for {
		rec, err := s.sub.Next(ctx)
		if err != nil {
			return err
		}
		select {
		case events <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// read handles client frames. Any frame, valid or not, extends the read
// deadline.
func (s *session) read(ctx context.Context, controls chan<- control) {
	h := s.handler
	s.conn.SetReadLimit(maxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	send := func(c control) bool {
		select {
		case controls <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	strikes := 0
	strike := func(err error) bool {
		strikes++
		metrics.RecordProtocolError()
		s.logger.Debug(ctx, "protocol error",
			logger.Int("strikes", strikes),
			logger.Error(err),
		)
		return send(control{
			frame: types.ErrorFrame(CodeProtocol, err.Error()),
			close: strikes >= h.maxProtocolErrors,
		})
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug(ctx, "read failed", logger.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(h.readTimeout))

		f, err := types.ParseClientFrame(data)
		if err != nil {
			if !strike(err) {
				return
			}
			continue
		}

		switch f.Type {
		case types.FramePing:
			if !send(control{frame: types.Frame{Type: types.FramePong}}) {
				return
			}
		case types.FrameAck:
			if _, err := s.sub.Ack(f.Seq); err != nil {
				if !strike(err) {
					return
				}
				continue
			}
		}
		strikes = 0
	}
}

// write sends the opening frame and then everything else until the session
// ends. It returns the close code to send, 0 when the peer is already gone.
func (s *session) write(ctx context.Context, events <-chan model.Record, controls <-chan control, pumpErr *error) (int, string) {
	if st := s.sub.Snapshot(); st != nil {
		if err := s.send(types.SnapshotFrame(st)); err != nil {
			return 0, ""
		}
	}

	ticker := time.NewTicker(s.handler.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ""

		case rec, ok := <-events:
			if !ok {
				// The pump has returned, so reading its error is safe.
				err := *pumpErr
				if err == nil || errors.Is(err, context.Canceled) {
					return 0, ""
				}
				code, closeCode := errorCode(err)
				s.logger.Info(ctx, "subscription ended", logger.String("code", code), logger.Error(err))
				_ = s.send(types.ErrorFrame(code, err.Error()))
				return closeCode, code
			}
			if err := s.send(types.EventFrame(rec)); err != nil {
				return 0, ""
			}

		case c := <-controls:
			if err := s.send(c.frame); err != nil {
				return 0, ""
			}
			if c.close {
				return websocket.ClosePolicyViolation, "too many protocol errors"
			}

		case <-ticker.C:
			if err := s.send(types.Frame{Type: types.FramePing}); err != nil {
				return 0, ""
			}
		}
	}
}

func (s *session) send(f types.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug(context.Background(), "write failed", logger.Error(err))
		return err
	}
	return nil
}
