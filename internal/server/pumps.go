package server

import (
	"bufio"
	"io"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/driftwire/driftwire/internal/logging"
	"github.com/driftwire/driftwire/internal/metrics"
	"github.com/driftwire/driftwire/pkg/protocol"
)

// readPump reads frames until the connection dies, applying the
// per-session message rate limit before dispatch. It owns teardown.
func (s *Server) readPump(sess *session) {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "readPump")
	defer s.teardown(sess)

	sess.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(sess.conn)
		if err != nil {
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			metrics.FramesIn.Inc()
			if !sess.limiter.Allow() {
				s.sendError(sess, "", protocol.NewError(
					protocol.CodeValidationError, "message rate limit exceeded, slow down"))
				continue
			}
			s.dispatch(sess, msg)
		case ws.OpClose:
			return
		}
		// Pings are answered by the wsutil reader.
	}
}

// writePump drains the session's egress queue. Queued frames are written
// as individual messages through one buffered writer and flushed together,
// cutting syscalls on busy sessions. The ping ticker keeps idle peers
// alive.
func (s *Server) writePump(sess *session) {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "writePump")
	defer sess.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	writer := bufio.NewWriter(sess.conn)

	for {
		select {
		case raw, ok := <-sess.send:
			if !ok {
				return
			}
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !s.writeFrame(sess, writer, raw) {
				return
			}
			// Batch whatever else queued up before the single flush.
			for n := len(sess.send); n > 0; n-- {
				if !s.writeFrame(sess, writer, <-sess.send) {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Str("session_id", sess.id).Msg("egress flush failed")
				return
			}

		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(sess.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(sess *session, w io.Writer, raw []byte) bool {
	if err := wsutil.WriteServerMessage(w, ws.OpText, raw); err != nil {
		s.logger.Debug().Err(err).Str("session_id", sess.id).Msg("egress write failed")
		return false
	}
	metrics.FramesOut.Inc()
	metrics.BytesOut.Add(float64(len(raw)))
	return true
}
