package mcpbridge

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tmaxmax/go-sse"
)

// HandleStream returns an http.Handler that opens a long-lived, chunked
// Server-Sent-Events response for a subscribed peer and drains its queued
// notifications into it. The peer is identified by the peerID query parameter
// and must already hold a subscription.
//
// While no real notification has been sent within the configured heartbeat
// interval, a keep-alive heartbeat frame is emitted so intermediary proxies do
// not time out the connection. The stream stays open until the client
// disconnects.
func (b *NotificationBroker) HandleStream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peerID := r.URL.Query().Get("peerID")
		if peerID == "" {
			http.Error(w, "missing peerID query parameter", http.StatusBadRequest)
			return
		}

		sub, ok := b.subscriptionFor(peerID)
		if !ok {
			http.Error(w, fmt.Sprintf("peer %q is not subscribed", peerID), http.StatusNotFound)
			return
		}

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			b.logger.Error("failed to upgrade stream", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		b.setStreaming(peerID, true)
		defer b.setStreaming(peerID, false)

		b.logger.Info("stream attached", slog.String("peerID", peerID))

		heartbeat := time.NewTicker(b.heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case queued := <-sub.events:
				if err := b.streamNotification(sess, queued); err != nil {
					b.logger.Warn("failed to stream notification",
						slog.String("peerID", peerID),
						slog.String("err", err.Error()))
					b.setState(queued.notificationID, peerID, DeliveryFailed)
					return
				}
				b.setState(queued.notificationID, peerID, DeliveryDelivered)
				heartbeat.Reset(b.heartbeat)
			case <-heartbeat.C:
				if err := b.streamHeartbeat(sess); err != nil {
					b.logger.Debug("heartbeat failed, closing stream",
						slog.String("peerID", peerID),
						slog.String("err", err.Error()))
					return
				}
			}
		}
	})
}

func (b *NotificationBroker) streamNotification(sess *sse.Session, queued queuedNotification) error {
	// Encode through the framer so streamed bodies carry the same validation
	// and capability canonicalization as framed transport traffic.
	msgBs, err := b.framer.Encode(queued.msg)
	if err != nil {
		return err
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	if err := sess.Send(sseMsg); err != nil {
		return err
	}
	return sess.Flush()
}

func (b *NotificationBroker) streamHeartbeat(sess *sse.Session) error {
	msg := &sse.Message{
		Type: sse.Type("heartbeat"),
	}
	msg.AppendData("{}")

	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}
