package gateway

import (
	"log"
	"time"
)

// EventPing is sent to every channel on the heartbeat interval; clients
// answer with a pong frame that the transport forwards to Channel.Ack.
const EventPing = "ping"

// StartHeartbeat launches the liveness sweep: every heartbeat interval a
// ping is sent to all channels, and channels that fail to acknowledge
// within the deadline are force-disconnected. One sweep goroutine serves
// all channels.
func (g *Registry) StartHeartbeat() {
	g.mu.Lock()
	if g.heartbeatStop != nil {
		g.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	g.heartbeatStop = stop
	g.heartbeatDone = done
	g.mu.Unlock()

	go g.heartbeatLoop(stop, done)
}

// StopHeartbeat stops the liveness sweep and waits for it to exit.
func (g *Registry) StopHeartbeat() {
	g.mu.Lock()
	stop := g.heartbeatStop
	done := g.heartbeatDone
	g.heartbeatStop = nil
	g.heartbeatDone = nil
	g.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (g *Registry) heartbeatLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(g.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		pingAt := g.clock()
		for _, channel := range g.allChannels() {
			if err := channel.Send(Event{Type: EventPing}); err != nil {
				g.forceDisconnect(channel, "ping write failed")
			}
		}

		deadline := time.NewTimer(g.heartbeatDeadline)
		select {
		case <-stop:
			deadline.Stop()
			return
		case <-deadline.C:
		}

		for _, channel := range g.allChannels() {
			channel.mu.Lock()
			acked := !channel.lastAck.Before(pingAt)
			channel.mu.Unlock()
			if !acked {
				g.forceDisconnect(channel, "heartbeat timeout")
			}
		}
	}
}

func (g *Registry) allChannels() []*Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	channels := make([]*Channel, 0)
	for _, set := range g.byUser {
		for channel := range set {
			channels = append(channels, channel)
		}
	}
	return channels
}

func (g *Registry) forceDisconnect(channel *Channel, reason string) {
	log.Printf("gateway: force disconnect channel=%s user=%q: %s", channel.ID(), channel.UserID(), reason)
	if err := channel.sink.Close(); err != nil {
		log.Printf("gateway: close sink channel=%s: %v", channel.ID(), err)
	}
	g.Disconnect(channel)
}
