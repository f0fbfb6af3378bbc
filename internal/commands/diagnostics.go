package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"jsoncomm/message"
	"jsoncomm/server"
	"jsoncomm/transport"
)

const notifyEventName = "notify"

type EchoRequest struct {
	message.RequestBase
	Text string `json:"text"`
}

type EchoResponse struct {
	Text string `json:"text"`
}

type PingRequest struct {
	message.RequestBase
}

type PingResponse struct {
	Time       time.Time `json:"time"`
	Connection string    `json:"connection,omitempty"`
}

type SleepRequest struct {
	message.RequestBase
	// Go duration string, e.g. "250ms".
	Duration string `json:"duration"`
}

type SleepResponse struct {
	Slept string `json:"slept"`
}

type FailRequest struct {
	message.RequestBase
	Message string `json:"message"`
}

type NotifyEvent struct {
	message.EventBase
	Text string `json:"text"`
	From string `json:"from,omitempty"`
}

// Diagnostics is the service run by "jsoncomm serve". Its commands are
// echo, ping, sleep and fail.
type Diagnostics struct {
	now func() time.Time
}

func (d *Diagnostics) Echo(_ context.Context, req *EchoRequest) (*EchoResponse, error) {
	return &EchoResponse{Text: req.Text}, nil
}

func (d *Diagnostics) Ping(ctx context.Context, _ *PingRequest) (*PingResponse, error) {
	resp := &PingResponse{Time: d.now().UTC()}
	if conn, ok := transport.FromContext(ctx); ok {
		resp.Connection = conn.ID()
	}
	return resp, nil
}

// Sleep waits for the requested duration, or until the request is cancelled.
func (d *Diagnostics) Sleep(ctx context.Context, req *SleepRequest) (*SleepResponse, error) {
	dur, err := time.ParseDuration(req.Duration)
	if err != nil {
		return nil, fmt.Errorf("invalid duration: %w", err)
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return &SleepResponse{Slept: dur.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Diagnostics) Fail(_ context.Context, req *FailRequest) (*EchoResponse, error) {
	msg := req.Message
	if msg == "" {
		msg = "failure requested"
	}
	return nil, errors.New(msg)
}

// newDiagnosticsServer registers the diagnostics service on svr. Every notify
// event is re-broadcast to all connected peers, the sender included.
func newDiagnosticsServer(svr *server.Server, log logr.Logger) error {
	if err := svr.Register(&Diagnostics{now: time.Now}); err != nil {
		return err
	}
	server.RegisterEventType[NotifyEvent](svr, notifyEventName)
	svr.HandleEvent(notifyEventName, func(ctx context.Context, ev message.Event) error {
		n := ev.(*NotifyEvent)
		if n.From == "" {
			if conn, ok := transport.FromContext(ctx); ok {
				n.From = conn.ID()
			}
		}
		log.Info("Relaying notification", "from", n.From, "text", n.Text)
		// Off the read loop: broadcasting writes to this same connection.
		go func() {
			if err := svr.Broadcast(context.WithoutCancel(ctx), n); err != nil {
				log.V(1).Info("Notification not delivered to every peer", "error", err.Error())
			}
		}()
		return nil
	})
	return nil
}
