package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"jsoncomm/client"
	"jsoncomm/codec"
	"jsoncomm/loadbalance"
	"jsoncomm/message"
	"jsoncomm/registry"
	"jsoncomm/transport"
)

// targetFlags select the peer a one-shot command talks to: a fixed address,
// or a service discovered through the registry.
type targetFlags struct {
	addr    string
	service string
	key     string
	timeout time.Duration
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.addr, "addr", "a", "", "Peer address, host:port or a ws:// URL.")
	cmd.Flags().StringVarP(&f.service, "service", "s", "", "Service name to discover through the registry.")
	cmd.Flags().StringVar(&f.key, "key", "", "With --service, pick the endpoint by consistent hashing on this key.")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 30*time.Second, "Give up after this long.")
	cmd.MarkFlagsMutuallyExclusive("addr", "service")
	cmd.MarkFlagsOneRequired("addr", "service")
}

// target is an open route to the peer.
type target interface {
	call(ctx context.Context, req message.Request, resp any) error
	emit(ctx context.Context, ev message.Event) error
	onEvent(h transport.EventHandler)
	Close() error
}

type connTarget struct {
	conn *transport.Connection
}

func (t *connTarget) call(ctx context.Context, req message.Request, resp any) error {
	return t.conn.SendRequest(ctx, req, resp)
}

func (t *connTarget) emit(ctx context.Context, ev message.Event) error {
	return t.conn.SendEvent(ctx, ev)
}

func (t *connTarget) onEvent(h transport.EventHandler) { t.conn.OnEvent(h) }

func (t *connTarget) Close() error { return t.conn.Close() }

type serviceTarget struct {
	client  *client.Client
	reg     registry.Registry
	service string
	key     string
}

func (t *serviceTarget) call(ctx context.Context, req message.Request, resp any) error {
	if t.key != "" {
		return t.client.CallKey(ctx, t.service, t.key, req, resp)
	}
	return t.client.Call(ctx, t.service, req, resp)
}

func (t *serviceTarget) emit(ctx context.Context, ev message.Event) error {
	return t.client.Emit(ctx, t.service, ev)
}

func (t *serviceTarget) onEvent(h transport.EventHandler) { t.client.OnEvent(h) }

func (t *serviceTarget) Close() error {
	return errors.Join(t.client.Close(), t.reg.Close())
}

func openTarget(ctx context.Context, st *rootState, f *targetFlags) (target, error) {
	cfg := st.cfg
	log := st.log.WithName("client")

	connOpts, err := connectionOptions(cfg, log)
	if err != nil {
		return nil, err
	}

	if f.addr != "" {
		conn, err := client.DialWithDialer(ctx, dialer(cfg), f.addr, connOpts...)
		if err != nil {
			return nil, err
		}
		return &connTarget{conn: conn}, nil
	}

	reg, err := openRegistry(cfg, log)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, fmt.Errorf("--service %q needs registry endpoints (registry.endpoints or JSONCOMM_ETCD_ENDPOINTS)", f.service)
	}
	bal, err := loadbalance.ByName(cfg.Client.Balancer)
	if err != nil {
		_ = reg.Close()
		return nil, err
	}
	c := client.NewClient(reg, bal,
		client.WithLogger(log),
		client.WithDialer(dialer(cfg)),
		client.WithConnectionOptions(connOpts...),
	)
	return &serviceTarget{client: c, reg: reg, service: f.service, key: f.key}, nil
}

// parseBody decodes an optional JSON object argument.
func parseBody(st *rootState, args []string) (map[string]any, error) {
	if len(args) == 0 || args[0] == "" {
		return map[string]any{}, nil
	}
	c, err := codec.ByName(st.cfg.Codec.Name)
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := c.Unmarshal([]byte(args[0]), &body); err != nil {
		return nil, fmt.Errorf("body must be a JSON object: %w", err)
	}
	if body == nil {
		return nil, errors.New("body must be a JSON object, got null")
	}
	return body, nil
}
