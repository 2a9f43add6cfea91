package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	homie "github.com/duke1swd/homie-device"
)

const connectWait = 5 * time.Second

// transport is the part of homie.Client the bridge uses.
type transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Do(fn func() error) error
}

// plug is one Kasa plug published as a homie device with a single
// outlet node. addr and on are shared with the outlet's subscriber and
// are only touched inside client.Do once the client exists.
type plug struct {
	uid  string
	id   string
	name string
	addr net.Addr
	on   bool

	lastSeen time.Time
	device   *homie.Device
	outlet   *homie.Property[bool]
	client   transport
}

// bridge owns the plugs. The plug map is touched only from run.
type bridge struct {
	conn        net.PacketConn
	topicBase   string
	lostTimeout time.Duration
	logger      *slog.Logger
	connect     func(d *homie.Device) transport

	plugs map[string]*plug
}

func (b *bridge) run(ctx context.Context, replies <-chan sysinfo) {
	ticker := time.NewTicker(b.lostTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case info := <-replies:
			b.seen(ctx, info, time.Now())
		case now := <-ticker.C:
			b.expire(ctx, now)
		case <-ctx.Done():
			b.closeAll()
			return
		}
	}
}

// seen handles one sysinfo reply.
func (b *bridge) seen(ctx context.Context, info sysinfo, now time.Time) {
	id := homieID(info.Alias)
	p, ok := b.plugs[info.DeviceID]
	if ok && (p.id != id || p.name != info.Alias) {
		// the plug was renamed
		b.remove(ctx, p)
		ok = false
	}
	if !ok {
		var err error
		if p, err = b.add(ctx, info, id); err != nil {
			b.logger.Warn("cannot publish plug", "alias", info.Alias, "error", err)
			return
		}
	}

	p.lastSeen = now
	err := p.client.Do(func() error {
		p.addr = info.addr
		if p.on == info.on() {
			return nil
		}
		p.on = info.on()
		return p.outlet.Update(p.on)
	})
	if err != nil {
		b.logger.Warn("outlet update failed", "device", p.id, "error", err)
	}
}

func (b *bridge) add(ctx context.Context, info sysinfo, id string) (*plug, error) {
	p := &plug{
		uid:  info.DeviceID,
		id:   id,
		name: info.Alias,
		addr: info.addr,
		on:   info.on(),
	}
	b.logger.Info("creating device", "device", id, "alias", info.Alias)

	d, err := homie.NewDevice(id, info.Alias, homie.WithBaseTopic(b.topicBase), homie.WithLogger(b.logger))
	if err != nil {
		return nil, err
	}
	_, err = d.AddNode("outlet", "relay", func(n *homie.Node) error {
		var err error
		p.outlet, err = n.Boolean("on", homie.WithName("On"))
		return err
	}, homie.WithNodeName("Outlet"))
	if err != nil {
		return nil, err
	}
	p.outlet.Subscribe(func(u homie.PropertyUpdate[bool]) {
		b.setRelay(p, u.Value())
	})
	p.device = d

	p.client = b.connect(d)
	cctx, cancel := context.WithTimeout(ctx, connectWait)
	defer cancel()
	if err := p.client.Connect(cctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("device %s: %w", id, err)
	}

	err = p.client.Do(func() error {
		if err := p.outlet.Update(p.on); err != nil {
			return err
		}
		return d.SetState(homie.StateReady)
	})
	if err != nil {
		dctx, cancel := context.WithTimeout(ctx, connectWait)
		defer cancel()
		if derr := p.client.Disconnect(dctx); derr != nil {
			b.logger.Warn("disconnect failed", "device", id, "error", derr)
		}
		return nil, fmt.Errorf("device %s: %w", id, err)
	}
	b.plugs[p.uid] = p
	return p, nil
}

// setRelay asks the plug to switch and then queries it, the reply updates
// the outlet property. It runs inside the client's lock.
func (b *bridge) setRelay(p *plug, on bool) {
	if on == p.on {
		return
	}
	cmd := relayOff
	if on {
		cmd = relayOn
	}
	if _, err := b.conn.WriteTo(cmd, p.addr); err != nil {
		b.logger.Warn("relay command failed", "device", p.id, "addr", p.addr, "error", err)
		return
	}
	if _, err := b.conn.WriteTo(statusQuery, p.addr); err != nil {
		b.logger.Warn("status query failed", "device", p.id, "addr", p.addr, "error", err)
	}
}

func (b *bridge) expire(ctx context.Context, now time.Time) {
	for _, p := range b.plugs {
		if now.Sub(p.lastSeen) > b.lostTimeout {
			b.remove(ctx, p)
		}
	}
}

func (b *bridge) remove(ctx context.Context, p *plug) {
	b.logger.Info("destroying device", "device", p.id, "alias", p.name)
	delete(b.plugs, p.uid)

	dctx, cancel := context.WithTimeout(ctx, connectWait)
	defer cancel()
	if err := p.client.Disconnect(dctx); err != nil {
		b.logger.Warn("disconnect failed", "device", p.id, "error", err)
	}
}

func (b *bridge) closeAll() {
	for _, p := range b.plugs {
		b.remove(context.Background(), p)
	}
}
