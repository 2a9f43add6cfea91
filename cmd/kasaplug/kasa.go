package main

// TP-Link Kasa smart plug protocol: JSON commands obfuscated with an
// autokey XOR cipher, sent over UDP port 9999.

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

const (
	kasaPort = 9999
	kasaKey  = 171
)

var (
	statusQuery = encrypt(`{"system":{"get_sysinfo":null},"emeter":{"get_realtime":null}}`)
	relayOn     = encrypt(`{"system":{"set_relay_state":{"state":1}}}`)
	relayOff    = encrypt(`{"system":{"set_relay_state":{"state":0}}}`)
)

func encrypt(s string) []byte {
	data := []byte(s)
	k := byte(kasaKey)
	for i := range data {
		data[i] ^= k
		k = data[i]
	}
	return data
}

// decrypt works in place.
func decrypt(data []byte) []byte {
	k := byte(kasaKey)
	for i, b := range data {
		data[i] = b ^ k
		k = b
	}
	return data
}

// sysinfo is the part of a get_sysinfo reply the bridge uses.
type sysinfo struct {
	Alias      string `json:"alias"`
	DeviceID   string `json:"deviceId"`
	RelayState *int   `json:"relay_state"`

	addr net.Addr
}

type sysinfoReply struct {
	System struct {
		GetSysinfo *sysinfo `json:"get_sysinfo"`
	} `json:"system"`
}

// parseSysinfo decodes a decrypted reply from a plug at addr.
func parseSysinfo(buf []byte, addr net.Addr) (sysinfo, error) {
	var reply sysinfoReply
	if err := json.Unmarshal(buf, &reply); err != nil {
		return sysinfo{}, fmt.Errorf("sysinfo: %w", err)
	}
	info := reply.System.GetSysinfo
	switch {
	case info == nil:
		return sysinfo{}, errors.New("sysinfo: no system.get_sysinfo in reply")
	case info.Alias == "":
		return sysinfo{}, errors.New("sysinfo: no alias")
	case info.DeviceID == "":
		return sysinfo{}, errors.New("sysinfo: no deviceId")
	case info.RelayState == nil:
		return sysinfo{}, errors.New("sysinfo: no relay_state")
	case *info.RelayState != 0 && *info.RelayState != 1:
		return sysinfo{}, fmt.Errorf("sysinfo: relay_state %d is not 0 or 1", *info.RelayState)
	}
	info.addr = addr
	return *info, nil
}

func (s sysinfo) on() bool { return s.RelayState != nil && *s.RelayState == 1 }

// homieID converts a plug's alias into a valid homie id.
func homieID(alias string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(alias) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == '-' || r == ' ' || r == '_':
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "-") {
				b.WriteByte('-')
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// broadcastAddr returns the last address of an IPv4 network.
func broadcastAddr(cidr string, port int) (*net.UDPAddr, error) {
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}
	ip4 := n.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("network %s: IPv6 is not supported", cidr)
	}
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, binary.BigEndian.Uint32(ip4)|^binary.BigEndian.Uint32(net.IP(n.Mask).To4()))
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// listen reads replies from conn until ctx is done and sends every valid
// sysinfo to out.
func listen(ctx context.Context, conn net.PacketConn, out chan<- sysinfo, logger *slog.Logger) {
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Debug("udp read failed", "error", err)
			continue
		}

		reply := decrypt(append([]byte(nil), buf[:n]...))
		info, err := parseSysinfo(reply, addr)
		if err != nil {
			logger.Debug("ignoring reply", "addr", addr, "error", err)
			continue
		}
		select {
		case out <- info:
		case <-ctx.Done():
			return
		}
	}
}

// broadcaster queries every plug on the network each period.
func broadcaster(ctx context.Context, conn net.PacketConn, to net.Addr, period time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		if _, err := conn.WriteTo(statusQuery, to); err != nil {
			logger.Warn("broadcast failed", "addr", to, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
