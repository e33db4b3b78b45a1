package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/adred-codev/moo/internal/metrics"
	"github.com/google/uuid"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/rs/zerolog"
)

// Core is one discovered Core, deduplicated by UniqueID (spec §4.3,
// §3 DiscoveredCore).
type Core struct {
	UniqueID string
	Host     string
	Port     int
	Name     string
	Version  string
}

// Config tunes a Discover call.
type Config struct {
	// Timeout bounds the overall receive window. Default 3s.
	Timeout time.Duration
	Logger  zerolog.Logger
}

const defaultTimeout = 3 * time.Second
const perRecvTimeout = 500 * time.Millisecond

// broadcastInterfaces enumerates IPv4 interfaces that are up and
// non-loopback, using gopsutil for portable host introspection instead
// of the stdlib net.Interfaces() — the same cross-platform posture the
// teacher repo takes for other host-level facts (container CPU/memory).
// It returns the directed broadcast address for each interface.
func broadcastInterfaces() ([]net.IP, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("discovery: enumerate interfaces: %w", err)
	}

	var broadcasts []net.IP
	for _, iface := range ifaces {
		up := false
		loopback := false
		for _, flag := range iface.Flags {
			switch flag {
			case "up":
				up = true
			case "loopback":
				loopback = true
			}
		}
		if !up || loopback {
			continue
		}

		for _, addr := range iface.Addrs {
			ip, ipNet, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				continue
			}
			ip4 := ip.To4()
			if ip4 == nil {
				continue
			}
			bc := make(net.IP, 4)
			mask := ipNet.Mask
			for i := range bc {
				bc[i] = ip4[i] | ^mask[i]
			}
			broadcasts = append(broadcasts, bc)
		}
	}

	return broadcasts, nil
}

// listenBroadcastUDP opens a UDP4 socket with SO_BROADCAST set before
// bind, via net.ListenConfig's Control hook (spec §4.3 step 2: "Open a
// single UDP socket with broadcast enabled"). Without this, sends to a
// directed broadcast address fail with EACCES on Linux and the
// directed-broadcast half of discovery never actually transmits —
// matching the teacher's own habit of reaching for raw
// syscall.SetsockoptInt calls to tune a socket (ws/go-server/pkg/websocket/netpoll.go)
// rather than leaving platform defaults in place.
func listenBroadcastUDP() (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// Discover runs one SOOD query/response exchange: it sends a query to
// the multicast group and to every local interface's broadcast
// address, collects responses for up to cfg.Timeout, and returns the
// deduplicated result set keyed by unique_id (last writer wins, spec
// §4.3 step 5-6).
func Discover(ctx context.Context, cfg Config) (map[string]Core, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	conn, err := listenBroadcastUDP()
	if err != nil {
		return nil, fmt.Errorf("discovery: open socket: %w", err)
	}
	defer conn.Close()

	tid := uuid.NewString()
	query := EncodeQuery(tid)

	multicastAddr := &net.UDPAddr{IP: net.ParseIP(MulticastGroup), Port: Port}
	if _, err := conn.WriteToUDP(query, multicastAddr); err != nil {
		cfg.Logger.Debug().Err(err).Msg("discovery: multicast send failed")
	}
	metrics.DiscoveryQueriesTotal.Inc()

	broadcasts, err := broadcastInterfaces()
	if err != nil {
		cfg.Logger.Warn().Err(err).Msg("discovery: interface enumeration failed")
	}
	for _, bc := range broadcasts {
		addr := &net.UDPAddr{IP: bc, Port: Port}
		if _, err := conn.WriteToUDP(query, addr); err != nil {
			cfg.Logger.Debug().Err(err).Str("broadcast", bc.String()).Msg("discovery: broadcast send failed")
		}
		metrics.DiscoveryQueriesTotal.Inc()
	}

	results := make(map[string]Core)
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 2048)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		recvDeadline := time.Now().Add(perRecvTimeout)
		if recvDeadline.After(deadline) {
			recvDeadline = deadline
		}
		conn.SetReadDeadline(recvDeadline)

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue // per-recv timeout; loop re-checks the overall deadline
		}

		core, ok := parseResponse(buf[:n], addr)
		if !ok {
			continue
		}
		results[core.UniqueID] = core
	}

	metrics.DiscoveryCoresFound.Set(float64(len(results)))
	return results, nil
}

func parseResponse(buf []byte, from *net.UDPAddr) (Core, bool) {
	msgType, props, ok := Decode(buf)
	if !ok || msgType != typeResponse {
		return Core{}, false
	}

	serviceID, ok := props.Get("service_id")
	if !ok || serviceID != QueryServiceID {
		return Core{}, false
	}

	httpPort, ok := props.Get("http_port")
	if !ok {
		return Core{}, false
	}
	port, err := strconv.Atoi(httpPort)
	if err != nil {
		return Core{}, false
	}

	uniqueID, ok := props.Get("unique_id")
	if !ok {
		return Core{}, false
	}

	host, ok := props.Get("_replyaddr")
	if !ok {
		host = from.IP.String()
	}

	name, _ := props.Get("name")
	version, _ := props.Get("display_version")

	return Core{
		UniqueID: uniqueID,
		Host:     host,
		Port:     port,
		Name:     name,
		Version:  version,
	}, true
}
