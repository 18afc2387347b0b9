package tun

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"strconv"

	"github.com/ooni/toyvpn/internal/model"
)

// ipPath is the path of the ip binary.
const ipPath = "/sbin/ip"

// commandRunner runs a command and returns its error.
type commandRunner func(binaryPath string, args ...string) error

func runCommand(binaryPath string, args ...string) error {
	cmd := exec.Command(binaryPath, args...)
	cmd.Stderr = os.Stderr
	cmd.Stdout = os.Stdout
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w", binaryPath, args, err)
	}
	return nil
}

// halfDefaultRoutes cover the whole address space without replacing the
// existing default route.
var halfDefaultRoutes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/1"),
	netip.MustParsePrefix("128.0.0.0/1"),
}

// linkCommands returns the ip arguments to assign addr to dev and bring it up.
func linkCommands(dev string, addr netip.Prefix, mtu int) [][]string {
	return [][]string{
		{"addr", "add", addr.String(), "dev", dev},
		{"link", "set", "dev", dev, "mtu", strconv.Itoa(mtu), "up"},
	}
}

// clientCommands returns the ip arguments configuring dev for nc.
func clientCommands(dev string, nc *model.NetworkConfig, mtu int) [][]string {
	addr := netip.PrefixFrom(nc.ClientIP, nc.PrefixLength)
	out := linkCommands(dev, addr, mtu)
	for _, route := range nc.Routes {
		prefixes := []netip.Prefix{route.Prefix()}
		if route.IsDefault() {
			prefixes = halfDefaultRoutes
		}
		for _, prefix := range prefixes {
			out = append(out, []string{"route", "add", prefix.String(), "via", nc.ServerIP.String(), "dev", dev})
		}
	}
	return out
}

// hostRouteCommand returns the ip arguments that keep the traffic for the
// server outside of the tunnel.
func hostRouteCommand(server, gateway netip.Addr, gatewayDev string) []string {
	out := []string{"route", "add", netip.PrefixFrom(server, server.BitLen()).String(), "via", gateway.String()}
	if gatewayDev != "" {
		out = append(out, "dev", gatewayDev)
	}
	return out
}

// interfaceByIP returns the name of the interface carrying addr.
func interfaceByIP(addr net.IP) (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			return "", err
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.Equal(addr) {
				return iface.Name, nil
			}
		}
	}
	return "", fmt.Errorf("interface with IP %s not found", addr)
}
