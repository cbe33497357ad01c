// Package network brings up the primary network interface on boot: it
// matches the interface metadata reports as primary against the host's
// link devices, acquires a DHCPv4 lease (or replays a persisted one, for
// tests), and writes the resulting address, route and resolver state.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/duffcloud/vminit/pkg/ezerrors"
	"github.com/duffcloud/vminit/pkg/metadata"
	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// resolvConfPath and hostsPath are fixed, matching the rest of the boot
// sequence's fixed-path conventions (spec.md §4.E).
const (
	resolvConfPath = "/etc/resolv.conf"
	hostsPath      = "/etc/hosts"
	dhcpTimeout    = 30 * time.Second
)

// Lease is the subset of DHCP lease state this binary persists and replays.
// A file in this shape at leaseFilePath short-circuits the DHCP exchange
// entirely, which is how integration tests pin network state without a
// real DHCP server.
type Lease struct {
	Interface  string   `json:"interface"`
	Address    string   `json:"address"` // CIDR, e.g. "10.0.1.12/24"
	Gateway    string   `json:"gateway"`
	DNSServers []string `json:"dns_servers"`
	Hostname   string   `json:"hostname"`
}

// Result is what Bringup configured, returned so callers (and tests) can
// assert on it without re-reading kernel state.
type Result struct {
	Interface string
	Lease     Lease
}

// Bringup enumerates local link devices, selects the one whose hardware
// address matches the primary interface metadata reports, and configures
// it: a persisted lease at leaseFilePath is honored verbatim when present,
// otherwise a DHCPv4 exchange is performed. Resolver and hosts files are
// rewritten atomically. Fatal (non-nil error) if no interface can be
// configured and no persisted lease exists, per spec.md §4.D.
func Bringup(ctx context.Context, reported []metadata.NetworkInterface, leaseFilePath, hostname string, log *logrus.Entry) (*Result, error) {
	primary, ok := findPrimary(reported)
	if !ok {
		return nil, ezerrors.Network("network", "no primary interface reported by metadata", nil)
	}

	if lease, err := loadPersistedLease(leaseFilePath); err == nil {
		log.WithField("interface", lease.Interface).Info("replaying persisted network lease")
		if err := applyLease(*lease); err != nil {
			return nil, err
		}
		if err := writeResolverFiles(*lease, hostname); err != nil {
			return nil, err
		}
		return &Result{Interface: lease.Interface, Lease: *lease}, nil
	} else if !os.IsNotExist(err) {
		return nil, ezerrors.Network("network", "reading persisted lease", err)
	}

	link, err := findLinkByMAC(primary.MAC)
	if err != nil {
		return nil, err
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return nil, ezerrors.Network("network", fmt.Sprintf("bringing up %s", link.Attrs().Name), err)
	}

	lease, err := acquireDHCP(ctx, link)
	if err != nil {
		return nil, ezerrors.Network("network", fmt.Sprintf("acquiring DHCP lease on %s", link.Attrs().Name), err)
	}

	if err := applyLease(*lease); err != nil {
		return nil, err
	}
	if err := writeResolverFiles(*lease, hostname); err != nil {
		return nil, err
	}
	return &Result{Interface: lease.Interface, Lease: *lease}, nil
}

func findPrimary(ifaces []metadata.NetworkInterface) (metadata.NetworkInterface, bool) {
	for _, i := range ifaces {
		if i.Primary {
			return i, true
		}
	}
	return metadata.NetworkInterface{}, false
}

func findLinkByMAC(mac string) (netlink.Link, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, ezerrors.Network("network", "listing links", err)
	}
	for _, l := range links {
		if strings.EqualFold(l.Attrs().HardwareAddr.String(), mac) {
			return l, nil
		}
	}
	return nil, ezerrors.Network("network", fmt.Sprintf("no interface found with MAC %s", mac), nil)
}

func acquireDHCP(ctx context.Context, link netlink.Link) (*Lease, error) {
	client, err := nclient4.New(link.Attrs().Name)
	if err != nil {
		return nil, fmt.Errorf("creating dhcp client: %w", err)
	}
	defer client.Close()

	reqCtx, cancel := context.WithTimeout(ctx, dhcpTimeout)
	defer cancel()

	result, err := client.Request(reqCtx)
	if err != nil {
		return nil, fmt.Errorf("dhcp exchange: %w", err)
	}
	ack := result.ACK

	ones, _ := ack.SubnetMask().Size()
	addr := fmt.Sprintf("%s/%d", ack.YourIPAddr.String(), ones)

	gateway := ""
	if routers := ack.Router(); len(routers) > 0 {
		gateway = routers[0].String()
	}

	var dns []string
	for _, ip := range ack.DNS() {
		dns = append(dns, ip.String())
	}

	return &Lease{
		Interface:  link.Attrs().Name,
		Address:    addr,
		Gateway:    gateway,
		DNSServers: dns,
		Hostname:   ack.HostName(),
	}, nil
}

func applyLease(lease Lease) error {
	link, err := netlink.LinkByName(lease.Interface)
	if err != nil {
		return ezerrors.Network("network", fmt.Sprintf("looking up %s", lease.Interface), err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return ezerrors.Network("network", fmt.Sprintf("bringing up %s", lease.Interface), err)
	}

	ip, ipNet, err := net.ParseCIDR(lease.Address)
	if err != nil {
		return ezerrors.Network("network", fmt.Sprintf("parsing lease address %s", lease.Address), err)
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: ipNet.Mask}}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return ezerrors.Network("network", fmt.Sprintf("assigning address to %s", lease.Interface), err)
	}

	if lease.Gateway != "" {
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Gw:        net.ParseIP(lease.Gateway),
		}
		if err := netlink.RouteReplace(route); err != nil {
			return ezerrors.Network("network", fmt.Sprintf("setting default route via %s", lease.Gateway), err)
		}
	}

	return nil
}

func writeResolverFiles(lease Lease, hostname string) error {
	return writeResolverFilesTo(lease, hostname, resolvConfPath, hostsPath)
}

func writeResolverFilesTo(lease Lease, hostname, resolvPath, hostsFilePath string) error {
	var resolv strings.Builder
	for _, server := range lease.DNSServers {
		fmt.Fprintf(&resolv, "nameserver %s\n", server)
	}
	if err := writeFileAtomically(resolvPath, []byte(resolv.String())); err != nil {
		return ezerrors.Network("network", "writing resolv.conf", err)
	}

	name := hostname
	if name == "" {
		name = lease.Hostname
	}
	host := "127.0.0.1\tlocalhost\n"
	if name != "" {
		host += fmt.Sprintf("127.0.1.1\t%s\n", name)
	}
	if err := writeFileAtomically(hostsFilePath, []byte(host)); err != nil {
		return ezerrors.Network("network", "writing hosts file", err)
	}
	return nil
}

func writeFileAtomically(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadPersistedLease(path string) (*Lease, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, ezerrors.Network("network", "parsing persisted lease", err)
	}
	return &lease, nil
}
